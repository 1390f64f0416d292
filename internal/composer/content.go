package composer

import (
	"fmt"
	"strings"

	"github.com/kalambet/learnd/internal/proxy"
)

// ContentRequest describes one generation job for prompting purposes.
// Requirements are the type's configured options rendered as short lines,
// e.g. "Number of cards: 10".
type ContentRequest struct {
	Type         string
	Role         string
	Topic        string
	Requirements []string
	Context      []Block
	// TrueFalseOnly narrows quiz output to two answer columns.
	TrueFalseOnly bool
	// Language is the programming language for code content.
	Language string
}

// QuizKeys are the JSON keys requested for quiz rows.
var QuizKeys = []string{"s_no", "question", "correct_answer", "answer_desc", "answer_1", "answer_2", "answer_3", "answer_4"}

// AssessmentKeys are the JSON keys requested for assessment rows.
var AssessmentKeys = []string{
	"question", "type", "answer_description", "levels", "total_options",
	"choice_answer_one", "choice_answer_two", "choice_answer_three", "choice_answer_four",
	"correct_answers", "tag1", "tag2",
}

// ContentMessages builds the system and user messages for a content job.
func (c *Composer) ContentMessages(req ContentRequest) []proxy.Message {
	var sb strings.Builder
	fmt.Fprintf(&sb, "You are an educational content generator. %s\n", roleHint(req.Role))
	fmt.Fprintf(&sb, "User role: %s\n", req.Role)
	for _, r := range req.Requirements {
		fmt.Fprintf(&sb, "- %s\n", r)
	}
	sb.WriteString("\n")
	sb.WriteString(formatInstructions(req))

	msgs := []proxy.Message{system(sb.String())}
	if ctx := c.ContextText(req.Context); ctx != "" {
		msgs = append(msgs, system("Base the content ONLY on the following context from the provided material. "+
			"If it does not cover the topic fully, use what is available.\n\n"+ctx))
	}
	return append(msgs, user("Create the content based on: "+req.Topic))
}

func formatInstructions(req ContentRequest) string {
	switch req.Type {
	case "flashcard":
		return "Format the output as a markdown table with two columns, KEY and Description:\n" +
			"| KEY | Description |\n|-----|-------------|\n| Term 1 | Clear explanation of term 1 |\n" +
			"Output only the table."
	case "quiz":
		keys := QuizKeys
		answers := "'correct_answer' is the number (1-4) of the correct option."
		if req.TrueFalseOnly {
			keys = QuizKeys[:6]
			answers = "'correct_answer' is 1 or 2 (1 = True, 2 = False) and every question is True/False."
		}
		return "Return ONLY a JSON array (no markdown) of objects with EXACT keys: " + strings.Join(keys, ",") + ". " +
			"'s_no' starts at 1 and increments. " + answers + " 'answer_desc' briefly explains why the answer is right."
	case "assessment":
		return "Return ONLY a JSON array (no markdown) of objects with EXACT keys: " + strings.Join(AssessmentKeys, ",") + ". " +
			"'type' is multiple_choice, true_false or short_answer. 'levels' is easy, medium or hard. " +
			"'correct_answers' lists the correct option numbers separated by commas. Unused choices are empty strings."
	case "pdf":
		return "Write a structured document in markdown with a title, headings per section and well-developed paragraphs " +
			"(about 300 words per page)."
	case "ppt":
		return "Write a slide deck in markdown. Start each slide with '## ' followed by its title, then 3-6 informative bullet points. " +
			"Add speaker notes after a line 'Notes:' where useful."
	case "video":
		return "Write a narrated video script with numbered scenes. For each scene give the visuals and the narration text."
	case "audio":
		return "Write a narration script meant to be read aloud: plain sentences, no markdown, no stage directions."
	case "code":
		lang := req.Language
		if lang == "" {
			lang = "the requested language"
		}
		return fmt.Sprintf("Write a complete, runnable %s program with explanatory comments. "+
			"Return the source code in a single fenced code block, followed by a short usage explanation.", lang)
	default:
		return "Write clear, well-structured educational content."
	}
}
