package render

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strings"
)

// Local renders flashcards, quizzes and assessments to CSV and extracts
// source code from a model answer.
type Local struct{}

func (Local) Render(_ context.Context, in Input) ([]File, error) {
	name := CanonicalName(in.ContentType, in.Language)
	var (
		data []byte
		err  error
		aux  []File
	)
	switch in.ContentType {
	case "flashcard":
		data, err = flashcardsCSV(in.Text)
	case "quiz":
		data, err = quizCSV(in.Text, in.TrueFalseOnly)
	case "assessment":
		data, err = assessmentCSV(in.Text)
	case "code":
		data = []byte(ExtractCode(in.Text))
		aux = append(aux, File{Name: "README.md", Data: []byte(in.Text)})
	default:
		err = fmt.Errorf("not a locally rendered type")
	}
	if err != nil {
		return nil, &Error{ContentType: in.ContentType, Err: err}
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, &Error{ContentType: in.ContentType, Err: fmt.Errorf("rendered file is empty")}
	}
	return append([]File{{Name: name, Data: data}}, aux...), nil
}

// ParseMarkdownTable returns the two leading cells of every data row of a
// markdown table. Separator rows and a KEY/Description header are skipped.
func ParseMarkdownTable(text string) [][2]string {
	var rows [][2]string
	for _, ln := range strings.Split(text, "\n") {
		ln = strings.TrimSpace(ln)
		if !strings.Contains(ln, "|") {
			continue
		}
		if strings.Trim(ln, "|-: ") == "" {
			continue
		}
		var parts []string
		for _, p := range strings.Split(ln, "|") {
			if p = strings.TrimSpace(p); p != "" {
				parts = append(parts, p)
			}
		}
		if len(parts) < 2 {
			continue
		}
		first := strings.ToLower(parts[0])
		if (first == "key" || first == "term") && strings.HasPrefix(strings.ToLower(parts[1]), "description") {
			continue
		}
		rows = append(rows, [2]string{parts[0], parts[1]})
	}
	return rows
}

// flashcardsCSV writes KEY,Description rows without a header.
func flashcardsCSV(text string) ([]byte, error) {
	rows := ParseMarkdownTable(text)
	if len(rows) == 0 {
		return nil, fmt.Errorf("no flashcards found in model output")
	}
	records := make([][]string, len(rows))
	for i, r := range rows {
		records[i] = []string{r[0], r[1]}
	}
	return writeCSV(records)
}

var quizHeaders = []string{"S.No.", "QUESTION", "CORRECT ANSWER", "ANSWER DESC", "ANSWER 1", "ANSWER 2", "ANSWER 3", "ANSWER 4"}
var quizKeys = []string{"s_no", "question", "correct_answer", "answer_desc", "answer_1", "answer_2", "answer_3", "answer_4"}

func quizCSV(text string, trueFalseOnly bool) ([]byte, error) {
	headers, keys := quizHeaders, quizKeys
	if trueFalseOnly {
		headers, keys = quizHeaders[:6], quizKeys[:6]
	}
	return jsonRowsCSV(text, headers, keys)
}

var assessmentKeys = []string{
	"question", "type", "answer_description", "levels", "total_options",
	"choice_answer_one", "choice_answer_two", "choice_answer_three", "choice_answer_four",
	"correct_answers", "tag1", "tag2",
}

func assessmentCSV(text string) ([]byte, error) {
	return jsonRowsCSV(text, assessmentKeys, assessmentKeys)
}

func jsonRowsCSV(text string, headers, keys []string) ([]byte, error) {
	rows, err := ParseJSONRows(text)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("no rows found in model output")
	}
	records := [][]string{headers}
	for _, r := range rows {
		rec := make([]string, len(keys))
		for i, k := range keys {
			rec[i] = r[k]
		}
		records = append(records, rec)
	}
	return writeCSV(records)
}

// ParseJSONRows decodes a JSON array of flat objects, tolerating a markdown
// code fence or prose around the array. Values are converted to strings.
func ParseJSONRows(text string) ([]map[string]string, error) {
	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON array in model output")
	}
	dec := json.NewDecoder(strings.NewReader(text[start : end+1]))
	dec.UseNumber()
	var raw []map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decoding rows: %w", err)
	}
	out := make([]map[string]string, 0, len(raw))
	for _, obj := range raw {
		row := make(map[string]string, len(obj))
		for k, v := range obj {
			row[k] = stringify(v)
		}
		out = append(out, row)
	}
	return out, nil
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case []any:
		parts := make([]string, len(t))
		for i, e := range t {
			parts[i] = stringify(e)
		}
		return strings.Join(parts, ",")
	default:
		return fmt.Sprint(t)
	}
}

// ExtractCode returns the body of the first fenced code block in text, or
// the whole text when there is none.
func ExtractCode(text string) string {
	start := strings.Index(text, "```")
	if start < 0 {
		return strings.TrimSpace(text) + "\n"
	}
	rest := text[start+3:]
	if nl := strings.Index(rest, "\n"); nl >= 0 {
		rest = rest[nl+1:]
	}
	if end := strings.Index(rest, "```"); end >= 0 {
		rest = rest[:end]
	}
	return strings.TrimRight(rest, " \n") + "\n"
}

func writeCSV(records [][]string) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.WriteAll(records); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
