package content

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/kalambet/learnd/internal/apperr"
)

// Content types.
const (
	TypePDF        = "pdf"
	TypePPT        = "ppt"
	TypeFlashcard  = "flashcard"
	TypeQuiz       = "quiz"
	TypeAssessment = "assessment"
	TypeVideo      = "video"
	TypeAudio      = "audio"
	TypeCode       = "code"
)

// Types lists every supported content type.
var Types = []string{TypePDF, TypePPT, TypeFlashcard, TypeQuiz, TypeAssessment, TypeVideo, TypeAudio, TypeCode}

// etaSeconds is the expected generation time per type.
var etaSeconds = map[string]int{
	TypeFlashcard:  30,
	TypeQuiz:       60,
	TypeAssessment: 120,
	TypeVideo:      300,
	TypeAudio:      180,
	TypeCode:       90,
	TypePDF:        120,
	TypePPT:        150,
}

// ETA returns the expected generation time for contentType in seconds.
func ETA(contentType string) int {
	if s, ok := etaSeconds[contentType]; ok {
		return s
	}
	return 60
}

var difficulties = []string{"easy", "medium", "hard"}

type FlashcardConfig struct {
	NumCards   int    `json:"numCards,omitempty"`
	Difficulty string `json:"difficulty,omitempty"`
	Front      string `json:"front,omitempty"`
	Back       string `json:"back,omitempty"`
}

type QuizConfig struct {
	NumQuestions  int      `json:"numQuestions,omitempty"`
	Difficulty    string   `json:"difficulty,omitempty"`
	QuestionTypes []string `json:"questionTypes,omitempty"`
}

type AssessmentConfig struct {
	NumQuestions    int      `json:"numQuestions,omitempty"`
	DurationMinutes int      `json:"durationMinutes,omitempty"`
	Difficulty      string   `json:"difficulty,omitempty"`
	QuestionTypes   []string `json:"questionTypes,omitempty"`
	PassingScore    int      `json:"passingScore,omitempty"`
}

type PDFConfig struct {
	NumPages       int    `json:"numPages,omitempty"`
	TargetAudience string `json:"targetAudience,omitempty"`
	IncludeImages  bool   `json:"includeImages,omitempty"`
	Difficulty     string `json:"difficulty,omitempty"`
}

type PPTConfig struct {
	NumSlides      int    `json:"numSlides,omitempty"`
	TargetAudience string `json:"targetAudience,omitempty"`
	Difficulty     string `json:"difficulty,omitempty"`
}

type VideoConfig struct {
	DurationSeconds  int    `json:"durationSeconds,omitempty"`
	Quality          string `json:"quality,omitempty"`
	IncludeSubtitles bool   `json:"includeSubtitles,omitempty"`
}

type AudioConfig struct {
	DurationSeconds int    `json:"durationSeconds,omitempty"`
	VoiceType       string `json:"voiceType,omitempty"`
	Quality         string `json:"quality,omitempty"`
}

type CodeConfig struct {
	Language     string `json:"language"`
	Difficulty   string `json:"difficulty,omitempty"`
	IncludeTests bool   `json:"includeTests,omitempty"`
}

// Config is the per-type options of a job. Exactly one variant is set and
// it must be the one named by the job's content type.
type Config struct {
	Flashcard  *FlashcardConfig  `json:"flashcard,omitempty"`
	Quiz       *QuizConfig       `json:"quiz,omitempty"`
	Assessment *AssessmentConfig `json:"assessment,omitempty"`
	PDF        *PDFConfig        `json:"pdf,omitempty"`
	PPT        *PPTConfig        `json:"ppt,omitempty"`
	Video      *VideoConfig      `json:"video,omitempty"`
	Audio      *AudioConfig      `json:"audio,omitempty"`
	Code       *CodeConfig       `json:"code,omitempty"`
}

// variants returns the set variants keyed by content type.
func (c Config) variants() map[string]any {
	out := map[string]any{}
	if c.Flashcard != nil {
		out[TypeFlashcard] = c.Flashcard
	}
	if c.Quiz != nil {
		out[TypeQuiz] = c.Quiz
	}
	if c.Assessment != nil {
		out[TypeAssessment] = c.Assessment
	}
	if c.PDF != nil {
		out[TypePDF] = c.PDF
	}
	if c.PPT != nil {
		out[TypePPT] = c.PPT
	}
	if c.Video != nil {
		out[TypeVideo] = c.Video
	}
	if c.Audio != nil {
		out[TypeAudio] = c.Audio
	}
	if c.Code != nil {
		out[TypeCode] = c.Code
	}
	return out
}

// Normalize checks that c carries exactly the variant for contentType and
// that its values are in range, filling defaults for omitted fields.
func (c *Config) Normalize(contentType string) error {
	if !slices.Contains(Types, contentType) {
		return apperr.E(apperr.Validation, "unsupported contentType %q", contentType)
	}
	v := c.variants()
	if _, ok := v[contentType]; !ok {
		// pdf and ppt carry only optional settings.
		switch contentType {
		case TypePDF:
			c.PDF = &PDFConfig{}
		case TypePPT:
			c.PPT = &PPTConfig{}
		default:
			return apperr.E(apperr.Validation, "contentConfig.%s is required for contentType %s", contentType, contentType)
		}
		v = c.variants()
	}
	if len(v) != 1 {
		return apperr.E(apperr.Validation, "contentConfig must only contain the %s settings", contentType)
	}

	switch contentType {
	case TypeFlashcard:
		f := c.Flashcard
		f.NumCards = orDefault(f.NumCards, 5)
		if err := inRange("numCards", f.NumCards, 1, 50); err != nil {
			return err
		}
		return difficulty(&f.Difficulty)
	case TypeQuiz:
		q := c.Quiz
		q.NumQuestions = orDefault(q.NumQuestions, 5)
		if err := inRange("numQuestions", q.NumQuestions, 1, 50); err != nil {
			return err
		}
		if len(q.QuestionTypes) == 0 {
			q.QuestionTypes = []string{"multiple_choice"}
		}
		if err := oneOf("questionTypes", q.QuestionTypes, "multiple_choice", "true_false"); err != nil {
			return err
		}
		return difficulty(&q.Difficulty)
	case TypeAssessment:
		a := c.Assessment
		a.NumQuestions = orDefault(a.NumQuestions, 10)
		a.DurationMinutes = orDefault(a.DurationMinutes, 30)
		a.PassingScore = orDefault(a.PassingScore, 60)
		if err := inRange("numQuestions", a.NumQuestions, 1, 100); err != nil {
			return err
		}
		if err := inRange("durationMinutes", a.DurationMinutes, 1, 600); err != nil {
			return err
		}
		if err := inRange("passingScore", a.PassingScore, 1, 100); err != nil {
			return err
		}
		if len(a.QuestionTypes) == 0 {
			a.QuestionTypes = []string{"multiple_choice"}
		}
		if err := oneOf("questionTypes", a.QuestionTypes, "multiple_choice", "true_false", "short_answer"); err != nil {
			return err
		}
		return difficulty(&a.Difficulty)
	case TypePDF:
		p := c.PDF
		p.NumPages = orDefault(p.NumPages, 5)
		if err := inRange("numPages", p.NumPages, 1, 50); err != nil {
			return err
		}
		return difficulty(&p.Difficulty)
	case TypePPT:
		p := c.PPT
		p.NumSlides = orDefault(p.NumSlides, 10)
		if err := inRange("numSlides", p.NumSlides, 1, 50); err != nil {
			return err
		}
		return difficulty(&p.Difficulty)
	case TypeVideo:
		v := c.Video
		v.DurationSeconds = orDefault(v.DurationSeconds, 60)
		if err := inRange("durationSeconds", v.DurationSeconds, 10, 600); err != nil {
			return err
		}
		if v.Quality == "" {
			v.Quality = "720p"
		}
		return oneOf("quality", []string{v.Quality}, "480p", "720p", "1080p")
	case TypeAudio:
		a := c.Audio
		a.DurationSeconds = orDefault(a.DurationSeconds, 60)
		if err := inRange("durationSeconds", a.DurationSeconds, 10, 1800); err != nil {
			return err
		}
		if a.VoiceType == "" {
			a.VoiceType = "neutral"
		}
		if a.Quality == "" {
			a.Quality = "standard"
		}
		return oneOf("quality", []string{a.Quality}, "standard", "high")
	case TypeCode:
		cc := c.Code
		cc.Language = strings.TrimSpace(cc.Language)
		if cc.Language == "" {
			return apperr.E(apperr.Validation, "contentConfig.code.language is required")
		}
		return difficulty(&cc.Difficulty)
	}
	return nil
}

func orDefault(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

func inRange(field string, v, lo, hi int) error {
	if v < lo || v > hi {
		return apperr.E(apperr.Validation, "%s must be between %d and %d", field, lo, hi)
	}
	return nil
}

func oneOf(field string, vals []string, allowed ...string) error {
	for _, v := range vals {
		if !slices.Contains(allowed, v) {
			return apperr.E(apperr.Validation, "%s: %q is not one of %s", field, v, strings.Join(allowed, ", "))
		}
	}
	return nil
}

func difficulty(d *string) error {
	if *d == "" {
		*d = "medium"
	}
	return oneOf("difficulty", []string{*d}, difficulties...)
}

// TrueFalseOnly reports whether a quiz asks only true/false questions.
func (c Config) TrueFalseOnly() bool {
	if c.Quiz == nil || len(c.Quiz.QuestionTypes) == 0 {
		return false
	}
	for _, t := range c.Quiz.QuestionTypes {
		if t != "true_false" {
			return false
		}
	}
	return true
}

// Language is the programming language of a code job.
func (c Config) Language() string {
	if c.Code == nil {
		return ""
	}
	return c.Code.Language
}

// Requirements renders the settings as prompt lines.
func (c Config) Requirements() []string {
	var r []string
	add := func(format string, args ...any) { r = append(r, fmt.Sprintf(format, args...)) }
	switch {
	case c.Flashcard != nil:
		f := c.Flashcard
		add("Number of cards: %d", f.NumCards)
		add("Difficulty: %s", f.Difficulty)
		if f.Front != "" {
			add("Card front shows: %s", f.Front)
		}
		if f.Back != "" {
			add("Card back shows: %s", f.Back)
		}
	case c.Quiz != nil:
		q := c.Quiz
		add("Number of questions: %d", q.NumQuestions)
		add("Difficulty: %s", q.Difficulty)
		add("Question types: %s", strings.Join(q.QuestionTypes, ", "))
	case c.Assessment != nil:
		a := c.Assessment
		add("Number of questions: %d", a.NumQuestions)
		add("Duration: %d minutes", a.DurationMinutes)
		add("Difficulty: %s", a.Difficulty)
		add("Question types: %s", strings.Join(a.QuestionTypes, ", "))
		add("Passing score: %d%%", a.PassingScore)
	case c.PDF != nil:
		p := c.PDF
		add("Pages: %d", p.NumPages)
		add("Difficulty: %s", p.Difficulty)
		if p.TargetAudience != "" {
			add("Target audience: %s", p.TargetAudience)
		}
		if p.IncludeImages {
			add("Mark places where an illustration helps with [Image: description]")
		}
	case c.PPT != nil:
		p := c.PPT
		add("Slides: %d", p.NumSlides)
		add("Difficulty: %s", p.Difficulty)
		if p.TargetAudience != "" {
			add("Target audience: %s", p.TargetAudience)
		}
	case c.Video != nil:
		add("Duration: %d seconds", c.Video.DurationSeconds)
		if c.Video.IncludeSubtitles {
			add("Narration will also be shown as subtitles")
		}
	case c.Audio != nil:
		add("Duration: %d seconds (about %d words)", c.Audio.DurationSeconds, c.Audio.DurationSeconds*150/60)
		add("Voice: %s", c.Audio.VoiceType)
	case c.Code != nil:
		add("Language: %s", c.Code.Language)
		add("Difficulty: %s", c.Code.Difficulty)
		if c.Code.IncludeTests {
			add("Include unit tests")
		}
	}
	return r
}

// Options returns the settings of the set variant as a generic map for the
// renderer service.
func (c Config) Options() map[string]any {
	for _, v := range c.variants() {
		b, err := json.Marshal(v)
		if err != nil {
			return nil
		}
		var out map[string]any
		if err := json.Unmarshal(b, &out); err != nil {
			return nil
		}
		return out
	}
	return nil
}
