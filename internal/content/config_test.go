package content

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/learnd/internal/apperr"
)

func TestNormalize_FillsDefaults(t *testing.T) {
	c := Config{Quiz: &QuizConfig{}}
	require.NoError(t, c.Normalize(TypeQuiz))
	assert.Equal(t, 5, c.Quiz.NumQuestions)
	assert.Equal(t, "medium", c.Quiz.Difficulty)
	assert.Equal(t, []string{"multiple_choice"}, c.Quiz.QuestionTypes)
	assert.False(t, c.TrueFalseOnly())

	a := Config{Assessment: &AssessmentConfig{}}
	require.NoError(t, a.Normalize(TypeAssessment))
	assert.Equal(t, 10, a.Assessment.NumQuestions)
	assert.Equal(t, 30, a.Assessment.DurationMinutes)
	assert.Equal(t, 60, a.Assessment.PassingScore)
}

func TestNormalize_PDFAndPPTConfigOptional(t *testing.T) {
	var c Config
	require.NoError(t, c.Normalize(TypePDF))
	require.NotNil(t, c.PDF)
	assert.Equal(t, 5, c.PDF.NumPages)

	var p Config
	require.NoError(t, p.Normalize(TypePPT))
	assert.Equal(t, 10, p.PPT.NumSlides)
}

func TestNormalize_Rejects(t *testing.T) {
	cases := []struct {
		typ string
		cfg Config
	}{
		{"podcast", Config{}},
		{TypeFlashcard, Config{}},
		{TypeQuiz, Config{Quiz: &QuizConfig{QuestionTypes: []string{"essay"}}}},
		{TypeVideo, Config{Video: &VideoConfig{Quality: "8k"}}},
		{TypeVideo, Config{Video: &VideoConfig{DurationSeconds: 5}}},
		{TypeAudio, Config{Audio: &AudioConfig{Quality: "lossless"}}},
		{TypeAssessment, Config{Assessment: &AssessmentConfig{PassingScore: 120}}},
		{TypePDF, Config{Flashcard: &FlashcardConfig{}}},
		{TypeCode, Config{Code: &CodeConfig{Language: "  "}}},
	}
	for _, c := range cases {
		err := c.cfg.Normalize(c.typ)
		assert.Equal(t, apperr.Validation, apperr.KindOf(err), "%s %+v", c.typ, c.cfg)
	}
}

func TestTrueFalseOnlyAndLanguage(t *testing.T) {
	c := Config{Quiz: &QuizConfig{QuestionTypes: []string{"true_false"}}}
	require.NoError(t, c.Normalize(TypeQuiz))
	assert.True(t, c.TrueFalseOnly())

	code := Config{Code: &CodeConfig{Language: " Go "}}
	require.NoError(t, code.Normalize(TypeCode))
	assert.Equal(t, "Go", code.Language())
	assert.Contains(t, code.Requirements(), "Language: Go")
}

func TestOptions(t *testing.T) {
	c := Config{PPT: &PPTConfig{NumSlides: 12, TargetAudience: "beginners"}}
	require.NoError(t, c.Normalize(TypePPT))
	opts := c.Options()
	assert.EqualValues(t, 12, opts["numSlides"])
	assert.Equal(t, "beginners", opts["targetAudience"])
}

func TestETA(t *testing.T) {
	assert.Equal(t, 30, ETA(TypeFlashcard))
	assert.Equal(t, 150, ETA(TypePPT))
	assert.Equal(t, 60, ETA("unknown"))
}
