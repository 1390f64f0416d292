// Package render turns generated text into the files stored for a content
// job. Tabular and code content is rendered locally; documents, slide decks,
// audio and video are produced by an external renderer service.
package render

import (
	"context"
	"fmt"
	"strings"
)

// File is one rendered output file.
type File struct {
	Name string
	Data []byte
}

// Input is the generated material for one job.
type Input struct {
	ContentType string
	Title       string
	Text        string
	// Options are the job's type-specific settings, passed to the renderer
	// service untouched.
	Options map[string]any
	// TrueFalseOnly drops the third and fourth answer columns of a quiz.
	TrueFalseOnly bool
	Language      string
}

// Renderer produces the files for a job. The canonical file comes first,
// followed by any auxiliary files.
type Renderer interface {
	Render(ctx context.Context, in Input) ([]File, error)
}

// Error reports a rendering failure.
type Error struct {
	ContentType string
	Err         error
}

func (e *Error) Error() string {
	return fmt.Sprintf("rendering %s: %v", e.ContentType, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

var codeExtensions = map[string]string{
	"python":     "py",
	"py":         "py",
	"go":         "go",
	"golang":     "go",
	"javascript": "js",
	"js":         "js",
	"typescript": "ts",
	"ts":         "ts",
	"java":       "java",
	"c":          "c",
	"c++":        "cpp",
	"cpp":        "cpp",
	"rust":       "rs",
	"rs":         "rs",
}

// CodeExtension maps a language name to a file extension, "txt" if unknown.
func CodeExtension(language string) string {
	if ext, ok := codeExtensions[strings.ToLower(strings.TrimSpace(language))]; ok {
		return ext
	}
	return "txt"
}

// CanonicalName is the name of the primary file for a content type.
func CanonicalName(contentType, language string) string {
	switch contentType {
	case "pdf":
		return "document.pdf"
	case "ppt":
		return "presentation.pptx"
	case "flashcard":
		return "flashcards.csv"
	case "quiz":
		return "quiz.csv"
	case "assessment":
		return "assessment.csv"
	case "video":
		return "video.mp4"
	case "audio":
		return "audio.mp3"
	case "code":
		return "main." + CodeExtension(language)
	default:
		return "content.txt"
	}
}

// Composite renders text formats locally and delegates binary formats to
// the remote renderer.
type Composite struct {
	local  *Local
	remote *Remote
}

func NewComposite(local *Local, remote *Remote) *Composite {
	return &Composite{local: local, remote: remote}
}

func (c *Composite) Render(ctx context.Context, in Input) ([]File, error) {
	switch in.ContentType {
	case "flashcard", "quiz", "assessment", "code":
		return c.local.Render(ctx, in)
	case "pdf", "ppt", "video", "audio":
		if c.remote == nil {
			return nil, &Error{ContentType: in.ContentType, Err: fmt.Errorf("no renderer service configured")}
		}
		files, err := c.remote.Render(ctx, in)
		if err != nil {
			return nil, err
		}
		if in.ContentType == "video" || in.ContentType == "audio" {
			files = append(files, File{Name: "script.txt", Data: []byte(in.Text)})
		}
		return files, nil
	default:
		return nil, &Error{ContentType: in.ContentType, Err: fmt.Errorf("unsupported content type")}
	}
}
