package ingest

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"

	"github.com/kalambet/learnd/internal/websearch"
)

// chunkSize is the target length of one indexed chunk in characters.
const chunkSize = 1000

// extractText returns the text of an uploaded file. The format is taken from
// the leading bytes first and the file extension second.
func extractText(name string, data []byte) (string, error) {
	ext := strings.ToLower(filepath.Ext(name))
	switch {
	case bytes.HasPrefix(data, []byte("%PDF-")):
		return extractPDF(data)
	case ext == ".pdf":
		return "", fmt.Errorf("file has a .pdf extension but is not a PDF")
	case ext == ".html" || ext == ".htm" || strings.HasPrefix(http.DetectContentType(data), "text/html"):
		return websearch.ExtractText(bytes.NewReader(data))
	case utf8.Valid(data):
		return string(data), nil
	default:
		return "", fmt.Errorf("unsupported file type %q", ext)
	}
}

// extractPDF reads the plain text of a PDF. The reader panics on some
// malformed files, which is reported as an error.
func extractPDF(data []byte) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("malformed pdf: %v", r)
		}
	}()
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("pdf reader: %w", err)
	}
	plain, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("pdf plaintext: %w", err)
	}
	b, err := io.ReadAll(plain)
	if err != nil {
		return "", fmt.Errorf("pdf read: %w", err)
	}
	return string(b), nil
}

// chunkText splits text into pieces of at most size characters. Paragraphs
// are packed together while they fit; a paragraph longer than size is cut on
// word boundaries.
func chunkText(text string, size int) []string {
	var chunks []string
	var cur strings.Builder
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			chunks = append(chunks, s)
		}
		cur.Reset()
	}

	for _, para := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n\n") {
		para = strings.Join(strings.Fields(para), " ")
		if para == "" {
			continue
		}
		if cur.Len() > 0 && cur.Len()+2+len(para) > size {
			flush()
		}
		if len(para) <= size {
			if cur.Len() > 0 {
				cur.WriteString("\n\n")
			}
			cur.WriteString(para)
			continue
		}
		for _, w := range strings.Fields(para) {
			if cur.Len() > 0 && cur.Len()+1+len(w) > size {
				flush()
			}
			if cur.Len() > 0 {
				cur.WriteByte(' ')
			}
			cur.WriteString(w)
		}
		flush()
	}
	flush()
	return chunks
}
