// Package scan extracts plain text from message attachments so the
// extraction prompt can see flyer and permission-slip content.
package scan

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/rotisserie/eris"
)

var (
	htmlTags       = regexp.MustCompile(`<[^>]*>`)
	collapseBlanks = regexp.MustCompile(`\n{3,}`)
)

// Extractor converts attachment bytes into plain text. Unsupported types
// yield an empty string, not an error.
type Extractor struct {
	pdfToTextPath string
}

// Option configures the Extractor.
type Option func(*Extractor)

// WithPdfToTextPath overrides the pdftotext binary location.
func WithPdfToTextPath(path string) Option {
	return func(e *Extractor) {
		e.pdfToTextPath = path
	}
}

// NewExtractor creates an attachment text extractor.
func NewExtractor(opts ...Option) *Extractor {
	e := &Extractor{pdfToTextPath: "pdftotext"}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Extract returns the text content of one attachment.
func (e *Extractor) Extract(ctx context.Context, filename, mimeType string, data []byte) (string, error) {
	switch normalizeMime(mimeType, filename) {
	case "text/plain":
		return strings.TrimSpace(string(data)), nil
	case "text/html":
		return stripHTML(data), nil
	case "application/pdf":
		return e.extractPDF(ctx, data)
	}
	return "", nil
}

// normalizeMime falls back to the file extension when the declared type is
// missing or generic.
func normalizeMime(mimeType, filename string) string {
	mt := strings.ToLower(strings.TrimSpace(mimeType))
	if i := strings.Index(mt, ";"); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	if mt != "" && mt != "application/octet-stream" {
		return mt
	}
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".txt":
		return "text/plain"
	case ".html", ".htm":
		return "text/html"
	case ".pdf":
		return "application/pdf"
	}
	return mt
}

func stripHTML(data []byte) string {
	text := htmlTags.ReplaceAllString(string(data), " ")
	text = strings.ReplaceAll(text, "&nbsp;", " ")
	text = strings.ReplaceAll(text, "&amp;", "&")
	text = strings.ReplaceAll(text, "&lt;", "<")
	text = strings.ReplaceAll(text, "&gt;", ">")

	var b strings.Builder
	for _, line := range strings.Split(text, "\n") {
		line = strings.Join(strings.Fields(line), " ")
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return strings.TrimSpace(collapseBlanks.ReplaceAllString(b.String(), "\n\n"))
}

// extractPDF runs pdftotext -layout over the attachment bytes.
func (e *Extractor) extractPDF(ctx context.Context, data []byte) (string, error) {
	tmp, err := os.CreateTemp("", "homebase-*.pdf")
	if err != nil {
		return "", eris.Wrap(err, "scan: create temp pdf")
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", eris.Wrap(err, "scan: write temp pdf")
	}
	if err := tmp.Close(); err != nil {
		return "", eris.Wrap(err, "scan: close temp pdf")
	}

	cmd := exec.CommandContext(ctx, e.pdfToTextPath, "-layout", tmp.Name(), "-")

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", eris.Wrapf(err, "scan: pdftotext failed: %s", stderr.String())
	}
	return strings.TrimSpace(stdout.String()), nil
}
