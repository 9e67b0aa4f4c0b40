package app

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"unicode"

	"github.com/ledongthuc/pdf"
)

// TextExtractor turns a PDF on disk into plain text.
type TextExtractor interface {
	ExtractText(ctx context.Context, path string) (string, error)
}

var errNoText = errors.New("no text extracted from PDF")

// PDFExtractor runs pdftotext and falls back to the pure Go reader when the
// tool is missing or returns nothing.
type PDFExtractor struct {
	PDFToText string
}

func (p PDFExtractor) ExtractText(ctx context.Context, path string) (string, error) {
	text, err := p.pdftotext(ctx, path)
	if err == nil && text != "" {
		return text, nil
	}
	return extractWithGoLib(path)
}

// pdftotext keeps the table layout, which the biomarker parser relies on.
func (p PDFExtractor) pdftotext(ctx context.Context, path string) (string, error) {
	bin := strings.TrimSpace(p.PDFToText)
	if bin == "" {
		bin = "pdftotext"
	}
	if _, err := exec.LookPath(bin); err != nil {
		return "", fmt.Errorf("pdftotext not found: %w", err)
	}
	output, err := exec.CommandContext(ctx, bin, "-layout", "-enc", "UTF-8", path, "-").Output()
	if err != nil {
		return "", fmt.Errorf("pdftotext failed: %w", err)
	}
	text := normalizeTextPreserveNewlines(string(output))
	if text == "" {
		return "", errNoText
	}
	return text, nil
}

func extractWithGoLib(path string) (string, error) {
	file, reader, err := pdf.Open(path)
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}
	defer file.Close()
	var pages []string
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		rows, err := page.GetTextByRow()
		if err != nil {
			continue
		}
		var b strings.Builder
		for _, row := range rows {
			for j, word := range row.Content {
				if j > 0 {
					b.WriteByte(' ')
				}
				b.WriteString(word.S)
			}
			b.WriteByte('\n')
		}
		if text := normalizeTextPreserveNewlines(b.String()); text != "" {
			pages = append(pages, text)
		}
	}
	if len(pages) == 0 {
		return "", errNoText
	}
	return strings.Join(pages, "\n\n"), nil
}

// normalizeTextPreserveNewlines collapses horizontal whitespace, drops
// invisible and control characters and keeps at most one blank line.
func normalizeTextPreserveNewlines(text string) string {
	text = strings.ToValidUTF8(text, "")
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	blank := false
	for _, line := range lines {
		cleaned := strings.Join(strings.Fields(strings.Map(cleanRune, line)), " ")
		if cleaned == "" {
			if len(out) > 0 && !blank {
				out = append(out, "")
			}
			blank = true
			continue
		}
		out = append(out, cleaned)
		blank = false
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

func cleanRune(r rune) rune {
	switch r {
	case '\uFEFF', '\u200B', '\u200C', '\u200D', '\u2060', '\u00AD':
		return -1
	case '\u00A0', '\t', '\x00':
		return ' '
	}
	if unicode.IsControl(r) {
		return -1
	}
	return r
}
