// Package pdfutil projects PDF documents to plain text for the extracted-text
// hash.
package pdfutil

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode"

	pdf "github.com/ledongthuc/pdf"
)

// ExtractText reads PDF bytes and returns plain text using ledongthuc/pdf.
// The library panics on some malformed streams; those surface as errors.
func ExtractText(data []byte) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("decode pdf: %v", r)
		}
	}()
	reader := bytes.NewReader(data)
	doc, err := pdf.NewReader(reader, int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("new pdf reader: %w", err)
	}
	var builder strings.Builder
	total := doc.NumPage()
	for page := 1; page <= total; page++ {
		p := doc.Page(page)
		if p.V.IsNull() {
			continue
		}
		content, err := p.GetPlainText(nil)
		if err != nil {
			return "", fmt.Errorf("page %d: %w", page, err)
		}
		builder.WriteString(content)
		builder.WriteString("\f")
	}
	return builder.String(), nil
}

// ExtractFromReader drains the reader before passing along to ExtractText.
func ExtractFromReader(r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read pdf: %w", err)
	}
	return ExtractText(data)
}

// ExtractFile extracts the text of the PDF at path.
func ExtractFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}
	defer f.Close()
	return ExtractFromReader(f)
}

// Normalize collapses whitespace runs, page breaks included, into single
// spaces and trims the ends. A document with no visible text normalizes to "".
func Normalize(text string) string {
	return strings.Join(strings.FieldsFunc(text, unicode.IsSpace), " ")
}
