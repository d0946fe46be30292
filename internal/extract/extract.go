// Package extract turns stored files into plain text. Dispatch is by the
// closed doc_type enumeration; each type has its own extractor.
package extract

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/docvault/docvault/internal/apperr"
	"github.com/docvault/docvault/internal/models"
)

type Result struct {
	Content string
	Pages   int
}

// Extractor is the collaborator boundary the pipeline depends on.
type Extractor interface {
	Extract(ctx context.Context, data []byte, docType string) (*Result, error)
}

type extractor struct{}

func New() Extractor {
	return extractor{}
}

func (extractor) Extract(ctx context.Context, data []byte, docType string) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	switch docType {
	case models.DocTypePDF:
		return extractPDF(data)
	case models.DocTypeDOCX:
		return extractDOCX(data)
	case models.DocTypeTXT:
		return extractTXT(data)
	default:
		return nil, apperr.Validation(fmt.Sprintf("unsupported document type: %s", docType))
	}
}

func extractPDF(data []byte) (*Result, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, apperr.Extraction(fmt.Errorf("open PDF: %w", err))
	}

	var buf strings.Builder
	numPages := reader.NumPage()

	for i := 1; i <= numPages; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		buf.WriteString(text)
		buf.WriteString("\n")
	}

	if strings.TrimSpace(buf.String()) == "" {
		return nil, apperr.Extraction(fmt.Errorf("PDF contains no extractable text"))
	}

	return &Result{Content: buf.String(), Pages: numPages}, nil
}

func extractDOCX(data []byte) (*Result, error) {
	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, apperr.Extraction(fmt.Errorf("open DOCX: %w", err))
	}

	for _, f := range reader.File {
		if filepath.Base(f.Name) != "document.xml" {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, apperr.Extraction(fmt.Errorf("open document.xml: %w", err))
		}
		content, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, apperr.Extraction(fmt.Errorf("read document.xml: %w", err))
		}
		text := stripXMLTags(string(content))
		if strings.TrimSpace(text) == "" {
			return nil, apperr.Extraction(fmt.Errorf("DOCX contains no extractable text"))
		}
		return &Result{Content: text, Pages: 1}, nil
	}

	return nil, apperr.Extraction(fmt.Errorf("DOCX has no document.xml"))
}

func extractTXT(data []byte) (*Result, error) {
	content := string(bytes.TrimSpace(data))
	if content == "" {
		return nil, apperr.Extraction(fmt.Errorf("file is empty"))
	}
	return &Result{Content: content, Pages: 1}, nil
}

func stripXMLTags(s string) string {
	var result strings.Builder
	inTag := false
	for _, r := range s {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
			result.WriteRune(' ')
		case !inTag:
			result.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(result.String()), " ")
}
