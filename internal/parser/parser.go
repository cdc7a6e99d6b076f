// Package parser turns uploaded document bytes into plain text pages plus
// any heading structure the format carries.
package parser

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/nguyenthenguyen/docx"
	"github.com/tealeg/xlsx"
	"github.com/xuri/excelize/v2"
	"github.com/yuin/goldmark"
	gmast "github.com/yuin/goldmark/ast"
	gmtext "github.com/yuin/goldmark/text"
)

// Document is the parsed form of one source file. Pages hold extracted text
// in order; Headings are section titles for formats that declare them.
type Document struct {
	Pages    []string
	Headings []string
}

// Text joins all pages into one string.
func (d *Document) Text() string {
	return strings.Join(d.Pages, "\n")
}

// Parser extracts text from a named file's raw bytes.
type Parser interface {
	Parse(name string, data []byte) (*Document, error)
}

// DefaultParser dispatches on file extension. Supported: pdf, docx, pptx,
// xlsx, ods, md, txt.
type DefaultParser struct{}

func New() *DefaultParser { return &DefaultParser{} }

func (p *DefaultParser) Parse(name string, data []byte) (*Document, error) {
	ext := strings.ToLower(filepath.Ext(name))
	switch ext {
	case ".pdf":
		return parsePDF(data)
	case ".docx":
		return parseDOCX(data)
	case ".pptx":
		return parsePPTX(data)
	case ".xlsx":
		return parseXLSX(data)
	case ".ods":
		return parseODS(data)
	case ".md", ".markdown":
		return parseMarkdown(data)
	case ".txt", "":
		return parseText(data)
	default:
		return nil, fmt.Errorf("unsupported file format: %s", ext)
	}
}

func parsePDF(data []byte) (*Document, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("opening pdf: %w", err)
	}

	doc := &Document{}
	numPages := reader.NumPage()
	for i := 1; i <= numPages; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			doc.Pages = append(doc.Pages, "")
			continue
		}
		pageText, err := page.GetPlainText(nil)
		if err != nil {
			return nil, fmt.Errorf("extracting pdf page %d: %w", i, err)
		}
		doc.Pages = append(doc.Pages, pageText)
	}
	return doc, nil
}

func parseDOCX(data []byte) (*Document, error) {
	r, err := docx.ReadDocxFromMemory(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("opening docx: %w", err)
	}
	defer r.Close()

	content := r.Editable().GetContent()
	text := stripXMLTags(content)
	return &Document{Pages: []string{text}}, nil
}

func parsePPTX(data []byte) (*Document, error) {
	r, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("opening pptx: %w", err)
	}

	doc := &Document{}
	for _, file := range r.File {
		if !strings.HasPrefix(file.Name, "ppt/slides/slide") {
			continue
		}
		rc, err := file.Open()
		if err != nil {
			continue
		}
		slideData, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			continue
		}
		slideText := extractDrawingText(string(slideData))
		if strings.TrimSpace(slideText) != "" {
			doc.Pages = append(doc.Pages, slideText)
		}
	}
	return doc, nil
}

// parseXLSX flattens each sheet into one tab-separated page.
func parseXLSX(data []byte) (*Document, error) {
	f, err := xlsx.OpenBinary(data)
	if err != nil {
		return nil, fmt.Errorf("opening xlsx: %w", err)
	}

	doc := &Document{}
	for _, sheet := range f.Sheets {
		var text strings.Builder
		fmt.Fprintf(&text, "Sheet: %s\n", sheet.Name)
		for _, row := range sheet.Rows {
			for _, cell := range row.Cells {
				text.WriteString(cell.String() + "\t")
			}
			text.WriteString("\n")
		}
		doc.Pages = append(doc.Pages, text.String())
	}
	return doc, nil
}

// parseODS flattens each sheet into one tab-separated page.
func parseODS(data []byte) (*Document, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("opening ods: %w", err)
	}
	defer f.Close()

	doc := &Document{}
	for _, sheetName := range f.GetSheetList() {
		rows, err := f.GetRows(sheetName)
		if err != nil {
			continue
		}
		var text strings.Builder
		fmt.Fprintf(&text, "Sheet: %s\n", sheetName)
		for _, row := range rows {
			for _, cell := range row {
				text.WriteString(cell + "\t")
			}
			text.WriteString("\n")
		}
		doc.Pages = append(doc.Pages, text.String())
	}
	return doc, nil
}

// parseMarkdown keeps the raw text as a single page and walks the AST to
// collect heading lines, which drive section-aware chunking downstream.
func parseMarkdown(data []byte) (*Document, error) {
	md := goldmark.New()
	root := md.Parser().Parse(gmtext.NewReader(data))

	doc := &Document{Pages: []string{string(data)}}
	err := gmast.Walk(root, func(n gmast.Node, entering bool) (gmast.WalkStatus, error) {
		if !entering {
			return gmast.WalkContinue, nil
		}
		if heading, ok := n.(*gmast.Heading); ok {
			title := string(heading.Text(data))
			if strings.TrimSpace(title) != "" {
				doc.Headings = append(doc.Headings, title)
			}
		}
		return gmast.WalkContinue, nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking markdown: %w", err)
	}
	return doc, nil
}

func parseText(data []byte) (*Document, error) {
	return &Document{Pages: []string{string(data)}}, nil
}

// extractDrawingText pulls the text runs out of a slide's DrawingML.
func extractDrawingText(xmlContent string) string {
	var text strings.Builder
	parts := strings.Split(xmlContent, "<a:t>")
	for i, part := range parts {
		if i == 0 {
			continue
		}
		endIdx := strings.Index(part, "</a:t>")
		if endIdx >= 0 {
			text.WriteString(part[:endIdx] + " ")
		}
	}
	return text.String()
}

// stripXMLTags removes any residual tags from docx content extraction.
func stripXMLTags(s string) string {
	var out strings.Builder
	inTag := false
	for _, r := range s {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
		case !inTag:
			out.WriteRune(r)
		}
	}
	return out.String()
}
