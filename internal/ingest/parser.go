package ingest

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
	"golang.org/x/net/html"
)

// ErrNoText is returned when a document yields no extractable text.
var ErrNoText = errors.New("no text extracted")

// ErrUnsupported is returned for binary formats without an extractor.
var ErrUnsupported = errors.New("unsupported document format")

// ExtractText returns the plain text of a document, dispatching on extension
// and falling back to content type.
func ExtractText(fileName, contentType string, data []byte) (string, error) {
	var (
		text string
		err  error
	)
	switch kind(fileName, contentType) {
	case "pdf":
		text, err = extractPDF(data)
	case "epub":
		text, err = extractEPUB(data)
	case "docx":
		text, err = extractDOCX(data)
	case "html":
		text, err = extractHTML(data)
	default:
		if !utf8.Valid(data) && bytes.IndexByte(data, 0) >= 0 {
			return "", fmt.Errorf("%w: %s", ErrUnsupported, fileName)
		}
		text = string(data)
	}
	if err != nil {
		return "", err
	}
	text = normalizeText(text)
	if text == "" {
		return "", ErrNoText
	}
	return text, nil
}

func kind(fileName, contentType string) string {
	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".pdf":
		return "pdf"
	case ".epub":
		return "epub"
	case ".docx":
		return "docx"
	case ".html", ".htm", ".xhtml":
		return "html"
	case ".txt", ".md", ".csv", ".json":
		return "text"
	}
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "pdf"):
		return "pdf"
	case strings.Contains(ct, "epub"):
		return "epub"
	case strings.Contains(ct, "wordprocessingml"):
		return "docx"
	case strings.Contains(ct, "html"):
		return "html"
	}
	return "text"
}

func extractPDF(data []byte) (string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}
	var sb strings.Builder
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			// Skip problematic pages instead of failing entirely
			continue
		}
		sb.WriteString(text)
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

func extractEPUB(data []byte) (string, error) {
	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open epub: %w", err)
	}
	files := make([]*zip.File, 0, len(reader.File))
	for _, f := range reader.File {
		name := strings.ToLower(f.Name)
		if strings.HasSuffix(name, ".xhtml") || strings.HasSuffix(name, ".html") || strings.HasSuffix(name, ".htm") {
			files = append(files, f)
		}
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	var sb strings.Builder
	for _, f := range files {
		raw, err := readZipFile(f)
		if err != nil {
			return "", fmt.Errorf("read epub content: %w", err)
		}
		doc, err := html.Parse(bytes.NewReader(raw))
		if err != nil {
			return "", fmt.Errorf("parse epub html: %w", err)
		}
		sb.WriteString(extractNodeText(doc))
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

// extractDOCX tokenizes word/document.xml and keeps the text runs.
func extractDOCX(data []byte) (string, error) {
	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open docx: %w", err)
	}
	for _, f := range reader.File {
		if f.Name != "word/document.xml" {
			continue
		}
		raw, err := readZipFile(f)
		if err != nil {
			return "", fmt.Errorf("read docx content: %w", err)
		}
		var sb strings.Builder
		z := html.NewTokenizer(bytes.NewReader(raw))
		for {
			switch z.Next() {
			case html.ErrorToken:
				if errors.Is(z.Err(), io.EOF) {
					return sb.String(), nil
				}
				return "", fmt.Errorf("parse docx xml: %w", z.Err())
			case html.TextToken:
				sb.Write(z.Text())
			case html.EndTagToken:
				if name, _ := z.TagName(); string(name) == "w:p" {
					sb.WriteString("\n")
				}
			}
		}
	}
	return "", fmt.Errorf("open docx: word/document.xml missing")
}

func extractHTML(data []byte) (string, error) {
	doc, err := html.Parse(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}
	return extractNodeText(doc), nil
}

func readZipFile(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

func extractNodeText(n *html.Node) string {
	var buf strings.Builder
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		switch node.Type {
		case html.TextNode:
			buf.WriteString(node.Data)
			buf.WriteString(" ")
		case html.ElementNode:
			if node.Data == "script" || node.Data == "style" || node.Data == "head" {
				return
			}
		}
		for child := node.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
		if node.Type == html.ElementNode && (node.Data == "p" || node.Data == "br" || node.Data == "div" || node.Data == "li") {
			buf.WriteString(" ")
		}
	}
	walk(n)
	return buf.String()
}
