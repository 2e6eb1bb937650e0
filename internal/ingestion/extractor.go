package ingestion

import (
	"bytes"
	"io"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/ledongthuc/pdf"

	"github.com/raghub/backend/pkg/apperr"
)

// ExtractedPage is one unit of extracted text. Plain formats produce a
// single page; PDFs produce one per physical page so chunk metadata can
// point back at it.
type ExtractedPage struct {
	Page int
	Text string
}

type extractorFunc func(data []byte) ([]ExtractedPage, error)

var extractors = map[string]extractorFunc{
	"text/plain":      extractPlainText,
	"text/markdown":   extractPlainText,
	"text/html":       extractHTML,
	"application/pdf": extractPDF,
}

// SupportedMime reports whether an extractor exists for the MIME type.
func SupportedMime(mime string) bool {
	_, ok := extractors[normalizeMime(mime)]
	return ok
}

func normalizeMime(mime string) string {
	if i := strings.Index(mime, ";"); i >= 0 {
		mime = mime[:i]
	}
	return strings.TrimSpace(strings.ToLower(mime))
}

// Extract converts raw file bytes into text pages. A file whose
// extracted text is empty after whitespace collapsing fails with
// EmptyContent and is never chunked.
func Extract(mime string, data []byte) ([]ExtractedPage, error) {
	fn, ok := extractors[normalizeMime(mime)]
	if !ok {
		return nil, apperr.Newf(apperr.CodeMimeNotAllowed, "no extractor for %s", mime)
	}

	pages, err := fn(data)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeIngestFailed, "extraction failed", err)
	}

	cleaned := pages[:0]
	for _, p := range pages {
		p.Text = collapseWhitespace(p.Text)
		if p.Text != "" {
			cleaned = append(cleaned, p)
		}
	}
	if len(cleaned) == 0 {
		return nil, apperr.New(apperr.CodeEmptyContent, "document has no extractable text")
	}
	return cleaned, nil
}

var whitespaceRe = regexp.MustCompile(`[ \t\r\f]+`)
var lineTrailRe = regexp.MustCompile(` +\n`)
var blankLinesRe = regexp.MustCompile(`\n{3,}`)

func collapseWhitespace(text string) string {
	text = whitespaceRe.ReplaceAllString(text, " ")
	text = lineTrailRe.ReplaceAllString(text, "\n")
	text = blankLinesRe.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

func extractPlainText(data []byte) ([]ExtractedPage, error) {
	return []ExtractedPage{{Page: 1, Text: string(data)}}, nil
}

// extractHTML strips boilerplate elements and keeps heading structure
// as markdown-style prefixes so the structure-aware chunker can section
// the text.
func extractHTML(data []byte) ([]ExtractedPage, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}

	doc.Find("script, style, nav, footer, header, aside").Each(func(i int, s *goquery.Selection) {
		s.Remove()
	})

	var b strings.Builder
	doc.Find("h1, h2, h3, h4, p, li, pre, td, th").Each(func(i int, s *goquery.Selection) {
		text := strings.TrimSpace(s.Text())
		if text == "" {
			return
		}
		switch goquery.NodeName(s) {
		case "h1":
			b.WriteString("# " + text + "\n\n")
		case "h2":
			b.WriteString("## " + text + "\n\n")
		case "h3", "h4":
			b.WriteString("### " + text + "\n\n")
		default:
			b.WriteString(text + "\n\n")
		}
	})

	text := b.String()
	if text == "" {
		text = doc.Find("body").Text()
	}
	return []ExtractedPage{{Page: 1, Text: text}}, nil
}

func extractPDF(data []byte) ([]ExtractedPage, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, err
	}

	pages := make([]ExtractedPage, 0, reader.NumPage())
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			// Pages with broken font maps are skipped, not fatal.
			continue
		}
		pages = append(pages, ExtractedPage{Page: i, Text: text})
	}

	if len(pages) == 0 {
		// Fall back to whole-document extraction for PDFs whose page
		// tree confuses the per-page reader.
		plain, err := reader.GetPlainText()
		if err != nil {
			return nil, err
		}
		out, err := io.ReadAll(plain)
		if err != nil {
			return nil, err
		}
		pages = append(pages, ExtractedPage{Page: 1, Text: string(out)})
	}
	return pages, nil
}
