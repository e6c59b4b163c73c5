package extraction

import (
	"context"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
)

// Layout extracts reference documents page by page (PDF) or section by
// section (Markdown and plain text). Anything else is unsupported so the
// router can fall back to the narrative profile.
type Layout struct{}

func NewLayout() *Layout {
	return &Layout{}
}

func (l *Layout) Extract(ctx context.Context, path string) ([]Element, error) {
	switch DetectFormat(path) {
	case FormatPDF:
		return extractPDF(ctx, path)
	case FormatMarkdown, FormatText:
		content, err := readText(path)
		if err != nil {
			return nil, fmt.Errorf("read document: %w", err)
		}
		return textElements(splitSections(content), ElementSection), nil
	default:
		return nil, fmt.Errorf("layout profile: %w: %s", ErrUnsupportedFormat, path)
	}
}

func extractPDF(ctx context.Context, path string) ([]Element, error) {
	file, reader, err := pdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}
	defer file.Close()

	elements := make([]Element, 0, reader.NumPage())
	for i := 1; i <= reader.NumPage(); i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			return nil, fmt.Errorf("extract pdf page %d: %w", i, err)
		}
		text = strings.TrimSpace(normalizePlainText(text))
		if text == "" {
			continue
		}
		elements = append(elements, Element{Text: text, ElementType: ElementPage, Page: intPtr(i)})
	}
	return elements, nil
}

// splitSections breaks Markdown on headings, keeping each heading with its body.
func splitSections(content string) []string {
	sections := make([]string, 0)
	current := make([]string, 0)

	flush := func() {
		text := strings.TrimSpace(strings.Join(current, "\n"))
		if text != "" {
			sections = append(sections, text)
		}
		current = current[:0]
	}

	for _, line := range strings.Split(content, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "#") {
			flush()
		}
		current = append(current, line)
	}
	flush()
	return sections
}
