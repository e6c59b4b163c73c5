package extraction

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"html"
	"io"
	"mime"
	"mime/multipart"
	"net/mail"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

const (
	defaultChunkSize    = 1000
	defaultChunkOverlap = true
)

// Narrative extracts prose: Markdown, text, HTML, DOCX, PPTX and e-mail.
// Unknown formats are read as plain text; legacy binary Office files are
// rejected.
type Narrative struct {
	ChunkSize int
}

func NewNarrative() *Narrative {
	return &Narrative{ChunkSize: defaultChunkSize}
}

func (n *Narrative) Extract(ctx context.Context, path string) ([]Element, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var (
		content string
		err     error
	)
	switch DetectFormat(path) {
	case FormatHTML:
		content, err = readHTML(path)
	case FormatDOCX:
		content, err = readDOCX(path)
	case FormatPPTX:
		content, err = readPPTX(path)
	case FormatDOC, FormatMSG:
		err = fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	case FormatEML:
		content, err = readEML(path)
	default:
		content, err = readText(path)
	}
	if err != nil {
		return nil, fmt.Errorf("narrative profile: %w", err)
	}

	size := n.ChunkSize
	if size <= 0 {
		size = defaultChunkSize
	}
	return textElements(chunkParagraphs(content, size, defaultChunkOverlap), ElementText), nil
}

// chunkParagraphs packs blank-line separated paragraphs into chunks of about
// target bytes, carrying the last paragraph into the next chunk when overlap is set.
func chunkParagraphs(content string, target int, overlap bool) []string {
	clean := strings.ReplaceAll(content, "\r\n", "\n")
	chunks := make([]string, 0)
	current := make([]string, 0)
	currentLen := 0

	for _, paragraph := range strings.Split(clean, "\n\n") {
		p := strings.TrimSpace(paragraph)
		if p == "" {
			continue
		}

		if currentLen+len(p) > target && len(current) > 0 {
			chunks = append(chunks, strings.Join(current, "\n\n"))
			if overlap && len(current) > 1 {
				last := current[len(current)-1]
				current = []string{last}
				currentLen = len(last)
			} else {
				current = current[:0]
				currentLen = 0
			}
		}

		current = append(current, p)
		currentLen += len(p)
	}

	if len(current) > 0 {
		chunks = append(chunks, strings.Join(current, "\n\n"))
	}
	return chunks
}

var (
	scriptTag     = regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`)
	styleTag      = regexp.MustCompile(`(?is)<style[^>]*>.*?</style>`)
	headTag       = regexp.MustCompile(`(?is)<head[^>]*>.*?</head>`)
	htmlComments  = regexp.MustCompile(`(?s)<!--.*?-->`)
	blockElements = regexp.MustCompile(`(?i)</(p|div|h[1-6]|li|tr|blockquote|pre|table|section|article)>`)
	brTags        = regexp.MustCompile(`(?i)<br\s*/?>`)
	allTags       = regexp.MustCompile(`<[^>]+>`)
	multiSpaces   = regexp.MustCompile(`[ \t]+`)
	multiNewlines = regexp.MustCompile(`\n{3,}`)
)

func readHTML(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return stripHTML(string(data)), nil
}

func stripHTML(content string) string {
	content = scriptTag.ReplaceAllString(content, "")
	content = styleTag.ReplaceAllString(content, "")
	content = headTag.ReplaceAllString(content, "")
	content = htmlComments.ReplaceAllString(content, "")
	content = brTags.ReplaceAllString(content, "\n")
	content = blockElements.ReplaceAllString(content, "\n\n")
	content = allTags.ReplaceAllString(content, "")
	content = html.UnescapeString(content)
	content = multiSpaces.ReplaceAllString(content, " ")

	lines := strings.Split(content, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	content = strings.Join(lines, "\n")
	return strings.TrimSpace(multiNewlines.ReplaceAllString(content, "\n\n"))
}

func readDOCX(path string) (string, error) {
	reader, err := zip.OpenReader(path)
	if err != nil {
		return "", fmt.Errorf("open docx: %w", err)
	}
	defer reader.Close()

	for _, file := range reader.File {
		if file.Name == "word/document.xml" {
			return readZipXML(file)
		}
	}
	return "", fmt.Errorf("docx without word/document.xml")
}

var slideName = regexp.MustCompile(`^ppt/slides/slide(\d+)\.xml$`)

// readPPTX reads every slide in slide-number order, one paragraph block per
// slide.
func readPPTX(path string) (string, error) {
	reader, err := zip.OpenReader(path)
	if err != nil {
		return "", fmt.Errorf("open pptx: %w", err)
	}
	defer reader.Close()

	type slide struct {
		number int
		file   *zip.File
	}
	slides := make([]slide, 0)
	for _, file := range reader.File {
		match := slideName.FindStringSubmatch(file.Name)
		if match == nil {
			continue
		}
		number, _ := strconv.Atoi(match[1])
		slides = append(slides, slide{number: number, file: file})
	}
	if len(slides) == 0 {
		return "", fmt.Errorf("pptx without slides")
	}
	sort.Slice(slides, func(i, j int) bool { return slides[i].number < slides[j].number })

	blocks := make([]string, 0, len(slides))
	for _, s := range slides {
		text, err := readZipXML(s.file)
		if err != nil {
			return "", err
		}
		if text != "" {
			blocks = append(blocks, text)
		}
	}
	return strings.Join(blocks, "\n\n"), nil
}

func readZipXML(file *zip.File) (string, error) {
	rc, err := file.Open()
	if err != nil {
		return "", fmt.Errorf("open %s: %w", file.Name, err)
	}
	defer rc.Close()
	text, err := parseDocumentXML(rc)
	if err != nil {
		return "", fmt.Errorf("%s: %w", file.Name, err)
	}
	return text, nil
}

// parseDocumentXML collects text runs (w:t, a:t), one paragraph per w:p or
// a:p.
func parseDocumentXML(r io.Reader) (string, error) {
	decoder := xml.NewDecoder(r)
	paragraphs := make([]string, 0)
	var (
		current strings.Builder
		inText  bool
	)

	for {
		token, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("parse document.xml: %w", err)
		}
		switch t := token.(type) {
		case xml.StartElement:
			inText = t.Name.Local == "t"
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				if text := strings.TrimSpace(current.String()); text != "" {
					paragraphs = append(paragraphs, text)
				}
				current.Reset()
			}
		case xml.CharData:
			if inText {
				current.Write(t)
			}
		}
	}
	return strings.Join(paragraphs, "\n\n"), nil
}

func readEML(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	msg, err := mail.ReadMessage(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("parse email: %w", err)
	}

	body, err := emailBody(msg.Header.Get("Content-Type"), msg.Body)
	if err != nil {
		return "", err
	}

	decoder := new(mime.WordDecoder)
	subject, decodeErr := decoder.DecodeHeader(msg.Header.Get("Subject"))
	if decodeErr != nil {
		subject = msg.Header.Get("Subject")
	}
	if subject == "" {
		return normalizePlainText(body), nil
	}
	return normalizePlainText(subject + "\n\n" + body), nil
}

func emailBody(contentType string, body io.Reader) (string, error) {
	if contentType == "" {
		contentType = "text/plain"
	}
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = "text/plain"
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		return multipartBody(body, params["boundary"])
	}

	data, err := io.ReadAll(body)
	if err != nil {
		return "", fmt.Errorf("read email body: %w", err)
	}
	if mediaType == "text/html" {
		return stripHTML(string(data)), nil
	}
	return string(data), nil
}

// multipartBody prefers text/plain parts over HTML ones.
func multipartBody(body io.Reader, boundary string) (string, error) {
	if boundary == "" {
		return "", nil
	}

	reader := multipart.NewReader(body, boundary)
	var plain, rich []string
	for {
		part, err := reader.NextPart()
		if err != nil {
			break
		}
		text, err := emailBody(part.Header.Get("Content-Type"), part)
		part.Close()
		if err != nil || strings.TrimSpace(text) == "" {
			continue
		}
		mediaType, _, _ := mime.ParseMediaType(part.Header.Get("Content-Type"))
		if mediaType == "text/html" {
			rich = append(rich, text)
			continue
		}
		plain = append(plain, text)
	}

	if len(plain) > 0 {
		return strings.Join(plain, "\n\n"), nil
	}
	return strings.Join(rich, "\n\n"), nil
}
