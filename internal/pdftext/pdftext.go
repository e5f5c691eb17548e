package pdftext

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/rs/zerolog/log"
)

// Doc abstracts an open PDF document.
type Doc interface {
	NumPage() int
	Text(pageIndex int) (string, error)
	Close() error
}

// Opener abstracts opening a PDF path into a Doc. The default is the
// go-fitz backend; tests swap in fakes.
type Opener interface {
	Open(path string) (Doc, error)
}

// PageText is the extracted text of a single page, 1-based numbering.
type PageText struct {
	Number    int
	Text      string
	CharCount int
	WordCount int
}

// Result bundles a full-document extraction.
type Result struct {
	Pages      []PageText
	TotalChars int
	TotalWords int
}

// CharsPerPage returns mean non-whitespace characters per page.
func (r *Result) CharsPerPage() float64 {
	if len(r.Pages) == 0 {
		return 0
	}
	return float64(r.TotalChars) / float64(len(r.Pages))
}

// WordsPerPage returns mean word count per page.
func (r *Result) WordsPerPage() float64 {
	if len(r.Pages) == 0 {
		return 0
	}
	return float64(r.TotalWords) / float64(len(r.Pages))
}

// Combined joins all pages with "=== Page N ===" separators.
func (r *Result) Combined() string {
	var b strings.Builder
	for i, p := range r.Pages {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "=== Page %d ===\n", p.Number)
		b.WriteString(p.Text)
	}
	return b.String()
}

// Parser extracts text from PDFs through an Opener.
type Parser struct {
	opener Opener
}

// NewParser creates a Parser. A nil opener selects the go-fitz backend.
func NewParser(opener Opener) *Parser {
	if opener == nil {
		opener = fitzOpener{}
	}
	return &Parser{opener: opener}
}

// Parse extracts cleaned text from every page. A page whose extraction
// fails contributes an empty entry rather than failing the document.
// Password-protected documents are rejected up front.
func (p *Parser) Parse(path string) (*Result, error) {
	doc, err := p.opener.Open(path)
	if err != nil {
		if IsEncrypted(path) {
			return nil, fmt.Errorf("open pdf: document is password protected")
		}
		return nil, fmt.Errorf("open pdf: %w", err)
	}
	defer doc.Close()

	total := doc.NumPage()
	res := &Result{Pages: make([]PageText, 0, total)}
	for i := 0; i < total; i++ {
		raw, err := doc.Text(i)
		if err != nil {
			log.Warn().Err(err).Int("page", i+1).Str("pdf", path).Msg("page text extraction failed")
			res.Pages = append(res.Pages, PageText{Number: i + 1})
			continue
		}
		cleaned := cleanText(raw)
		pt := PageText{
			Number:    i + 1,
			Text:      cleaned,
			CharCount: countNonSpace(cleaned),
			WordCount: len(strings.Fields(cleaned)),
		}
		res.TotalChars += pt.CharCount
		res.TotalWords += pt.WordCount
		res.Pages = append(res.Pages, pt)
	}
	return res, nil
}

// cleanText drops noise-only lines and rejoins sentences broken by layout.
func cleanText(text string) string {
	lines := strings.Split(text, "\n")
	kept := lines[:0]
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || isNoise(trimmed) {
			continue
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(fixBrokenLines(strings.Join(kept, "\n")))
}

// isNoise reports lines with no letters or digits at all.
func isNoise(line string) bool {
	for _, r := range line {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

func fixBrokenLines(text string) string {
	lines := strings.Split(text, "\n")
	var fixed []string
	for i := 0; i < len(lines); i++ {
		cur := strings.TrimSpace(lines[i])
		if i < len(lines)-1 && cur != "" {
			next := strings.TrimSpace(lines[i+1])
			if next != "" && !sentenceEnd(cur) && startsLower(next) && !strings.HasSuffix(cur, "-") {
				fixed = append(fixed, cur+" "+next)
				i++
				continue
			}
		}
		fixed = append(fixed, lines[i])
	}
	return strings.Join(fixed, "\n")
}

func sentenceEnd(s string) bool {
	switch s[len(s)-1] {
	case '.', '!', '?', ':', ';':
		return true
	}
	return false
}

func startsLower(s string) bool {
	c := s[0]
	return c >= 'a' && c <= 'z'
}

func countNonSpace(s string) int {
	n := 0
	for _, r := range s {
		if !unicode.IsSpace(r) {
			n++
		}
	}
	return n
}
