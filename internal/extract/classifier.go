package extract

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// Scanned-PDF thresholds. A PDF failing any of them is treated as raster
// imagery and sent through OCR.
const (
	minTotalWords  = 20
	minWordsPerPage = 50.0
	minCharsPerPage = 200.0
)

var (
	onlyDigitsRe   = regexp.MustCompile(`^[\d\s]+$`)
	onlyNonWordsRe = regexp.MustCompile(`^[\W_]+$`)
)

// Classification is the outcome of the scanned-vs-text decision.
type Classification struct {
	Scanned      bool
	Reason       string
	Chars        int
	Words        int
	CharsPerPage float64
	WordsPerPage float64
}

// Classify decides whether a PDF is scanned from its embedded text and
// page count. Rules are evaluated in a fixed order and the first match
// becomes the recorded reason. The decision is monotone: adding content
// never flips text-based back to scanned.
func Classify(text string, pageCount int) Classification {
	if pageCount < 1 {
		pageCount = 1
	}
	c := Classification{
		Chars: utf8.RuneCountInString(text),
		Words: len(strings.Fields(text)),
	}
	c.CharsPerPage = float64(c.Chars) / float64(pageCount)
	c.WordsPerPage = float64(c.Words) / float64(pageCount)

	switch {
	case c.Chars == 0:
		c.Scanned, c.Reason = true, "no extractable text"
	case c.Words < minTotalWords:
		c.Scanned, c.Reason = true, "too few total words"
	case c.WordsPerPage < minWordsPerPage:
		c.Scanned, c.Reason = true, "low word density"
	case c.CharsPerPage < minCharsPerPage:
		c.Scanned, c.Reason = true, "low character density"
	case suspicious(text):
		c.Scanned, c.Reason = true, "suspicious pattern"
	default:
		c.Reason = "sufficient content"
	}
	return c
}

// suspicious flags text that is all digits, all whitespace or entirely
// free of word characters.
func suspicious(text string) bool {
	if strings.TrimSpace(text) == "" {
		return true
	}
	return onlyDigitsRe.MatchString(text) || onlyNonWordsRe.MatchString(text)
}
