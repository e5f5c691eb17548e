package extract

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

// enough prose to clear every density threshold on one page
const richPage = `Hello world. This document has well over twenty words to clear the
density thresholds handily and so on and so forth. It keeps going with
sentences full of ordinary prose, listing facts and descriptions until the
character count per page comfortably exceeds the required two hundred mark
for a single page of extracted content.`

func TestClassifyTextBased(t *testing.T) {
	c := Classify(richPage, 1)
	assert.False(t, c.Scanned)
	assert.Equal(t, "sufficient content", c.Reason)
	assert.Greater(t, c.WordsPerPage, 50.0)
	assert.Greater(t, c.CharsPerPage, 200.0)
}

func TestClassifyNoText(t *testing.T) {
	c := Classify("", 3)
	assert.True(t, c.Scanned)
	assert.Equal(t, "no extractable text", c.Reason)
	assert.Zero(t, c.Chars)
}

func TestClassifyTooFewWords(t *testing.T) {
	c := Classify("just a handful of words here", 1)
	assert.True(t, c.Scanned)
	assert.Equal(t, "too few total words", c.Reason)
}

func TestClassifyLowWordDensity(t *testing.T) {
	// 25 words over 10 pages: clears the total-word floor, fails density
	text := strings.Repeat("word ", 25)
	c := Classify(text, 10)
	assert.True(t, c.Scanned)
	assert.Equal(t, "low word density", c.Reason)
}

func TestClassifyLowCharDensity(t *testing.T) {
	// 60 short words on one page: word density fine, char density not
	text := strings.Repeat("ab ", 60)
	c := Classify(text, 1)
	assert.True(t, c.Scanned)
	assert.Equal(t, "low character density", c.Reason)
}

func TestClassifySuspiciousOnlyDigits(t *testing.T) {
	// long digit runs pass every count threshold yet carry no prose
	var b strings.Builder
	for i := 0; i < 60; i++ {
		b.WriteString("1234567890 ")
	}
	c := Classify(b.String(), 1)
	assert.True(t, c.Scanned)
	assert.Equal(t, "suspicious pattern", c.Reason)
}

func TestClassifyRuleOrderFirstMatchWins(t *testing.T) {
	// empty text matches every rule; the recorded reason must be rule (a)
	c := Classify("", 1)
	assert.Equal(t, "no extractable text", c.Reason)
}

func TestClassifyMonotone(t *testing.T) {
	// once text-based, appending more prose never flips the decision
	base := richPage
	c := Classify(base, 1)
	assert.False(t, c.Scanned)
	for i := 0; i < 5; i++ {
		base += " " + richPage
		assert.False(t, Classify(base, 1).Scanned)
	}
}

func TestClassifyZeroPagesTreatedAsOne(t *testing.T) {
	c := Classify(richPage, 0)
	assert.False(t, c.Scanned)
}
