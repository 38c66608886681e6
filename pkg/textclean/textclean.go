// Package textclean normalizes text returned by the OCR engine.
package textclean

import (
	"strings"
	"unicode/utf8"

	"github.com/dlclark/regexp2"
	"golang.org/x/text/unicode/norm"
)

var (
	// spaces between a word and trailing punctuation: "word ," -> "word,"
	spaceBeforePunct = regexp2.MustCompile(`(?<=\w)[ \t]+(?=[,.;:!?)\]](?:\s|$))`, regexp2.Multiline)
	innerSpaces      = regexp2.MustCompile(`(?<=\S)[ \t]{2,}(?=\S)`, regexp2.None)
	trailingSpaces   = regexp2.MustCompile(`[ \t]+$`, regexp2.Multiline)
	blankLines       = regexp2.MustCompile(`\n{3,}`, regexp2.None)
	lineBreaks       = strings.NewReplacer("\r\n", "\n", "\r", "\n", "\f", "\n\n")
)

func replace(re *regexp2.Regexp, s, with string) string {
	out, err := re.Replace(s, with, -1, -1)
	if err != nil {
		// only happens on a match timeout, which none of the expressions set
		return s
	}
	return out
}

// Clean normalizes text to NFC with LF line breaks. Runs of spaces are collapsed,
// trailing whitespace and spaces in front of punctuation are removed and
// paragraphs are separated by exactly one blank line.
func Clean(s string) string {
	if s == "" {
		return s
	}
	s = norm.NFC.String(s)
	s = lineBreaks.Replace(s)
	s = replace(trailingSpaces, s, "")
	s = replace(innerSpaces, s, " ")
	s = replace(spaceBeforePunct, s, "")
	s = replace(blankLines, s, "\n\n")
	return strings.TrimSpace(s)
}

// WordCount returns the number of whitespace separated words
func WordCount(s string) int {
	return len(strings.Fields(s))
}

// Title returns the first non-empty line of s shortened to at most maxRunes runes
func Title(s string, maxRunes int) string {
	for line := range strings.Lines(s) {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" {
			continue
		}
		if utf8.RuneCountInString(line) <= maxRunes {
			return line
		}
		r := []rune(line)
		cut := string(r[:maxRunes-1])
		// avoid cutting a word in half when a space is close
		if i := strings.LastIndexByte(cut, ' '); i > len(cut)/2 {
			cut = cut[:i]
		}
		return cut + "…"
	}
	return ""
}
