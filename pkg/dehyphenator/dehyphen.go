/*
Package dehyphenator joins words that were hyphenated at the end of a line.

	Recognized text keeps the line breaks of the printed page, including words
	split across lines. Hyphens are preserved when they are part of a compound
	(an uppercase letter precedes the hyphen or starts the next line) and removed
	otherwise. The rules were made for German and work reasonably for English.
*/
package dehyphenator

import (
	"bufio"
	"io"
	"strings"
	"unicode"
)

type Options struct {
	// Replace all newlines with a single space
	RemoveNewlines bool
}

// Dehyphenate removes hyphens at the end of lines and
// writes all remaining text to out. Hyphens are preserved if appropriate.
func Dehyphenate(in io.Reader, out *bufio.Writer, opts Options) error {
	lastLineEndedWithHyphen := false
	s := bufio.NewScanner(in)
	s.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	defer out.Flush()
	lineBreak := func() error {
		if opts.RemoveNewlines {
			return out.WriteByte(' ')
		}
		return out.WriteByte('\n')
	}
	for s.Scan() {
		currentLine := strings.ReplaceAll(s.Text(), "\uFFFE", "")
		trimmed := []rune(strings.TrimSpace(currentLine))
		if len(trimmed) == 0 || (len(trimmed) == 1 && isHyphen(trimmed[0])) {
			// Skip empty and hyphen-only lines
			if !opts.RemoveNewlines {
				if err := out.WriteByte('\n'); err != nil {
					return err
				}
			}
			lastLineEndedWithHyphen = false
			continue
		}
		if lastLineEndedWithHyphen && unicode.IsUpper(trimmed[0]) {
			// The last line ended with a hyphen that we removed.
			// The current line starts with an uppercase letter, so it is a compound.
			if _, err := out.WriteString("-"); err != nil {
				return err
			}
		}
		lastLineEndedWithHyphen = false
		if !isHyphen(trimmed[len(trimmed)-1]) || len(trimmed) < 2 {
			if _, err := out.WriteString(string(trimmed)); err != nil {
				return err
			}
			if err := lineBreak(); err != nil {
				return err
			}
			continue
		}
		if unicode.IsUpper(trimmed[len(trimmed)-2]) || unicode.IsSpace(trimmed[len(trimmed)-2]) {
			// uppercase rune or a dash standing alone before the line break
			if _, err := out.WriteString(string(trimmed)); err != nil {
				return err
			}
			if unicode.IsSpace(trimmed[len(trimmed)-2]) {
				if err := lineBreak(); err != nil {
					return err
				}
			}
			continue
		}
		// remove the hyphen and memoize that
		// so we can reattach it in the next iteration if necessary
		lastLineEndedWithHyphen = true
		if _, err := out.WriteString(string(trimmed[:len(trimmed)-1])); err != nil {
			return err
		}
	}
	return s.Err()
}

func isHyphen(char rune) bool {
	return char == '-' || unicode.Is(unicode.Hyphen, char)
}

// DehyphenateReaderToWriter reads text from in and writes it back to out,
// removing hyphens at the end of each line when appropriate.
func DehyphenateReaderToWriter(in io.Reader, out io.Writer, opts Options) error {
	return Dehyphenate(in, bufio.NewWriter(out), opts)
}

func DehyphenateString(in string, opts Options) (string, error) {
	var sb strings.Builder
	err := DehyphenateReaderToWriter(strings.NewReader(in), &sb, opts)
	return sb.String(), err
}
