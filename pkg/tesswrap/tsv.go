package tesswrap

import (
	"bufio"
	"fmt"
	"image"
	"io"
	"strconv"
	"strings"
)

// tsv column indexes of tesseract's tsv output
const (
	tsvLevel = iota
	tsvPage
	tsvBlock
	tsvPar
	tsvLine
	tsvWord
	tsvLeft
	tsvTop
	tsvWidth
	tsvHeight
	tsvConf
	tsvText
	tsvColumns
)

const tsvWordLevel = "5"

// ParseTSV turns tesseract's tsv output into text and word boxes.
// Words of a line are joined by a space, paragraphs are separated by an empty line.
func ParseTSV(r io.Reader) (*Result, error) {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var (
		sb       strings.Builder
		words    []Word
		lastPar  string
		lastLine string
		lineNo   int
	)
	for s.Scan() {
		lineNo++
		if lineNo == 1 {
			// header
			continue
		}
		cols := strings.Split(s.Text(), "\t")
		if len(cols) < tsvColumns || cols[tsvLevel] != tsvWordLevel {
			continue
		}
		text := strings.TrimSpace(cols[tsvText])
		if text == "" {
			continue
		}
		conf, err := strconv.ParseFloat(cols[tsvConf], 64)
		if err != nil {
			return nil, fmt.Errorf("tsv line %d: confidence: %w", lineNo, err)
		}
		box, err := tsvBox(cols)
		if err != nil {
			return nil, fmt.Errorf("tsv line %d: %w", lineNo, err)
		}
		par := cols[tsvPage] + "." + cols[tsvBlock] + "." + cols[tsvPar]
		line := par + "." + cols[tsvLine]
		switch {
		case sb.Len() == 0:
		case par != lastPar:
			sb.WriteString("\n\n")
		case line != lastLine:
			sb.WriteByte('\n')
		default:
			sb.WriteByte(' ')
		}
		lastPar, lastLine = par, line
		sb.WriteString(text)
		words = append(words, Word{Text: text, Confidence: conf, Box: box})
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	return &Result{Text: sb.String(), Words: words, Confidence: MeanConfidence(words)}, nil
}

func tsvBox(cols []string) (image.Rectangle, error) {
	var v [4]int
	for i, col := range []int{tsvLeft, tsvTop, tsvWidth, tsvHeight} {
		n, err := strconv.Atoi(cols[col])
		if err != nil {
			return image.Rectangle{}, fmt.Errorf("box: %w", err)
		}
		v[i] = n
	}
	return image.Rect(v[0], v[1], v[0]+v[2], v[1]+v[3]), nil
}
