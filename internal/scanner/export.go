package scanner

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/nao1215/markdown"
	"github.com/nao1215/markdown/mermaid/piechart"

	"github.com/johbar/scan-ocr-service/internal/history"
)

const (
	FormatMarkdown = "markdown"
	FormatJSON     = "json"
	FormatText     = "text"
)

// ParseFormat maps user input to one of the export formats
func ParseFormat(s string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "md", FormatMarkdown:
		return FormatMarkdown, nil
	case FormatJSON:
		return FormatJSON, nil
	case "txt", FormatText:
		return FormatText, nil
	}
	return "", fmt.Errorf("%w: unknown export format %q", history.ErrInvalid, s)
}

// Export writes the scans matching f to w
func (s *Scanner) Export(ctx context.Context, w io.Writer, format string, f history.Filter) error {
	format, err := ParseFormat(format)
	if err != nil {
		return err
	}
	scans, err := s.store.List(ctx, f)
	if err != nil {
		return err
	}
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if scans == nil {
			scans = []*history.Scan{}
		}
		return enc.Encode(scans)
	case FormatText:
		return writeText(w, scans)
	}
	return s.writeMarkdown(w, scans)
}

func writeText(w io.Writer, scans []*history.Scan) error {
	for i, sc := range scans {
		if i > 0 {
			if _, err := io.WriteString(w, "\n\f\n"); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintf(w, "%s\n\n%s\n", sc.Title, sc.Text); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scanner) writeMarkdown(w io.Writer, scans []*history.Scan) error {
	md := markdown.NewMarkdown(w)
	md.H1("Scan history")
	md.PlainText("")
	if len(scans) == 0 {
		md.PlainText("No scans.")
		return md.Build()
	}

	rows := make([][]string, len(scans))
	langs := map[string]uint64{}
	var order []string
	for i, sc := range scans {
		fav := ""
		if sc.Favorite {
			fav = "★"
		}
		rows[i] = []string{
			strconv.FormatInt(sc.ID, 10),
			sc.CreatedAt.Format("2006-01-02 15:04"),
			escapeCell(sc.Title),
			sc.Language,
			strconv.FormatFloat(sc.Confidence, 'f', 1, 64),
			fav,
		}
		if langs[sc.Language] == 0 {
			order = append(order, sc.Language)
		}
		langs[sc.Language]++
	}
	md.Table(markdown.TableSet{
		Header: []string{"ID", "Date", "Title", "Language", "Confidence", "Favorite"},
		Rows:   rows,
	})
	md.PlainText("")

	if len(order) > 1 {
		chart := piechart.NewPieChart(io.Discard, piechart.WithTitle("Languages"), piechart.WithShowData(true))
		for _, l := range order {
			chart.LabelAndIntValue(l, langs[l])
		}
		md.CodeBlocks(markdown.SyntaxHighlightMermaid, chart.String())
		md.PlainText("")
	}

	for _, sc := range scans {
		md.H2(sc.Title)
		md.PlainText("")
		meta := []string{
			"Created: " + sc.CreatedAt.Format("2006-01-02 15:04:05"),
			"Language: " + sc.Language,
			fmt.Sprintf("Confidence: %.1f%%", sc.Confidence),
		}
		if !sc.CapturedAt.IsZero() {
			meta = append(meta, "Captured: "+sc.CapturedAt.Format("2006-01-02 15:04:05"))
		}
		if sc.Device != "" {
			meta = append(meta, "Device: "+sc.Device)
		}
		md.BulletList(meta...)
		md.PlainText("")
		if sc.Notes != "" {
			md.Note(sc.Notes)
			md.PlainText("")
		}
		md.CodeBlocks(markdown.SyntaxHighlightText, sc.Text)
		md.PlainText("")
	}
	return md.Build()
}

func escapeCell(s string) string {
	return strings.ReplaceAll(s, "|", `\|`)
}
