package main

import (
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/nao1215/markdown"
	"github.com/spf13/cobra"

	"github.com/johbar/scan-ocr-service/internal/history"
	"github.com/johbar/scan-ocr-service/internal/scanner"
	"github.com/johbar/scan-ocr-service/pkg/textclean"
)

func NewHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "history",
		Aliases: []string{"h"},
		Short:   "Browse and manage saved scans",
	}
	cmd.AddCommand(
		newHistoryListCmd(),
		newHistoryShowCmd(),
		newHistoryEditCmd(),
		newHistoryFavoriteCmd(),
		newHistoryDeleteCmd(),
		newHistoryCleanupCmd(),
		newHistoryExportCmd(),
		newHistoryStatsCmd(),
	)
	return cmd
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid scan id %q", scanner.ErrBadRequest, s)
	}
	return id, nil
}

func addFilterFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringP("query", "q", "", "Search text, title and notes")
	f.Bool("favorites", false, "Only favorites")
	f.String("lang", "", "Only scans in this language")
	f.Int("limit", 0, "Maximum number of scans")
	f.Int("offset", 0, "Skip this many scans")
}

func filterFromFlags(cmd *cobra.Command) history.Filter {
	f := cmd.Flags()
	var filter history.Filter
	filter.Query, _ = f.GetString("query")
	filter.FavoritesOnly, _ = f.GetBool("favorites")
	filter.Language, _ = f.GetString("lang")
	filter.Limit, _ = f.GetInt("limit")
	filter.Offset, _ = f.GetInt("offset")
	return filter
}

func newHistoryListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List saved scans, newest first",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			page, err := a.scanner.GetAllScans(cmd.Context(), filterFromFlags(cmd))
			if err != nil {
				return err
			}
			if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
				return writeJSON(cmd.OutOrStdout(), page)
			}
			return printScanTable(cmd.OutOrStdout(), page)
		},
	}
	addFilterFlags(cmd)
	cmd.Flags().Bool("json", false, "Print as JSON")
	return cmd
}

func printScanTable(w io.Writer, page *scanner.ScanPage) error {
	md := markdown.NewMarkdown(w)
	if len(page.Scans) == 0 {
		md.PlainText("No scans.")
		return md.Build()
	}
	rows := make([][]string, len(page.Scans))
	for i, sc := range page.Scans {
		fav := ""
		if sc.Favorite {
			fav = "★"
		}
		rows[i] = []string{
			strconv.FormatInt(sc.ID, 10),
			sc.CreatedAt.Local().Format("2006-01-02 15:04"),
			sc.Language,
			strconv.FormatFloat(sc.Confidence, 'f', 1, 64),
			fav,
			strings.ReplaceAll(textclean.Title(sc.Title, 50), "|", `\|`),
		}
	}
	md.Table(markdown.TableSet{
		Header: []string{"ID", "Created", "Language", "Confidence", "Fav", "Title"},
		Rows:   rows,
	})
	if page.Total > len(page.Scans) {
		md.PlainTextf("%d of %d scans", len(page.Scans), page.Total)
	}
	return md.Build()
}

func newHistoryShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show ID",
		Short: "Print a saved scan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			scan, err := a.scanner.GetScan(cmd.Context(), id)
			if err != nil {
				return err
			}
			if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
				return writeJSON(cmd.OutOrStdout(), scan)
			}
			if textOnly, _ := cmd.Flags().GetBool("text"); textOnly {
				_, err = fmt.Fprintln(cmd.OutOrStdout(), scan.Text)
				return err
			}
			md := markdown.NewMarkdown(cmd.OutOrStdout())
			md.H1(scan.Title)
			md.BulletList(
				"Created: "+scan.CreatedAt.Local().Format("2006-01-02 15:04:05"),
				"Language: "+scan.Language,
				fmt.Sprintf("Confidence: %.1f%%", scan.Confidence),
				fmt.Sprintf("Words: %d", textclean.WordCount(scan.Text)),
				fmt.Sprintf("Favorite: %v", scan.Favorite),
			)
			if scan.Notes != "" {
				md.Note(scan.Notes)
			}
			md.PlainText("")
			md.PlainText(scan.Text)
			return md.Build()
		},
	}
	cmd.Flags().Bool("json", false, "Print as JSON")
	cmd.Flags().Bool("text", false, "Print only the recognized text")
	return cmd
}

func newHistoryEditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "edit ID",
		Short: "Change title, notes or text of a scan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			var p history.Patch
			f := cmd.Flags()
			if f.Changed("title") {
				v, _ := f.GetString("title")
				p.Title = &v
			}
			if f.Changed("notes") {
				v, _ := f.GetString("notes")
				p.Notes = &v
			}
			if f.Changed("text-file") {
				path, _ := f.GetString("text-file")
				var data []byte
				if path == "-" {
					data, err = io.ReadAll(cmd.InOrStdin())
				} else {
					data, err = os.ReadFile(path)
				}
				if err != nil {
					return err
				}
				text := textclean.Clean(string(data))
				p.Text = &text
			}
			if p.Empty() {
				return fmt.Errorf("%w: nothing to change, use --title, --notes or --text-file", scanner.ErrBadRequest)
			}
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			scan, err := a.scanner.UpdateScan(cmd.Context(), id, p)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "scan %d updated\n", scan.ID)
			return nil
		},
	}
	cmd.Flags().String("title", "", "New title")
	cmd.Flags().String("notes", "", "New notes")
	cmd.Flags().String("text-file", "", `Replace the text with the content of this file ("-" for stdin)`)
	return cmd
}

func newHistoryFavoriteCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "favorite ID",
		Aliases: []string{"fav"},
		Short:   "Toggle the favorite flag of a scan",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			fav, err := a.scanner.ToggleFavorite(cmd.Context(), id)
			if err != nil {
				return err
			}
			state := "no longer a favorite"
			if fav {
				state = "a favorite"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "scan %d is %s\n", id, state)
			return nil
		},
	}
}

func newHistoryDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "delete [ID...]",
		Aliases: []string{"rm"},
		Short:   "Delete scans and their images",
		RunE: func(cmd *cobra.Command, args []string) error {
			all, _ := cmd.Flags().GetBool("all")
			yes, _ := cmd.Flags().GetBool("yes")
			if all == (len(args) > 0) {
				return fmt.Errorf("%w: give either scan IDs or --all", scanner.ErrBadRequest)
			}
			if all && !yes {
				return fmt.Errorf("%w: deleting all scans requires --yes", scanner.ErrBadRequest)
			}
			ids := make([]int64, len(args))
			for i, arg := range args {
				id, err := parseID(arg)
				if err != nil {
					return err
				}
				ids[i] = id
			}
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			if all {
				n, err := a.scanner.DeleteAllScans(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d scans deleted\n", n)
				return nil
			}
			for _, id := range ids {
				if err := a.scanner.DeleteScan(cmd.Context(), id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "scan %d deleted\n", id)
			}
			return nil
		},
	}
	cmd.Flags().Bool("all", false, "Delete the whole history")
	cmd.Flags().BoolP("yes", "y", false, "Confirm deleting the whole history")
	return cmd
}

func newHistoryCleanupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete scans older than a given age",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			olderThan, _ := cmd.Flags().GetString("older-than")
			age, err := scanner.ParseAge(olderThan)
			if err != nil {
				return err
			}
			includeFavorites, _ := cmd.Flags().GetBool("include-favorites")
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			n, err := a.scanner.CleanupOlderThan(cmd.Context(), age, includeFavorites)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d scans deleted\n", n)
			return nil
		},
	}
	cmd.Flags().String("older-than", "30d", `Age like "30d" or "12h"`)
	cmd.Flags().Bool("include-favorites", false, "Delete old favorites too")
	return cmd
}

func newHistoryExportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export scans as markdown, JSON or plain text",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			format, _ := cmd.Flags().GetString("format")
			if _, err := scanner.ParseFormat(format); err != nil {
				return err
			}
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			w := cmd.OutOrStdout()
			if path, _ := cmd.Flags().GetString("output"); path != "" && path != "-" {
				f, err := os.Create(path)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			return a.scanner.Export(cmd.Context(), w, format, filterFromFlags(cmd))
		},
	}
	addFilterFlags(cmd)
	cmd.Flags().StringP("format", "f", scanner.FormatMarkdown, "markdown, json or text")
	cmd.Flags().StringP("output", "o", "", "Write to this file instead of stdout")
	return cmd
}

func newHistoryStatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Summarize the history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			st, err := a.scanner.Stats(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
				return writeJSON(cmd.OutOrStdout(), st)
			}
			rows := [][]string{
				{"Scans", strconv.Itoa(st.Total)},
				{"Favorites", strconv.Itoa(st.Favorites)},
				{"Mean confidence", fmt.Sprintf("%.1f", st.MeanConfidence)},
				{"Std. deviation", fmt.Sprintf("%.1f", st.StdDevConfidence)},
				{"Median confidence", fmt.Sprintf("%.1f", st.MedianConfidence)},
			}
			for _, lang := range slices.Sorted(maps.Keys(st.Languages)) {
				rows = append(rows, []string{"Language " + lang, strconv.Itoa(st.Languages[lang])})
			}
			return markdown.NewMarkdown(cmd.OutOrStdout()).
				Table(markdown.TableSet{Header: []string{"", "Value"}, Rows: rows}).
				Build()
		},
	}
	cmd.Flags().Bool("json", false, "Print as JSON")
	return cmd
}
