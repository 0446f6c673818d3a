package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/wsussync/wsussync/metadata"
	"github.com/wsussync/wsussync/store"
)

type QueryOptions struct {
	Products        []string
	Classifications []string
	Title           string
	SkipSuperseded  bool
	ShowSuperseded  bool
	FirstX          int
	JSON            bool
}

// queryRow is one result in the query command's JSON output.
type queryRow struct {
	ID           string   `json:"id"`
	Type         string   `json:"type"`
	Title        string   `json:"title"`
	KBArticleID  string   `json:"kbArticleId,omitempty"`
	SupersededBy []string `json:"supersededBy,omitempty"`
}

func NewQueryCmd() *cobra.Command {
	var o QueryOptions

	cmd := &cobra.Command{
		Use:     "query <metadata-path> [flags]",
		Short:   "Query stored updates",
		GroupID: "main",
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.Run(args)
		},
	}

	cmd.PersistentFlags().StringSliceVar(&o.Products, "product", nil, "Keep updates of the given product GUID")
	cmd.PersistentFlags().StringSliceVar(&o.Classifications, "classification", nil, "Keep updates of the given classification GUID")
	cmd.PersistentFlags().StringVar(&o.Title, "title", "", "Keep updates whose title contains every given word")
	cmd.PersistentFlags().BoolVar(&o.SkipSuperseded, "skip-superseded", false, "Skip superseded updates")
	cmd.PersistentFlags().BoolVar(&o.ShowSuperseded, "show-superseded", false, "List the superseding updates of each match")
	cmd.PersistentFlags().IntVar(&o.FirstX, "first", 0, "Stop after the given number of matches")
	cmd.PersistentFlags().BoolVar(&o.JSON, "json", false, "Output as JSON")

	return cmd
}

func (o *QueryOptions) Run(args []string) error {
	if len(args) < 1 || args[0] == "" {
		return fmt.Errorf("Argument %q is required and cannot be empty", "metadata-path")
	}

	st, err := store.OpenOrCreate(args[0], logger)
	if err != nil {
		return err
	}

	filter, err := metadataFilter(o.Products, o.Classifications, o.Title, o.SkipSuperseded, o.FirstX)
	if err != nil {
		return err
	}

	filter.SupersededPerPackage = o.ShowSuperseded

	results, err := st.Query(filter)
	if err != nil {
		return err
	}

	rows := make([]queryRow, 0, len(results))

	for _, result := range results {
		row, err := newQueryRow(result)
		if err != nil {
			return err
		}

		rows = append(rows, row)
	}

	if o.JSON {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")

		return encoder.Encode(rows)
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tTYPE\tKB\tTITLE")

	for _, row := range rows {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\n", row.ID, row.Type, row.KBArticleID, row.Title)

		for _, superseder := range row.SupersededBy {
			fmt.Fprintf(writer, "\t\t\tsuperseded by %s\n", superseder)
		}
	}

	return writer.Flush()
}

func newQueryRow(result store.QueryResult) (queryRow, error) {
	pkg := result.Package

	title, err := pkg.Title()
	if err != nil {
		return queryRow{}, err
	}

	row := queryRow{
		ID:    pkg.ID().String(),
		Type:  pkg.Type().String(),
		Title: title,
	}

	software, ok := pkg.(*metadata.SoftwareUpdate)
	if ok {
		row.KBArticleID, err = software.KBArticleID()
		if err != nil {
			return queryRow{}, err
		}
	}

	for _, id := range result.SupersededBy {
		row.SupersededBy = append(row.SupersededBy, id.String())
	}

	return row, nil
}
