package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/wsussync/wsussync/content"
	"github.com/wsussync/wsussync/metadata"
	"github.com/wsussync/wsussync/store"
)

type StatusOptions struct {
	ContentPath string
}

func NewStatusCmd() *cobra.Command {
	var o StatusOptions

	cmd := &cobra.Command{
		Use:     "status <metadata-path> [flags]",
		Short:   "Show store contents",
		GroupID: "other",
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.Run(args)
		},
	}

	cmd.PersistentFlags().StringVar(&o.ContentPath, "content-path", "", "Content store path to include in the summary")

	return cmd
}

func (o *StatusOptions) Run(args []string) error {
	if len(args) < 1 || args[0] == "" {
		return fmt.Errorf("Argument %q is required and cannot be empty", "metadata-path")
	}

	st, err := store.OpenOrCreate(args[0], logger)
	if err != nil {
		return err
	}

	counts := map[metadata.PackageType]int{}

	for pkgIndex := 0; pkgIndex < st.Count(); pkgIndex++ {
		typ, err := st.PackageType(pkgIndex)
		if err != nil {
			return err
		}

		counts[typ]++
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)

	fmt.Fprintf(writer, "Packages:\t%d\n", st.Count())
	fmt.Fprintf(writer, "Segments:\t%d\n", st.SegmentCount())

	for _, typ := range []metadata.PackageType{
		metadata.PackageTypeSoftwareUpdate,
		metadata.PackageTypeDriverUpdate,
		metadata.PackageTypeProductCategory,
		metadata.PackageTypeClassificationCategory,
		metadata.PackageTypeDetectoid,
	} {
		fmt.Fprintf(writer, "%s:\t%d\n", typ, counts[typ])
	}

	if st.IsReindexingRequired() {
		fmt.Fprintf(writer, "Indexes:\treindex required\n")
	}

	if o.ContentPath != "" {
		cs, err := content.NewStore(o.ContentPath)
		if err != nil {
			return err
		}

		stats, err := cs.Stats()
		if err != nil {
			return err
		}

		fmt.Fprintf(writer, "Content files:\t%d\n", stats.Files)
		fmt.Fprintf(writer, "Content bytes:\t%d\n", stats.Bytes)
	}

	return writer.Flush()
}
