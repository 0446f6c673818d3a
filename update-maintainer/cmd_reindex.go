package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wsussync/wsussync/shared"
	"github.com/wsussync/wsussync/store"
)

type ReindexOptions struct{}

func NewReindexCmd() *cobra.Command {
	var o ReindexOptions

	cmd := &cobra.Command{
		Use:     "reindex <metadata-path>",
		Short:   "Rebuild the store's index container",
		Long:    "Reindex re-parses every stored package and rebuilds the index container from scratch, recovering from a missing or damaged one.",
		GroupID: "other",
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.Run(args)
		},
	}

	return cmd
}

func (o *ReindexOptions) Run(args []string) error {
	if len(args) < 1 || args[0] == "" {
		return fmt.Errorf("Argument %q is required and cannot be empty", "metadata-path")
	}

	st, err := store.OpenOrCreate(args[0], logger)
	if err != nil {
		return err
	}

	err = st.ReIndex(func(p shared.Progress) {
		logger.Infof("%s: %d/%d", p.Stage, p.Current, p.Maximum)
	})
	if err != nil {
		return err
	}

	return st.Flush()
}
