package main

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/wsussync/wsussync/serversync"
	"github.com/wsussync/wsussync/store"
)

type ProbeOptions struct {
	Upstream     string
	RevisionHint int32
	Window       int32
	MetadataPath string
}

func NewProbeCmd() *cobra.Command {
	var o ProbeOptions

	cmd := &cobra.Command{
		Use:     "probe <update-id> [flags]",
		Short:   "Probe an upstream for an expired update revision",
		Long:    "Probe walks revision numbers downward from the hint until the upstream still serves one, recovering metadata of updates that no longer appear in revision lists.",
		GroupID: "main",
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.Run(cmd.Context(), args)
		},
	}

	cmd.PersistentFlags().StringVar(&o.Upstream, "upstream", "", "Upstream server base URL")
	cmd.PersistentFlags().Int32Var(&o.RevisionHint, "hint", 0, "Revision number to start probing from")
	cmd.PersistentFlags().Int32Var(&o.Window, "window", 20, "Probe window below the hint's century")
	cmd.PersistentFlags().StringVar(&o.MetadataPath, "metadata-path", "", "Metadata store to add a recovered update to")

	return cmd
}

func (o *ProbeOptions) Run(ctx context.Context, args []string) error {
	if len(args) < 1 || args[0] == "" {
		return fmt.Errorf("Argument %q is required and cannot be empty", "update-id")
	}

	updateID, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("Invalid update id %q: %w", args[0], err)
	}

	if o.Upstream == "" {
		return fmt.Errorf("Flag %q is required and cannot be empty", "upstream")
	}

	if o.RevisionHint < 1 {
		return fmt.Errorf("Flag %q must be a positive revision number", "hint")
	}

	client := serversync.NewClient(o.Upstream, logger)

	pkg, err := client.ProbeExpired(ctx, updateID, o.RevisionHint, o.Window)
	if err != nil {
		return err
	}

	if pkg == nil {
		return fmt.Errorf("No served revision of %q found near revision %d", updateID, o.RevisionHint)
	}

	title, err := pkg.Title()
	if err != nil {
		return err
	}

	fmt.Printf("Found %s (%s)\n", pkg.ID(), title)

	if o.MetadataPath == "" {
		return nil
	}

	st, err := store.OpenOrCreate(o.MetadataPath, logger)
	if err != nil {
		return err
	}

	err = st.AddPackage(pkg)
	if err != nil {
		return err
	}

	return st.Flush()
}
