package main

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/wsussync/wsussync/serversync"
	"github.com/wsussync/wsussync/shared"
	"github.com/wsussync/wsussync/sources"
	"github.com/wsussync/wsussync/store"
)

type SyncOptions struct {
	Upstream        string
	Products        []string
	Classifications []string
	ContentPath     string
}

func NewSyncCmd() *cobra.Command {
	var o SyncOptions

	cmd := &cobra.Command{
		Use:     "sync <metadata-path> [flags]",
		Short:   "Sync catalog metadata from an upstream server",
		Long:    "Sync pulls the category taxonomy and the updates matching the product and classification filter from the upstream server into the metadata store on the given path.",
		GroupID: "main",
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.Run(cmd.Context(), args)
		},
	}

	cmd.PersistentFlags().StringVar(&o.Upstream, "upstream", "", "Upstream server base URL")
	cmd.PersistentFlags().StringSliceVar(&o.Products, "product", nil, "Product category GUID to sync")
	cmd.PersistentFlags().StringSliceVar(&o.Classifications, "classification", nil, "Classification category GUID to sync")
	cmd.PersistentFlags().StringVar(&o.ContentPath, "content-path", "", "Content store path; when set, payloads of synced updates are downloaded")

	return cmd
}

func (o *SyncOptions) Run(ctx context.Context, args []string) error {
	if len(args) < 1 || args[0] == "" {
		return fmt.Errorf("Argument %q is required and cannot be empty", "metadata-path")
	}

	if o.Upstream == "" {
		return fmt.Errorf("Flag %q is required and cannot be empty", "upstream")
	}

	filter, err := parseFilter(o.Products, o.Classifications)
	if err != nil {
		return err
	}

	st, err := store.OpenOrCreate(args[0], logger)
	if err != nil {
		return err
	}

	client := serversync.NewClient(o.Upstream, logger)

	progress := func(p shared.Progress) {
		logger.Infof("%s: %d/%d", p.Stage, p.Current, p.Maximum)
	}

	err = sources.NewCategoriesSource(client, logger).Sync(ctx, st, progress)
	if err != nil {
		return fmt.Errorf("Failed to sync categories: %w", err)
	}

	if len(filter.Products) > 0 || len(filter.Classifications) > 0 {
		err = sources.NewUpdatesSource(client, filter, logger).Sync(ctx, st, progress)
		if err != nil {
			return fmt.Errorf("Failed to sync updates: %w", err)
		}
	}

	err = st.Flush()
	if err != nil {
		return err
	}

	logger.Infof("Store holds %d packages", st.Count())

	if o.ContentPath == "" {
		return nil
	}

	results, err := st.Query(store.MetadataFilter{})
	if err != nil {
		return err
	}

	return downloadContent(ctx, results, o.ContentPath)
}

// parseFilter parses the product and classification GUID lists into an
// upstream sync filter.
func parseFilter(products []string, classifications []string) (sources.UpstreamSourceFilter, error) {
	var filter sources.UpstreamSourceFilter
	var err error

	filter.Products, err = parseGUIDs(products)
	if err != nil {
		return filter, err
	}

	filter.Classifications, err = parseGUIDs(classifications)

	return filter, err
}

func parseGUIDs(values []string) ([]uuid.UUID, error) {
	var ids []uuid.UUID

	for _, value := range values {
		id, err := uuid.Parse(value)
		if err != nil {
			return nil, fmt.Errorf("Invalid GUID %q: %w", value, err)
		}

		ids = append(ids, id)
	}

	return ids, nil
}
