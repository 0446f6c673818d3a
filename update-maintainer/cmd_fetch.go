package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wsussync/wsussync/content"
	"github.com/wsussync/wsussync/metadata"
	"github.com/wsussync/wsussync/shared"
	"github.com/wsussync/wsussync/store"
)

type FetchOptions struct {
	ContentPath     string
	Products        []string
	Classifications []string
	Title           string
	SkipSuperseded  bool
	FirstX          int
}

func NewFetchCmd() *cobra.Command {
	var o FetchOptions

	cmd := &cobra.Command{
		Use:     "fetch <metadata-path> [flags]",
		Short:   "Download content payloads of stored updates",
		Long:    "Fetch downloads the payload files of every stored update matching the filter into the content store, resuming partial downloads.",
		GroupID: "main",
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.Run(cmd.Context(), args)
		},
	}

	cmd.PersistentFlags().StringVar(&o.ContentPath, "content-path", "", "Content store path")
	cmd.PersistentFlags().StringSliceVar(&o.Products, "product", nil, "Keep updates of the given product GUID")
	cmd.PersistentFlags().StringSliceVar(&o.Classifications, "classification", nil, "Keep updates of the given classification GUID")
	cmd.PersistentFlags().StringVar(&o.Title, "title", "", "Keep updates whose title contains every given word")
	cmd.PersistentFlags().BoolVar(&o.SkipSuperseded, "skip-superseded", false, "Skip superseded updates")
	cmd.PersistentFlags().IntVar(&o.FirstX, "first", 0, "Stop after the given number of matches")

	return cmd
}

func (o *FetchOptions) Run(ctx context.Context, args []string) error {
	if len(args) < 1 || args[0] == "" {
		return fmt.Errorf("Argument %q is required and cannot be empty", "metadata-path")
	}

	if o.ContentPath == "" {
		return fmt.Errorf("Flag %q is required and cannot be empty", "content-path")
	}

	st, err := store.OpenOrCreate(args[0], logger)
	if err != nil {
		return err
	}

	filter, err := metadataFilter(o.Products, o.Classifications, o.Title, o.SkipSuperseded, o.FirstX)
	if err != nil {
		return err
	}

	results, err := st.Query(filter)
	if err != nil {
		return err
	}

	return downloadContent(ctx, results, o.ContentPath)
}

// metadataFilter builds a store query filter from command line flag values.
func metadataFilter(products []string, classifications []string, title string, skipSuperseded bool, firstX int) (store.MetadataFilter, error) {
	var filter store.MetadataFilter
	var err error

	filter.Products, err = parseGUIDs(products)
	if err != nil {
		return filter, err
	}

	filter.Classifications, err = parseGUIDs(classifications)
	if err != nil {
		return filter, err
	}

	filter.Title = title
	filter.SkipSuperseded = skipSuperseded
	filter.FirstX = firstX

	return filter, nil
}

// downloadContent fetches every payload file of the given query results into
// the content store at the given path.
func downloadContent(ctx context.Context, results []store.QueryResult, contentPath string) error {
	cs, err := content.NewStore(contentPath)
	if err != nil {
		return err
	}

	downloader := content.NewDownloader(logger)

	progress := func(file *metadata.ContentFile, p shared.Progress) {
		if p.Stage == shared.StageDownloadFileEnd {
			logger.WithField("file", file.FileName).Info("Downloaded payload")
		}
	}

	var fetched, skipped int

	for _, result := range results {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		files, err := result.Package.Files()
		if err != nil {
			return err
		}

		for i := range files {
			file := files[i]

			if cs.Contains(&file) {
				skipped++
				continue
			}

			// Transient fetch errors retry; partial payloads resume.
			err = shared.Retry(func() error {
				_, err := cs.Download(ctx, downloader, &file, progress)
				return err
			}, 3)
			if err != nil {
				return fmt.Errorf("Failed to download %q of %q: %w", file.FileName, result.Package.ID(), err)
			}

			fetched++
		}
	}

	logger.Infof("Downloaded %d payloads (%d already present)", fetched, skipped)

	return nil
}
