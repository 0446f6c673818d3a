// Package sources pulls catalog metadata from an upstream server into a
// local destination: categories first, then updates scoped by product and
// classification.
package sources

import (
	"context"
	"sort"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/wsussync/wsussync/metadata"
	"github.com/wsussync/wsussync/serversync"
	"github.com/wsussync/wsussync/shared"
)

// syncBatchSize is the client-side fetch chunk, deliberately far below any
// server ceiling so parallel batches stay small.
const syncBatchSize = 50

// syncParallel caps the number of in-flight metadata fetches.
const syncParallel = 4

// Client is the part of the upstream SOAP client the sources need.
type Client interface {
	RevisionIDList(ctx context.Context, filter serversync.ServerSyncFilter) (string, []serversync.UpdateIdentity, error)
	UpdateData(ctx context.Context, ids []serversync.UpdateIdentity) ([]metadata.Package, error)
}

// Destination receives synced packages. A package store satisfies it.
type Destination interface {
	ContainsPackage(id metadata.PackageIdentity) bool
	AddPackages(pkgs []metadata.Package) error
}

// UpstreamSourceFilter scopes an update sync to products and
// classifications. An empty filter matches nothing at the upstream.
type UpstreamSourceFilter struct {
	Products        []uuid.UUID `json:"products" yaml:"products"`
	Classifications []uuid.UUID `json:"classifications" yaml:"classifications"`
}

// Equal compares two filters as sets on both axes.
func (f UpstreamSourceFilter) Equal(other UpstreamSourceFilter) bool {
	return sameIDSet(f.Products, other.Products) && sameIDSet(f.Classifications, other.Classifications)
}

// ServerSyncFilter converts the filter to its wire form.
func (f UpstreamSourceFilter) ServerSyncFilter(anchor string) serversync.ServerSyncFilter {
	filter := serversync.ServerSyncFilter{AnchorValue: anchor}

	for _, id := range f.Products {
		filter.Categories = append(filter.Categories, serversync.IdAndDelta{ID: id})
	}

	for _, id := range f.Classifications {
		filter.Classifications = append(filter.Classifications, serversync.IdAndDelta{ID: id})
	}

	return filter
}

func sameIDSet(a []uuid.UUID, b []uuid.UUID) bool {
	if len(a) != len(b) {
		return false
	}

	set := make(map[uuid.UUID]bool, len(a))
	for _, id := range a {
		set[id] = true
	}

	for _, id := range b {
		if !set[id] {
			return false
		}
	}

	return true
}

// CategoriesSource syncs the upstream's category taxonomy.
type CategoriesSource struct {
	client Client
	logger *logrus.Logger
}

// NewCategoriesSource returns a categories source over the given client.
func NewCategoriesSource(client Client, logger *logrus.Logger) *CategoriesSource {
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &CategoriesSource{client: client, logger: logger}
}

// Sync pulls every category the destination is missing.
func (s *CategoriesSource) Sync(ctx context.Context, dest Destination, progress shared.ProgressFunc) error {
	_, ids, err := s.client.RevisionIDList(ctx, serversync.ServerSyncFilter{GetConfig: true})
	if err != nil {
		return err
	}

	s.logger.Debugf("Upstream lists %d categories", len(ids))

	return copyMissing(ctx, s.client, dest, ids, progress)
}

// UpdatesSource syncs the updates matching an upstream filter.
type UpdatesSource struct {
	client Client
	filter UpstreamSourceFilter
	logger *logrus.Logger
}

// NewUpdatesSource returns an updates source over the given client and
// filter.
func NewUpdatesSource(client Client, filter UpstreamSourceFilter, logger *logrus.Logger) *UpdatesSource {
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &UpdatesSource{client: client, filter: filter, logger: logger}
}

// Sync pulls every matching update the destination is missing.
func (s *UpdatesSource) Sync(ctx context.Context, dest Destination, progress shared.ProgressFunc) error {
	_, ids, err := s.client.RevisionIDList(ctx, s.filter.ServerSyncFilter(""))
	if err != nil {
		return err
	}

	s.logger.Debugf("Upstream lists %d updates for the filter", len(ids))

	return copyMissing(ctx, s.client, dest, ids, progress)
}

// copyMissing fetches every listed revision the destination does not hold,
// in identity order, in parallel batches. The destination's writer lock
// serializes the inserts; raw metadata is released as each batch lands.
func copyMissing(ctx context.Context, client Client, dest Destination, ids []serversync.UpdateIdentity, progress shared.ProgressFunc) error {
	var missing []serversync.UpdateIdentity

	for _, id := range ids {
		pkgID := metadata.NewPackageIdentity(metadata.MicrosoftUpdatePartition, id.UpdateID, id.RevisionNumber)
		if !dest.ContainsPackage(pkgID) {
			missing = append(missing, id)
		}
	}

	sort.Slice(missing, func(a, b int) bool {
		idA := metadata.NewPackageIdentity(metadata.MicrosoftUpdatePartition, missing[a].UpdateID, missing[a].RevisionNumber)
		idB := metadata.NewPackageIdentity(metadata.MicrosoftUpdatePartition, missing[b].UpdateID, missing[b].RevisionNumber)

		return idA.Compare(idB) < 0
	})

	total := int64(len(missing))

	var done atomic.Int64

	// The derived context only gates scheduling; Wait cancels it on return,
	// so it must not decide the result.
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(syncParallel)

	for start := 0; start < len(missing); start += syncBatchSize {
		if groupCtx.Err() != nil {
			break
		}

		end := start + syncBatchSize
		if end > len(missing) {
			end = len(missing)
		}

		batch := missing[start:end]

		group.Go(func() error {
			pkgs, err := client.UpdateData(groupCtx, batch)
			if err != nil {
				return err
			}

			err = dest.AddPackages(pkgs)
			if err != nil {
				return err
			}

			for _, pkg := range pkgs {
				pkg.ReleaseRawMetadata()
			}

			progress.Emit(shared.StageFetchingMetadata, done.Add(int64(len(batch))), total)

			return nil
		})
	}

	return group.Wait()
}
