package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/wsussync/wsussync/metadata"
	"github.com/wsussync/wsussync/shared"
)

// ErrNotFound marks lookups for identities the store does not hold.
var ErrNotFound = errors.New("Package not found")

// ErrIndexOutOfRange marks package index lookups outside [0, count).
var ErrIndexOutOfRange = errors.New("Package index out of range")

// ErrCorruptStore marks on-disk state that fails to load.
var ErrCorruptStore = errors.New("Corrupt package store")

// tocVersion is the on-disk version of the store table of contents.
const tocVersion = 1

// On-disk artifact names inside a store directory.
const (
	tocName          = ".toc.json"
	typesName        = ".types.json"
	indexesName      = ".indexes.zip"
	identitiesDir    = "identities"
	identitiesName   = ".identities.json"
	copyToParallel   = 4
	reindexBatchSize = 100
)

// tableOfContent is the store's root metadata file. DeltaSectionPackageCount
// holds the cumulative package count after each delta segment, so the nth
// segment owns package indexes [counts[n-1], counts[n]).
type tableOfContent struct {
	Version                  int   `json:"version"`
	DeltaSectionCount        int   `json:"deltaSectionCount"`
	DeltaSectionPackageCount []int `json:"deltaSectionPackageCount"`
}

// identityEntry is one row of a per-partition identity file.
type identityEntry struct {
	PackageIndex int                      `json:"pkgIndex"`
	Identity     metadata.PackageIdentity `json:"identity"`
}

// PackageStore is an append-only metadata store keyed by package identity.
// Adds, flushes and reindexing take the writer lock; lookups and metadata
// reads run concurrently under read locks.
type PackageStore struct {
	dir    string
	logger *logrus.Logger

	mu         sync.RWMutex
	toc        tableOfContent
	idToIndex  map[string]int
	identities []metadata.PackageIdentity
	types      []metadata.PackageType

	container       *IndexContainer
	reindexRequired bool

	pending      *segmentWriter
	pendingRaw   map[int][]byte
	pendingFiles map[int][]metadata.ContentFile
	dirty        bool
}

// OpenOrCreate opens the package store in dir, creating an empty one when the
// directory holds no store yet.
func OpenOrCreate(dir string, logger *logrus.Logger) (*PackageStore, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	err := os.MkdirAll(dir, 0755)
	if err != nil {
		return nil, fmt.Errorf("Failed to create store directory: %w", err)
	}

	s := &PackageStore{
		dir:          dir,
		logger:       logger,
		toc:          tableOfContent{Version: tocVersion},
		idToIndex:    map[string]int{},
		pendingRaw:   map[int][]byte{},
		pendingFiles: map[int][]metadata.ContentFile{},
	}

	_, err = os.Stat(filepath.Join(dir, tocName))
	if err == nil {
		err = s.loadState()
		if err != nil {
			return nil, err
		}
	}

	err = s.loadContainer()
	if err != nil {
		return nil, err
	}

	logger.WithField("dir", dir).Debugf("Opened package store with %d packages", len(s.identities))

	return s, nil
}

// loadState reads the TOC, package types and identity maps.
func (s *PackageStore) loadState() error {
	_, err := shared.ReadJSONFile(filepath.Join(s.dir, tocName), &s.toc)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptStore, err)
	}

	if s.toc.Version != tocVersion {
		return fmt.Errorf("%w: unsupported TOC version %d", ErrCorruptStore, s.toc.Version)
	}

	if len(s.toc.DeltaSectionPackageCount) != s.toc.DeltaSectionCount {
		return fmt.Errorf("%w: segment counts do not match segment count %d", ErrCorruptStore, s.toc.DeltaSectionCount)
	}

	count := 0
	if len(s.toc.DeltaSectionPackageCount) > 0 {
		count = s.toc.DeltaSectionPackageCount[len(s.toc.DeltaSectionPackageCount)-1]
	}

	types := map[int]string{}

	_, err = shared.ReadJSONFile(filepath.Join(s.dir, typesName), &types)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptStore, err)
	}

	s.identities = make([]metadata.PackageIdentity, count)
	s.types = make([]metadata.PackageType, count)

	for pkgIndex, value := range types {
		if pkgIndex < 0 || pkgIndex >= count {
			return fmt.Errorf("%w: type entry for out-of-range package %d", ErrCorruptStore, pkgIndex)
		}

		partition, typeName, ok := strings.Cut(value, "/")
		if !ok {
			return fmt.Errorf("%w: invalid package type %q", ErrCorruptStore, value)
		}

		_, err := partitionByName(partition)
		if err != nil {
			return err
		}

		s.types[pkgIndex], err = metadata.ParsePackageType(typeName)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrCorruptStore, err)
		}
	}

	entries, err := os.ReadDir(filepath.Join(s.dir, identitiesDir))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptStore, err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		partition := entry.Name()

		_, err := partitionByName(partition)
		if err != nil {
			return err
		}

		var rows []identityEntry

		_, err = shared.ReadJSONFile(filepath.Join(s.dir, identitiesDir, partition, identitiesName), &rows)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrCorruptStore, err)
		}

		for _, row := range rows {
			if row.PackageIndex < 0 || row.PackageIndex >= count {
				return fmt.Errorf("%w: identity %s has out-of-range package index %d", ErrCorruptStore, row.Identity, row.PackageIndex)
			}

			s.identities[row.PackageIndex] = row.Identity
			s.idToIndex[row.Identity.OpenID()] = row.PackageIndex
		}
	}

	// Identity assignments must be dense in [0, count).
	if len(s.idToIndex) != count {
		return fmt.Errorf("%w: %d identities for %d packages", ErrCorruptStore, len(s.idToIndex), count)
	}

	return nil
}

// loadContainer opens the index container, degrading to a reindex requirement
// instead of failing when the container is missing or damaged.
func (s *PackageStore) loadContainer() error {
	path := filepath.Join(s.dir, indexesName)

	file, err := os.Open(path)
	if err != nil {
		s.container = NewIndexContainer()
		s.reindexRequired = len(s.identities) > 0

		return nil
	}

	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("Failed to stat index container: %w", err)
	}

	s.container = OpenIndexContainer(file, info.Size())
	s.reindexRequired = s.container.Status() != ContainerValid

	if s.reindexRequired {
		s.logger.WithField("dir", s.dir).Warnf("Index container is %s, reindex required", s.container.Status())
	}

	return nil
}

// Dir returns the store's root directory.
func (s *PackageStore) Dir() string {
	return s.dir
}

// Count returns the number of stored packages.
func (s *PackageStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.identities)
}

// ContainsPackage reports whether the store holds the identity.
func (s *PackageStore) ContainsPackage(id metadata.PackageIdentity) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.idToIndex[id.OpenID()]

	return ok
}

// IndexOf returns the package index assigned to an identity.
func (s *PackageStore) IndexOf(id metadata.PackageIdentity) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pkgIndex, ok := s.idToIndex[id.OpenID()]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	return pkgIndex, nil
}

// Identities returns a snapshot of all stored identities in package index
// order.
func (s *PackageStore) Identities() []metadata.PackageIdentity {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]metadata.PackageIdentity, len(s.identities))
	copy(ids, s.identities)

	return ids
}

// PackageType returns the stored type of a package.
func (s *PackageStore) PackageType(pkgIndex int) (metadata.PackageType, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if pkgIndex < 0 || pkgIndex >= len(s.types) {
		return 0, fmt.Errorf("%w: %d", ErrIndexOutOfRange, pkgIndex)
	}

	return s.types[pkgIndex], nil
}

// SegmentCount returns the number of flushed delta segments.
func (s *PackageStore) SegmentCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.toc.DeltaSectionCount
}

// IsReindexingRequired reports whether index-backed reads are unavailable
// until ReIndex runs.
func (s *PackageStore) IsReindexingRequired() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.reindexRequired
}

// GetPackage rehydrates a package by identity.
func (s *PackageStore) GetPackage(id metadata.PackageIdentity) (metadata.Package, error) {
	s.mu.RLock()
	pkgIndex, ok := s.idToIndex[id.OpenID()]
	s.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	return s.GetPackageByIndex(pkgIndex)
}

// GetPackageByIndex rehydrates a package by its store index. The returned
// package loads attributes lazily through this store.
func (s *PackageStore) GetPackageByIndex(pkgIndex int) (metadata.Package, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if pkgIndex < 0 || pkgIndex >= len(s.identities) {
		return nil, fmt.Errorf("%w: %d", ErrIndexOutOfRange, pkgIndex)
	}

	id := s.identities[pkgIndex]

	partition, err := partitionByName(id.Partition)
	if err != nil {
		return nil, err
	}

	return partition.NewPackage(s.types[pkgIndex], id, pkgIndex, s), nil
}

// AddPackage appends a package to the store. Adding an identity the store
// already holds is a no-op.
func (s *PackageStore) AddPackage(pkg metadata.Package) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := pkg.ID()

	_, err := partitionByName(id.Partition)
	if err != nil {
		return err
	}

	_, ok := s.idToIndex[id.OpenID()]
	if ok {
		return nil
	}

	reader, err := pkg.Metadata()
	if err != nil {
		return err
	}

	blob, err := io.ReadAll(reader)
	reader.Close()
	if err != nil {
		return fmt.Errorf("Failed to read metadata of %q: %w", id, err)
	}

	files, err := pkg.Files()
	if err != nil {
		return err
	}

	if s.pending == nil {
		s.pending, err = newSegmentWriter(s.dir, s.toc.DeltaSectionCount)
		if err != nil {
			return err
		}
	}

	pkgIndex := len(s.identities)

	err = s.pending.add(pkgIndex, blob, files)
	if err != nil {
		return err
	}

	s.idToIndex[id.OpenID()] = pkgIndex
	s.identities = append(s.identities, id)
	s.types = append(s.types, pkg.Type())
	s.pendingRaw[pkgIndex] = blob

	if len(files) > 0 {
		s.pendingFiles[pkgIndex] = files
	}

	if !s.reindexRequired {
		err = s.container.IndexPackage(pkg, pkgIndex)
		if err != nil {
			return err
		}
	}

	s.dirty = true

	return nil
}

// AddPackages appends packages in order.
func (s *PackageStore) AddPackages(pkgs []metadata.Package) error {
	for _, pkg := range pkgs {
		err := s.AddPackage(pkg)
		if err != nil {
			return err
		}
	}

	return nil
}

// Flush finalizes the open delta segment and persists the store state. The
// TOC is written last, so a crash mid-flush leaves the previous state intact.
func (s *PackageStore) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.dirty && s.pending == nil {
		return nil
	}

	if s.pending != nil {
		err := s.pending.finalize()
		if err != nil {
			return err
		}

		s.pending = nil
		s.pendingRaw = map[int][]byte{}
		s.pendingFiles = map[int][]metadata.ContentFile{}

		s.toc.DeltaSectionCount++
		s.toc.DeltaSectionPackageCount = append(s.toc.DeltaSectionPackageCount, len(s.identities))
	}

	byPartition := map[string][]identityEntry{}
	for pkgIndex, id := range s.identities {
		byPartition[id.Partition] = append(byPartition[id.Partition], identityEntry{PackageIndex: pkgIndex, Identity: id})
	}

	for partition, rows := range byPartition {
		dir := filepath.Join(s.dir, identitiesDir, partition)

		err := os.MkdirAll(dir, 0755)
		if err != nil {
			return fmt.Errorf("Failed to create identities directory: %w", err)
		}

		err = shared.WriteJSONFileAtomic(filepath.Join(dir, identitiesName), rows)
		if err != nil {
			return err
		}
	}

	types := map[int]string{}
	for pkgIndex, typ := range s.types {
		types[pkgIndex] = s.identities[pkgIndex].Partition + "/" + typ.String()
	}

	err := shared.WriteJSONFileAtomic(filepath.Join(s.dir, typesName), types)
	if err != nil {
		return err
	}

	if !s.reindexRequired {
		var buf bytes.Buffer

		err = s.container.Save(&buf)
		if err != nil {
			return err
		}

		err = shared.WriteFileAtomic(filepath.Join(s.dir, indexesName), buf.Bytes(), 0644)
		if err != nil {
			return err
		}
	}

	err = shared.WriteJSONFileAtomic(filepath.Join(s.dir, tocName), s.toc)
	if err != nil {
		return err
	}

	s.dirty = false

	s.logger.WithField("dir", s.dir).Debugf("Flushed package store with %d packages in %d segments", len(s.identities), s.toc.DeltaSectionCount)

	return nil
}

// CopyTo pushes all packages (optionally filtered) the destination does not
// yet hold. Pushes run in parallel; the destination's writer lock serializes
// the inserts. Cancellation stops scheduling further packages.
func (s *PackageStore) CopyTo(ctx context.Context, dest *PackageStore, filter *MetadataFilter, progress shared.ProgressFunc) error {
	var ids []metadata.PackageIdentity

	if filter == nil {
		ids = s.Identities()
	} else {
		results, err := s.Query(*filter)
		if err != nil {
			return err
		}

		for _, result := range results {
			ids = append(ids, result.Package.ID())
		}
	}

	var missing []metadata.PackageIdentity
	for _, id := range ids {
		if !dest.ContainsPackage(id) {
			missing = append(missing, id)
		}
	}

	// The derived context only gates scheduling; Wait cancels it on return,
	// so it must not decide the result.
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(copyToParallel)

	var done atomic.Int64

	total := int64(len(missing))

	for _, id := range missing {
		if groupCtx.Err() != nil {
			break
		}

		group.Go(func() error {
			pkg, err := s.GetPackage(id)
			if err != nil {
				return err
			}

			err = dest.AddPackage(pkg)
			if err != nil {
				return err
			}

			progress.Emit(shared.StageCopyingPackages, done.Add(1), total)

			return nil
		})
	}

	return group.Wait()
}

// ReIndex rebuilds the index container from the raw metadata segments.
func (s *PackageStore) ReIndex(progress shared.ProgressFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	fresh := NewIndexContainer()
	total := len(s.identities)

	for pkgIndex := 0; pkgIndex < total; pkgIndex++ {
		pkg, err := s.parsePackageLocked(pkgIndex)
		if err != nil {
			return err
		}

		err = fresh.IndexPackage(pkg, pkgIndex)
		if err != nil {
			return err
		}

		if (pkgIndex+1)%reindexBatchSize == 0 || pkgIndex+1 == total {
			progress.Emit(shared.StageIndexingPackages, int64(pkgIndex+1), int64(total))
		}
	}

	s.container = fresh
	s.reindexRequired = false
	s.dirty = true

	s.logger.WithField("dir", s.dir).Infof("Rebuilt indexes for %d packages", total)

	return nil
}

// segmentPathLocked returns the finalized segment holding a package, or ""
// when the package is still pending in the open segment.
func (s *PackageStore) segmentPathLocked(pkgIndex int) (string, error) {
	if pkgIndex < 0 || pkgIndex >= len(s.identities) {
		return "", fmt.Errorf("%w: %d", ErrIndexOutOfRange, pkgIndex)
	}

	counts := s.toc.DeltaSectionPackageCount

	section := sort.Search(len(counts), func(n int) bool {
		return counts[n] > pkgIndex
	})

	if section == len(counts) {
		return "", nil
	}

	return filepath.Join(s.dir, segmentName(section)), nil
}

// metadataLocked returns a package's raw metadata. The caller must hold at
// least a read lock.
func (s *PackageStore) metadataLocked(pkgIndex int) ([]byte, error) {
	blob, ok := s.pendingRaw[pkgIndex]
	if ok {
		return blob, nil
	}

	path, err := s.segmentPathLocked(pkgIndex)
	if err != nil {
		return nil, err
	}

	if path == "" {
		return nil, fmt.Errorf("%w: no metadata for package %d", ErrCorruptStore, pkgIndex)
	}

	return readSegmentBlob(path, pkgIndex)
}

// filesLocked returns a package's file sidecar. The caller must hold at least
// a read lock.
func (s *PackageStore) filesLocked(pkgIndex int) ([]metadata.ContentFile, error) {
	files, ok := s.pendingFiles[pkgIndex]
	if ok {
		return files, nil
	}

	path, err := s.segmentPathLocked(pkgIndex)
	if err != nil {
		return nil, err
	}

	if path == "" {
		return nil, nil
	}

	return readSegmentFiles(path, pkgIndex)
}

// parsePackageLocked re-parses a package from its raw metadata, joining file
// URLs back in from the sidecar. The caller must hold at least a read lock.
func (s *PackageStore) parsePackageLocked(pkgIndex int) (metadata.Package, error) {
	blob, err := s.metadataLocked(pkgIndex)
	if err != nil {
		return nil, err
	}

	files, err := s.filesLocked(pkgIndex)
	if err != nil {
		return nil, err
	}

	return metadata.ParsePackage(s.identities[pkgIndex], blob, urlMap(files))
}

// urlMap rebuilds the digest to source-URL map of a sync batch from a file
// sidecar. It returns nil when any file lacks a URL, since the parser treats
// a URL map as a promise that every file resolves.
func urlMap(files []metadata.ContentFile) map[string]metadata.FileURL {
	if len(files) == 0 {
		return nil
	}

	urls := map[string]metadata.FileURL{}

	for _, file := range files {
		if file.Source.MUURL == "" && file.Source.USSURL == "" {
			return nil
		}

		for _, digest := range file.Digests {
			urls[digest.Value] = file.Source
		}
	}

	return urls
}
