package store

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/wsussync/wsussync/metadata"
)

// containerTocVersion is the on-wire version of the container table of
// contents.
const containerTocVersion = 1

// containerTocName is the container entry holding the table of contents. It
// is written last so a truncated archive never carries a valid TOC.
const containerTocName = ".toc"

// ContainerStatus describes the health of an index container after opening.
// Anything other than ContainerValid requires a reindex before index-backed
// reads can be trusted.
type ContainerStatus int

// Container states, roughly ordered by severity.
const (
	ContainerValid ContainerStatus = iota
	ContainerCorrupt
	ContainerMissingToc
	ContainerBadTocVersion
	ContainerUnknownIndexes
	ContainerBadIndexVersion
	ContainerMissingIndexes
)

// String implements fmt.Stringer.
func (s ContainerStatus) String() string {
	switch s {
	case ContainerValid:
		return "valid"
	case ContainerCorrupt:
		return "corrupt"
	case ContainerMissingToc:
		return "missing-toc"
	case ContainerBadTocVersion:
		return "bad-toc-version"
	case ContainerUnknownIndexes:
		return "unknown-indexes"
	case ContainerBadIndexVersion:
		return "bad-index-version"
	case ContainerMissingIndexes:
		return "missing-indexes"
	default:
		return "unknown"
	}
}

type containerToc struct {
	Version int                 `json:"version"`
	Entries []containerTocEntry `json:"entries"`
}

type containerTocEntry struct {
	Partition string `json:"partition"`
	Name      string `json:"name"`
	Version   int    `json:"version"`
}

// IndexContainer bundles every registered secondary index into a single ZIP
// archive. Indexes deserialize lazily on first lookup; a container whose
// status is not valid answers no lookups and waits for a reindex.
type IndexContainer struct {
	status ContainerStatus

	mu      sync.Mutex
	group   singleflight.Group
	indexes map[string]Index
	loaded  map[string]bool
	raw     map[string][]byte
}

// NewIndexContainer returns a fresh, empty container holding every registered
// index.
func NewIndexContainer() *IndexContainer {
	indexes := registeredIndexes()

	loaded := make(map[string]bool, len(indexes))
	for key := range indexes {
		loaded[key] = true
	}

	return &IndexContainer{
		status:  ContainerValid,
		indexes: indexes,
		loaded:  loaded,
	}
}

// OpenIndexContainer reads a serialized container. Opening never fails on
// invalid content; the damage is reported through Status instead, so a broken
// container degrades the store to reindexing rather than breaking it.
func OpenIndexContainer(r io.ReaderAt, size int64) *IndexContainer {
	c := NewIndexContainer()
	c.raw = map[string][]byte{}

	for key := range c.loaded {
		c.loaded[key] = false
	}

	archive, err := zip.NewReader(r, size)
	if err != nil {
		c.status = ContainerCorrupt
		return c
	}

	var tocData []byte

	for _, entry := range archive.File {
		data, err := readZipEntry(entry)
		if err != nil {
			c.status = ContainerCorrupt
			return c
		}

		if entry.Name == containerTocName {
			tocData = data
			continue
		}

		c.raw[entry.Name] = data
	}

	if tocData == nil {
		c.status = ContainerMissingToc
		return c
	}

	var toc containerToc

	err = json.Unmarshal(tocData, &toc)
	if err != nil {
		c.status = ContainerCorrupt
		return c
	}

	if toc.Version != containerTocVersion {
		c.status = ContainerBadTocVersion
		return c
	}

	c.status = c.classify(toc)

	return c
}

// classify compares the TOC against the registered index catalogue.
func (c *IndexContainer) classify(toc containerToc) ContainerStatus {
	present := map[string]bool{}

	for _, entry := range toc.Entries {
		key := indexKey(entry.Partition, entry.Name)

		index, ok := c.indexes[key]
		if !ok {
			return ContainerUnknownIndexes
		}

		if entry.Version != index.Version() {
			return ContainerBadIndexVersion
		}

		if c.raw[key] == nil {
			return ContainerCorrupt
		}

		present[key] = true
	}

	for key := range c.indexes {
		if !present[key] {
			return ContainerMissingIndexes
		}
	}

	return ContainerValid
}

// Status returns the container health determined at open time.
func (c *IndexContainer) Status() ContainerStatus {
	return c.status
}

// IndexPackage fans a newly added package out to every index.
func (c *IndexContainer) IndexPackage(pkg metadata.Package, pkgIndex int) error {
	for _, key := range sortedIndexKeys(c.indexes) {
		index, err := c.loadKey(key)
		if err != nil {
			return err
		}

		err = index.AddPackage(pkg, pkgIndex)
		if err != nil {
			return err
		}
	}

	return nil
}

// Save serializes every index and writes the TOC last.
func (c *IndexContainer) Save(w io.Writer) error {
	archive := zip.NewWriter(w)

	toc := containerToc{Version: containerTocVersion}

	for _, key := range sortedIndexKeys(c.indexes) {
		index, err := c.loadKey(key)
		if err != nil {
			return err
		}

		entry, err := archive.Create(key)
		if err != nil {
			return fmt.Errorf("Failed to create container entry %q: %w", key, err)
		}

		err = index.Encode(entry)
		if err != nil {
			return err
		}

		toc.Entries = append(toc.Entries, containerTocEntry{
			Partition: index.Partition(),
			Name:      index.Name(),
			Version:   index.Version(),
		})
	}

	entry, err := archive.Create(containerTocName)
	if err != nil {
		return fmt.Errorf("Failed to create container TOC: %w", err)
	}

	err = json.NewEncoder(entry).Encode(toc)
	if err != nil {
		return fmt.Errorf("Failed to encode container TOC: %w", err)
	}

	err = archive.Close()
	if err != nil {
		return fmt.Errorf("Failed to finish index container: %w", err)
	}

	return nil
}

// load resolves an index by partition and name, deserializing it on first
// use.
func (c *IndexContainer) load(partition string, name string) (Index, error) {
	return c.loadKey(indexKey(partition, name))
}

func (c *IndexContainer) loadKey(key string) (Index, error) {
	c.mu.Lock()
	index, ok := c.indexes[key]
	loaded := c.loaded[key]
	c.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("%w: no index %q", ErrCorruptStore, key)
	}

	if loaded {
		return index, nil
	}

	_, err, _ := c.group.Do(key, func() (any, error) {
		c.mu.Lock()
		data := c.raw[key]
		c.mu.Unlock()

		if data == nil {
			return nil, fmt.Errorf("%w: index %q has no data", ErrCorruptStore, key)
		}

		err := index.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		c.loaded[key] = true
		c.mu.Unlock()

		return nil, nil
	})
	if err != nil {
		return nil, err
	}

	return index, nil
}

func readZipEntry(entry *zip.File) ([]byte, error) {
	reader, err := entry.Open()
	if err != nil {
		return nil, fmt.Errorf("Failed to open container entry %q: %w", entry.Name, err)
	}

	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("Failed to read container entry %q: %w", entry.Name, err)
	}

	return data, nil
}
