// Package store implements the append-only, delta-segmented package store for
// update metadata, its secondary index container and the filter and driver
// matching queries answered from them.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/wsussync/wsussync/metadata"
)

// ErrUnknownPartition marks persisted state referencing a partition no
// registered factory can serve.
var ErrUnknownPartition = errors.New("Unknown package partition")

// Index is one secondary index of the package store. Indexes are rebuilt from
// the raw metadata segments and serialized into the index container.
type Index interface {
	Partition() string
	Name() string
	Version() int
	AddPackage(pkg metadata.Package, pkgIndex int) error
	Encode(w io.Writer) error
	Decode(r io.Reader) error
}

// Partition describes one package family: how to rehydrate its packages from
// a store and which indexes it contributes to the index container.
type Partition struct {
	Name       string
	NewPackage func(typ metadata.PackageType, id metadata.PackageIdentity, pkgIndex int, source metadata.MetadataSource) metadata.Package
	NewIndexes func() []Index
}

// partitions is the process-wide partition registry. It is populated from
// init functions and immutable afterwards.
var partitions = map[string]Partition{}

// RegisterPartition adds a partition to the registry. It must only be called
// during package initialization.
func RegisterPartition(p Partition) {
	partitions[p.Name] = p
}

// partitionByName resolves a registered partition.
func partitionByName(name string) (Partition, error) {
	p, ok := partitions[name]
	if !ok {
		return Partition{}, fmt.Errorf("%w: %q", ErrUnknownPartition, name)
	}

	return p, nil
}

// registeredIndexes instantiates every index of every registered partition,
// keyed by "partition/name", which is also the entry path inside the index
// container.
func registeredIndexes() map[string]Index {
	indexes := map[string]Index{}

	for _, p := range partitions {
		for _, index := range p.NewIndexes() {
			indexes[indexKey(index.Partition(), index.Name())] = index
		}
	}

	return indexes
}

func indexKey(partition string, name string) string {
	return partition + "/" + name
}

// sortedIndexKeys returns the container entry paths in deterministic order.
func sortedIndexKeys(indexes map[string]Index) []string {
	keys := make([]string, 0, len(indexes))
	for key := range indexes {
		keys = append(keys, key)
	}

	sort.Strings(keys)

	return keys
}

// mapIndex is a map-backed index. The add function extracts the indexed
// attribute from a package; indexes that do not apply to a package type
// simply leave the map untouched.
type mapIndex[K comparable, V any] struct {
	partition string
	name      string
	version   int
	entries   map[K]V
	add       func(entries map[K]V, pkg metadata.Package, pkgIndex int) error
}

// Partition implements Index.
func (i *mapIndex[K, V]) Partition() string {
	return i.partition
}

// Name implements Index.
func (i *mapIndex[K, V]) Name() string {
	return i.name
}

// Version implements Index.
func (i *mapIndex[K, V]) Version() int {
	return i.version
}

// AddPackage implements Index.
func (i *mapIndex[K, V]) AddPackage(pkg metadata.Package, pkgIndex int) error {
	return i.add(i.entries, pkg, pkgIndex)
}

// Encode implements Index.
func (i *mapIndex[K, V]) Encode(w io.Writer) error {
	err := json.NewEncoder(w).Encode(i.entries)
	if err != nil {
		return fmt.Errorf("Failed to encode index %q: %w", i.name, err)
	}

	return nil
}

// Decode implements Index.
func (i *mapIndex[K, V]) Decode(r io.Reader) error {
	entries := map[K]V{}

	err := json.NewDecoder(r).Decode(&entries)
	if err != nil {
		return fmt.Errorf("Failed to decode index %q: %w", i.name, err)
	}

	i.entries = entries

	return nil
}
