package store

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/wsussync/wsussync/metadata"
)

// Index names of the MicrosoftUpdate partition. The names are part of the
// on-disk container format and must not change.
const (
	IndexTitles         = "mu-titles"
	IndexDescriptions   = "mu-descriptions"
	IndexCategories     = "mu-categories"
	IndexPrerequisites  = "mu-prerequisites"
	IndexFiles          = "mu-files"
	IndexKBArticle      = "mu-kbarticle"
	IndexIsBundle       = "mu-is-bundle"
	IndexBundledWith    = "mu-bundled-with"
	IndexIsSuperseded   = "mu-is-superseded"
	IndexIsSuperseding  = "mu-is-superseding"
	IndexDriverMetadata = "mu-driver-metadata"
)

func init() {
	RegisterPartition(Partition{
		Name:       metadata.MicrosoftUpdatePartition,
		NewPackage: metadata.NewPackage,
		NewIndexes: newMicrosoftUpdateIndexes,
	})
}

func newMicrosoftUpdateIndexes() []Index {
	return []Index{
		newMUIndex(IndexTitles, func(entries map[int]string, pkg metadata.Package, pkgIndex int) error {
			title, err := pkg.Title()
			if err != nil {
				return err
			}

			entries[pkgIndex] = title

			return nil
		}),

		newMUIndex(IndexDescriptions, func(entries map[int]string, pkg metadata.Package, pkgIndex int) error {
			description, err := pkg.Description()
			if err != nil {
				return err
			}

			entries[pkgIndex] = description

			return nil
		}),

		newMUIndex(IndexCategories, func(entries map[int][]uuid.UUID, pkg metadata.Package, pkgIndex int) error {
			categories, err := pkg.CategoryIDs()
			if err != nil {
				return err
			}

			entries[pkgIndex] = categories

			return nil
		}),

		newMUIndex(IndexPrerequisites, func(entries map[int][][]uuid.UUID, pkg metadata.Package, pkgIndex int) error {
			prereqs, err := pkg.Prerequisites()
			if err != nil {
				return err
			}

			entries[pkgIndex] = metadata.FlattenPrerequisites(prereqs)

			return nil
		}),

		newMUIndex(IndexFiles, func(entries map[int][]metadata.ContentFile, pkg metadata.Package, pkgIndex int) error {
			files, err := pkg.Files()
			if err != nil {
				return err
			}

			if len(files) > 0 {
				entries[pkgIndex] = files
			}

			return nil
		}),

		newMUIndex(IndexKBArticle, func(entries map[int]string, pkg metadata.Package, pkgIndex int) error {
			software, ok := pkg.(*metadata.SoftwareUpdate)
			if !ok {
				return nil
			}

			kb, err := software.KBArticleID()
			if err != nil {
				return err
			}

			if kb != "" {
				entries[pkgIndex] = kb
			}

			return nil
		}),

		newMUIndex(IndexIsBundle, func(entries map[int][]metadata.PackageIdentity, pkg metadata.Package, pkgIndex int) error {
			software, ok := pkg.(*metadata.SoftwareUpdate)
			if !ok {
				return nil
			}

			bundled, err := software.BundledUpdates()
			if err != nil {
				return err
			}

			if len(bundled) > 0 {
				entries[pkgIndex] = bundled
			}

			return nil
		}),

		newMUIndex(IndexBundledWith, func(entries map[string][]int, pkg metadata.Package, pkgIndex int) error {
			software, ok := pkg.(*metadata.SoftwareUpdate)
			if !ok {
				return nil
			}

			bundled, err := software.BundledUpdates()
			if err != nil {
				return err
			}

			for _, child := range bundled {
				entries[child.String()] = append(entries[child.String()], pkgIndex)
			}

			return nil
		}),

		newMUIndex(IndexIsSuperseded, func(entries map[uuid.UUID][]int, pkg metadata.Package, pkgIndex int) error {
			software, ok := pkg.(*metadata.SoftwareUpdate)
			if !ok {
				return nil
			}

			superseded, err := software.SupersededIDs()
			if err != nil {
				return err
			}

			for _, id := range superseded {
				entries[id] = append(entries[id], pkgIndex)
			}

			return nil
		}),

		newMUIndex(IndexIsSuperseding, func(entries map[int][]uuid.UUID, pkg metadata.Package, pkgIndex int) error {
			software, ok := pkg.(*metadata.SoftwareUpdate)
			if !ok {
				return nil
			}

			superseded, err := software.SupersededIDs()
			if err != nil {
				return err
			}

			if len(superseded) > 0 {
				entries[pkgIndex] = superseded
			}

			return nil
		}),

		newMUIndex(IndexDriverMetadata, func(entries map[int][]metadata.DriverMetadata, pkg metadata.Package, pkgIndex int) error {
			driver, ok := pkg.(*metadata.DriverUpdate)
			if !ok {
				return nil
			}

			records, err := driver.DriverMetadata()
			if err != nil {
				return err
			}

			if len(records) > 0 {
				entries[pkgIndex] = records
			}

			return nil
		}),
	}
}

// newMUIndex builds a map index of the MicrosoftUpdate partition.
func newMUIndex[K comparable, V any](name string, add func(entries map[K]V, pkg metadata.Package, pkgIndex int) error) Index {
	return &mapIndex[K, V]{
		partition: metadata.MicrosoftUpdatePartition,
		name:      name,
		version:   1,
		entries:   map[K]V{},
		add:       add,
	}
}

// muEntries loads a MicrosoftUpdate index and returns its entry map.
func muEntries[K comparable, V any](c *IndexContainer, name string) (map[K]V, error) {
	index, err := c.load(metadata.MicrosoftUpdatePartition, name)
	if err != nil {
		return nil, err
	}

	typed, ok := index.(*mapIndex[K, V])
	if !ok {
		return nil, fmt.Errorf("%w: index %q has unexpected shape", ErrCorruptStore, name)
	}

	return typed.entries, nil
}

// Title returns the indexed title of a package.
func (c *IndexContainer) Title(pkgIndex int) (string, bool, error) {
	entries, err := muEntries[int, string](c, IndexTitles)
	if err != nil {
		return "", false, err
	}

	title, ok := entries[pkgIndex]

	return title, ok, nil
}

// Description returns the indexed description of a package.
func (c *IndexContainer) Description(pkgIndex int) (string, bool, error) {
	entries, err := muEntries[int, string](c, IndexDescriptions)
	if err != nil {
		return "", false, err
	}

	description, ok := entries[pkgIndex]

	return description, ok, nil
}

// KBArticle returns the indexed KB article id of a package.
func (c *IndexContainer) KBArticle(pkgIndex int) (string, bool, error) {
	entries, err := muEntries[int, string](c, IndexKBArticle)
	if err != nil {
		return "", false, err
	}

	kb, ok := entries[pkgIndex]

	return kb, ok, nil
}

// Categories returns the indexed category ids of a package.
func (c *IndexContainer) Categories(pkgIndex int) ([]uuid.UUID, bool, error) {
	entries, err := muEntries[int, []uuid.UUID](c, IndexCategories)
	if err != nil {
		return nil, false, err
	}

	categories, ok := entries[pkgIndex]

	return categories, ok, nil
}

// PrerequisiteGroups returns the indexed prerequisite groups of a package, in
// their flattened GUID-group form.
func (c *IndexContainer) PrerequisiteGroups(pkgIndex int) ([][]uuid.UUID, bool, error) {
	entries, err := muEntries[int, [][]uuid.UUID](c, IndexPrerequisites)
	if err != nil {
		return nil, false, err
	}

	groups, ok := entries[pkgIndex]

	return groups, ok, nil
}

// Files returns the indexed content files of a package.
func (c *IndexContainer) Files(pkgIndex int) ([]metadata.ContentFile, bool, error) {
	entries, err := muEntries[int, []metadata.ContentFile](c, IndexFiles)
	if err != nil {
		return nil, false, err
	}

	files, ok := entries[pkgIndex]

	return files, ok, nil
}

// BundledUpdates returns the identities bundled into the given package.
func (c *IndexContainer) BundledUpdates(pkgIndex int) ([]metadata.PackageIdentity, error) {
	entries, err := muEntries[int, []metadata.PackageIdentity](c, IndexIsBundle)
	if err != nil {
		return nil, err
	}

	return entries[pkgIndex], nil
}

// BundleParents returns the package indexes of bundles containing the given
// identity.
func (c *IndexContainer) BundleParents(id metadata.PackageIdentity) ([]int, error) {
	entries, err := muEntries[string, []int](c, IndexBundledWith)
	if err != nil {
		return nil, err
	}

	return entries[id.String()], nil
}

// SupersedingPackages returns the package indexes of updates superseding the
// given update id.
func (c *IndexContainer) SupersedingPackages(id uuid.UUID) ([]int, error) {
	entries, err := muEntries[uuid.UUID, []int](c, IndexIsSuperseded)
	if err != nil {
		return nil, err
	}

	return entries[id], nil
}

// SupersededIDs returns the update ids the given package supersedes.
func (c *IndexContainer) SupersededIDs(pkgIndex int) ([]uuid.UUID, error) {
	entries, err := muEntries[int, []uuid.UUID](c, IndexIsSuperseding)
	if err != nil {
		return nil, err
	}

	return entries[pkgIndex], nil
}

// AllSuperseding returns the whole pkgIndex to superseded-ids map.
func (c *IndexContainer) AllSuperseding() (map[int][]uuid.UUID, error) {
	return muEntries[int, []uuid.UUID](c, IndexIsSuperseding)
}

// DriverRecords returns the indexed hardware applicability records of a
// driver update.
func (c *IndexContainer) DriverRecords(pkgIndex int) ([]metadata.DriverMetadata, bool, error) {
	entries, err := muEntries[int, []metadata.DriverMetadata](c, IndexDriverMetadata)
	if err != nil {
		return nil, false, err
	}

	records, ok := entries[pkgIndex]

	return records, ok, nil
}

// AllDriverRecords returns the whole pkgIndex to driver-records map.
func (c *IndexContainer) AllDriverRecords() (map[int][]metadata.DriverMetadata, error) {
	return muEntries[int, []metadata.DriverMetadata](c, IndexDriverMetadata)
}
