package store

import (
	"strings"

	"github.com/google/uuid"

	"github.com/wsussync/wsussync/metadata"
)

// MetadataFilter selects software and driver updates from a package store.
// Empty fields do not constrain the result; the zero filter matches every
// update.
type MetadataFilter struct {
	// Products keeps updates belonging to any of the given product
	// category ids.
	Products []uuid.UUID `json:"products,omitempty"`

	// Classifications keeps updates belonging to any of the given
	// classification category ids.
	Classifications []uuid.UUID `json:"classifications,omitempty"`

	// Title keeps updates whose title contains every whitespace-separated
	// token, case insensitively.
	Title string `json:"title,omitempty"`

	// IDs keeps only the listed identities.
	IDs []metadata.PackageIdentity `json:"ids,omitempty"`

	// SkipSuperseded drops updates superseded by any other update in the
	// store.
	SkipSuperseded bool `json:"skipSuperseded,omitempty"`

	// SupersededPerPackage annotates each result with the identities of
	// the other updates in the same result set that supersede it.
	SupersededPerPackage bool `json:"supersededPerPackage,omitempty"`

	// FirstX truncates the result to the first X updates in store order.
	FirstX int `json:"firstX,omitempty"`
}

// QueryResult is one update matched by a filter.
type QueryResult struct {
	Package metadata.Package

	// SupersededBy is only filled when the filter requests per-package
	// supersedence.
	SupersededBy []metadata.PackageIdentity
}

// Query evaluates a filter against every software and driver update in the
// store, in package index order.
func (s *PackageStore) Query(filter MetadataFilter) ([]QueryResult, error) {
	s.mu.RLock()
	ids := make([]metadata.PackageIdentity, len(s.identities))
	copy(ids, s.identities)
	types := make([]metadata.PackageType, len(s.types))
	copy(types, s.types)
	s.mu.RUnlock()

	classifications := uuidSet(filter.Classifications)
	products := uuidSet(filter.Products)
	tokens := strings.Fields(strings.ToLower(filter.Title))

	wanted := map[string]bool{}
	for _, id := range filter.IDs {
		wanted[id.OpenID()] = true
	}

	var superseders map[uuid.UUID][]int

	if filter.SkipSuperseded || filter.SupersededPerPackage {
		var err error

		superseders, err = s.supersedersByUpdateID(types)
		if err != nil {
			return nil, err
		}
	}

	var results []QueryResult

	resultIndexes := map[int]bool{}

	for pkgIndex, typ := range types {
		if typ != metadata.PackageTypeSoftwareUpdate && typ != metadata.PackageTypeDriverUpdate {
			continue
		}

		id := ids[pkgIndex]

		partition, err := partitionByName(id.Partition)
		if err != nil {
			return nil, err
		}

		pkg := partition.NewPackage(typ, id, pkgIndex, s)

		if len(classifications) > 0 {
			ok, err := hasAnyCategory(pkg, classifications)
			if err != nil {
				return nil, err
			}

			if !ok {
				continue
			}
		}

		if len(products) > 0 {
			ok, err := hasAnyCategory(pkg, products)
			if err != nil {
				return nil, err
			}

			if !ok {
				continue
			}
		}

		if len(tokens) > 0 {
			title, err := pkg.Title()
			if err != nil {
				return nil, err
			}

			if !containsAllTokens(title, tokens) {
				continue
			}
		}

		if len(wanted) > 0 && !wanted[id.OpenID()] {
			continue
		}

		if filter.SkipSuperseded && isSuperseded(superseders, id, pkgIndex) {
			continue
		}

		results = append(results, QueryResult{Package: pkg})
		resultIndexes[pkgIndex] = true

		if filter.FirstX > 0 && len(results) == filter.FirstX {
			break
		}
	}

	if filter.SupersededPerPackage {
		for n := range results {
			id := results[n].Package.ID()

			for _, pkgIndex := range superseders[id.UpdateID] {
				if pkgIndex == results[n].Package.PackageIndex() || !resultIndexes[pkgIndex] {
					continue
				}

				results[n].SupersededBy = append(results[n].SupersededBy, ids[pkgIndex])
			}

			metadata.SortIdentities(results[n].SupersededBy)
		}
	}

	return results, nil
}

// supersedersByUpdateID maps each superseded update id to the package indexes
// of the updates superseding it. The map is answered from the index container
// when usable, otherwise by parsing every software update.
func (s *PackageStore) supersedersByUpdateID(types []metadata.PackageType) (map[uuid.UUID][]int, error) {
	superseders := map[uuid.UUID][]int{}

	if !s.IsReindexingRequired() {
		all, err := s.container.AllSuperseding()
		if err != nil {
			return nil, err
		}

		for pkgIndex, superseded := range all {
			for _, id := range superseded {
				superseders[id] = append(superseders[id], pkgIndex)
			}
		}

		return superseders, nil
	}

	for pkgIndex, typ := range types {
		if typ != metadata.PackageTypeSoftwareUpdate {
			continue
		}

		pkg, err := s.parsePackage(pkgIndex)
		if err != nil {
			return nil, err
		}

		software, ok := pkg.(*metadata.SoftwareUpdate)
		if !ok {
			continue
		}

		superseded, err := software.SupersededIDs()
		if err != nil {
			return nil, err
		}

		for _, id := range superseded {
			superseders[id] = append(superseders[id], pkgIndex)
		}
	}

	return superseders, nil
}

// parsePackage is the lock-taking wrapper around parsePackageLocked.
func (s *PackageStore) parsePackage(pkgIndex int) (metadata.Package, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.parsePackageLocked(pkgIndex)
}

// isSuperseded reports whether another package supersedes the update.
func isSuperseded(superseders map[uuid.UUID][]int, id metadata.PackageIdentity, pkgIndex int) bool {
	for _, other := range superseders[id.UpdateID] {
		if other != pkgIndex {
			return true
		}
	}

	return false
}

// hasAnyCategory reports whether the package belongs to any of the given
// categories.
func hasAnyCategory(pkg metadata.Package, set map[uuid.UUID]bool) (bool, error) {
	categories, err := pkg.CategoryIDs()
	if err != nil {
		return false, err
	}

	for _, id := range categories {
		if set[id] {
			return true, nil
		}
	}

	return false, nil
}

// containsAllTokens reports whether the lowercased title contains every token.
func containsAllTokens(title string, tokens []string) bool {
	title = strings.ToLower(title)

	for _, token := range tokens {
		if !strings.Contains(title, token) {
			return false
		}
	}

	return true
}

// uuidSet converts an id list to a membership set.
func uuidSet(ids []uuid.UUID) map[uuid.UUID]bool {
	set := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}

	return set
}
