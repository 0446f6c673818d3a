package server

import (
	"github.com/google/uuid"

	"github.com/wsussync/wsussync/metadata"
	"github.com/wsussync/wsussync/serversync"
	"github.com/wsussync/wsussync/store"
)

// servingState is the precomputed answer set of the sync endpoints: the
// category list, the per-product and per-classification update indexes and
// the one-level bundling closure. It is immutable once built; the server
// swaps whole states under its writer lock.
type servingState struct {
	store *store.PackageStore

	categories      []serversync.UpdateIdentity
	products        map[uuid.UUID][]serversync.UpdateIdentity
	classifications map[uuid.UUID][]serversync.UpdateIdentity
	bundled         map[serversync.UpdateIdentity][]serversync.UpdateIdentity
}

// wireIdentity converts a store identity to its wire form.
func wireIdentity(id metadata.PackageIdentity) serversync.UpdateIdentity {
	return serversync.UpdateIdentity{UpdateID: id.UpdateID, RevisionNumber: id.Revision}
}

// buildServingState indexes a package store for serving.
func buildServingState(st *store.PackageStore) (*servingState, error) {
	state := &servingState{
		store:           st,
		products:        map[uuid.UUID][]serversync.UpdateIdentity{},
		classifications: map[uuid.UUID][]serversync.UpdateIdentity{},
		bundled:         map[serversync.UpdateIdentity][]serversync.UpdateIdentity{},
	}

	ids := st.Identities()

	productIDs := map[uuid.UUID]bool{}
	classificationIDs := map[uuid.UUID]bool{}

	for pkgIndex, id := range ids {
		typ, err := st.PackageType(pkgIndex)
		if err != nil {
			return nil, err
		}

		if !typ.IsCategory() {
			continue
		}

		state.categories = append(state.categories, wireIdentity(id))

		switch typ {
		case metadata.PackageTypeProductCategory:
			productIDs[id.UpdateID] = true
		case metadata.PackageTypeClassificationCategory:
			classificationIDs[id.UpdateID] = true
		}
	}

	for pkgIndex, id := range ids {
		typ, err := st.PackageType(pkgIndex)
		if err != nil {
			return nil, err
		}

		if typ != metadata.PackageTypeSoftwareUpdate && typ != metadata.PackageTypeDriverUpdate {
			continue
		}

		wire := wireIdentity(id)

		prereqs, err := st.PackagePrerequisites(pkgIndex)
		if err != nil {
			return nil, err
		}

		// An update belongs to every product and classification any of
		// its simple or category prerequisites references.
		for _, member := range metadata.MembershipIDs(prereqs) {
			if productIDs[member] {
				state.products[member] = append(state.products[member], wire)
			}

			if classificationIDs[member] {
				state.classifications[member] = append(state.classifications[member], wire)
			}
		}

		if typ == metadata.PackageTypeSoftwareUpdate {
			children, err := st.BundledUpdates(pkgIndex)
			if err != nil {
				return nil, err
			}

			for _, child := range children {
				state.bundled[wire] = append(state.bundled[wire], wireIdentity(child))
			}
		}
	}

	return state, nil
}

// revisionsFor answers a GetRevisionIdList update query: the intersection of
// the requested product and classification scopes, expanded by one level of
// bundling so clients always see bundled children.
func (s *servingState) revisionsFor(products []serversync.IdAndDelta, classifications []serversync.IdAndDelta) []serversync.UpdateIdentity {
	inProducts := map[serversync.UpdateIdentity]bool{}
	for _, scope := range products {
		for _, id := range s.products[scope.ID] {
			inProducts[id] = true
		}
	}

	inClassifications := map[serversync.UpdateIdentity]bool{}
	for _, scope := range classifications {
		for _, id := range s.classifications[scope.ID] {
			inClassifications[id] = true
		}
	}

	seen := map[serversync.UpdateIdentity]bool{}

	var result []serversync.UpdateIdentity

	add := func(id serversync.UpdateIdentity) {
		if !seen[id] {
			seen[id] = true
			result = append(result, id)
		}
	}

	for _, id := range s.sortedUpdates(inProducts) {
		if !inClassifications[id] {
			continue
		}

		add(id)

		for _, child := range s.bundled[id] {
			add(child)
		}
	}

	return result
}

// sortedUpdates returns set members in the store's deterministic identity
// order.
func (s *servingState) sortedUpdates(set map[serversync.UpdateIdentity]bool) []serversync.UpdateIdentity {
	ids := make([]metadata.PackageIdentity, 0, len(set))
	for id := range set {
		ids = append(ids, metadata.NewPackageIdentity(metadata.MicrosoftUpdatePartition, id.UpdateID, id.RevisionNumber))
	}

	metadata.SortIdentities(ids)

	wire := make([]serversync.UpdateIdentity, 0, len(ids))
	for _, id := range ids {
		wire = append(wire, wireIdentity(id))
	}

	return wire
}
