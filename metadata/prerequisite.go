package metadata

import (
	"github.com/google/uuid"
)

// Prerequisite is one entry of a package's prerequisite list: either a single
// required update or a group of alternatives.
type Prerequisite interface {
	prerequisite()
}

// Simple requires one specific update to be present.
type Simple struct {
	UpdateID uuid.UUID
}

func (Simple) prerequisite() {}

// AtLeastOne requires any one of a group of updates to be present. Category
// groups carry product/classification taxonomy instead of applicability.
type AtLeastOne struct {
	UpdateIDs  []uuid.UUID
	IsCategory bool
}

func (AtLeastOne) prerequisite() {}

// IsApplicable evaluates prerequisite arithmetic against a set of installed
// update ids: every Simple must be installed and every non-category
// AtLeastOne group must intersect the installed set.
func IsApplicable(prereqs []Prerequisite, installed map[uuid.UUID]bool) bool {
	for _, prereq := range prereqs {
		switch p := prereq.(type) {
		case Simple:
			if !installed[p.UpdateID] {
				return false
			}

		case AtLeastOne:
			if p.IsCategory {
				continue
			}

			found := false
			for _, id := range p.UpdateIDs {
				if installed[id] {
					found = true
					break
				}
			}

			if !found {
				return false
			}
		}
	}

	return true
}

// CategoryIDs returns the union of update ids inside category groups,
// order-preserving and deduplicated.
func CategoryIDs(prereqs []Prerequisite) []uuid.UUID {
	var ids []uuid.UUID

	seen := map[uuid.UUID]bool{}
	for _, prereq := range prereqs {
		group, ok := prereq.(AtLeastOne)
		if !ok || !group.IsCategory {
			continue
		}

		for _, id := range group.UpdateIDs {
			if seen[id] {
				continue
			}

			seen[id] = true
			ids = append(ids, id)
		}
	}

	return ids
}

// MembershipIDs returns every update id a package may be bucketed under when
// building product and classification indexes: simple prerequisites plus the
// members of category groups.
func MembershipIDs(prereqs []Prerequisite) []uuid.UUID {
	var ids []uuid.UUID

	seen := map[uuid.UUID]bool{}
	add := func(id uuid.UUID) {
		if seen[id] {
			return
		}

		seen[id] = true
		ids = append(ids, id)
	}

	for _, prereq := range prereqs {
		switch p := prereq.(type) {
		case Simple:
			add(p.UpdateID)

		case AtLeastOne:
			if !p.IsCategory {
				continue
			}

			for _, id := range p.UpdateIDs {
				add(id)
			}
		}
	}

	return ids
}

// FlattenPrerequisites encodes a prerequisite list as GUID groups for index
// storage. Category groups are marked with a leading zero GUID sentinel.
func FlattenPrerequisites(prereqs []Prerequisite) [][]uuid.UUID {
	groups := make([][]uuid.UUID, 0, len(prereqs))

	for _, prereq := range prereqs {
		switch p := prereq.(type) {
		case Simple:
			groups = append(groups, []uuid.UUID{p.UpdateID})

		case AtLeastOne:
			group := make([]uuid.UUID, 0, len(p.UpdateIDs)+1)
			if p.IsCategory {
				group = append(group, uuid.Nil)
			}

			group = append(group, p.UpdateIDs...)
			groups = append(groups, group)
		}
	}

	return groups
}

// PrerequisitesFromGroups is the inverse of FlattenPrerequisites. Groups of
// one id decode as Simple, everything else as AtLeastOne.
func PrerequisitesFromGroups(groups [][]uuid.UUID) []Prerequisite {
	prereqs := make([]Prerequisite, 0, len(groups))

	for _, group := range groups {
		if len(group) == 0 {
			continue
		}

		if group[0] == uuid.Nil {
			prereqs = append(prereqs, AtLeastOne{UpdateIDs: group[1:], IsCategory: true})
			continue
		}

		if len(group) == 1 {
			prereqs = append(prereqs, Simple{UpdateID: group[0]})
			continue
		}

		prereqs = append(prereqs, AtLeastOne{UpdateIDs: group})
	}

	return prereqs
}
