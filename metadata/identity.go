// Package metadata models Microsoft Update catalog packages: their
// identities, typed variants, prerequisites, driver applicability records and
// content files, plus the XML parser that extracts them from raw update
// metadata blobs.
package metadata

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// MicrosoftUpdatePartition is the partition name of packages synced from the
// Microsoft Update catalog.
const MicrosoftUpdatePartition = "MicrosoftUpdate"

// PackageIdentity uniquely identifies one revision of one update within a
// partition. Identities are totally ordered by raw GUID bytes, then revision.
type PackageIdentity struct {
	Partition string    `json:"partition"`
	UpdateID  uuid.UUID `json:"updateId"`
	Revision  int32     `json:"revision"`
}

// NewPackageIdentity returns the identity of the given update revision.
func NewPackageIdentity(partition string, updateID uuid.UUID, revision int32) PackageIdentity {
	return PackageIdentity{
		Partition: partition,
		UpdateID:  updateID,
		Revision:  revision,
	}
}

// ParsePackageIdentity parses an identity in its "<GUID>.<revision>" string
// form, as produced by String.
func ParsePackageIdentity(partition string, s string) (PackageIdentity, error) {
	guidPart, revPart, ok := strings.Cut(s, ".")
	if !ok {
		return PackageIdentity{}, fmt.Errorf("Invalid package identity %q: missing revision separator", s)
	}

	updateID, err := uuid.Parse(guidPart)
	if err != nil {
		return PackageIdentity{}, fmt.Errorf("Invalid package identity %q: %w", s, err)
	}

	revision, err := strconv.ParseInt(revPart, 10, 32)
	if err != nil {
		return PackageIdentity{}, fmt.Errorf("Invalid package identity revision %q: %w", revPart, err)
	}

	return NewPackageIdentity(partition, updateID, int32(revision)), nil
}

// String implements fmt.Stringer.
func (i PackageIdentity) String() string {
	return fmt.Sprintf("%s.%d", i.UpdateID, i.Revision)
}

// Compare returns -1, 0 or 1 depending on whether i sorts before, equal to or
// after other. The sort key is the raw GUID bytes followed by the revision.
func (i PackageIdentity) Compare(other PackageIdentity) int {
	c := bytes.Compare(i.UpdateID[:], other.UpdateID[:])
	if c != 0 {
		return c
	}

	if i.Revision < other.Revision {
		return -1
	}

	if i.Revision > other.Revision {
		return 1
	}

	return 0
}

// Equal reports whether both identities match on all three fields.
func (i PackageIdentity) Equal(other PackageIdentity) bool {
	return i.Partition == other.Partition && i.UpdateID == other.UpdateID && i.Revision == other.Revision
}

// IsZero reports whether the identity is the zero value.
func (i PackageIdentity) IsZero() bool {
	return i.Partition == "" && i.UpdateID == uuid.Nil && i.Revision == 0
}

// OpenID returns the partition-prefixed form of the identity, unique across
// partitions and usable as a map key.
func (i PackageIdentity) OpenID() string {
	var buf bytes.Buffer

	buf.WriteString(i.Partition)
	buf.WriteByte(':')
	buf.Write(i.UpdateID[:])

	var rev [4]byte
	binary.BigEndian.PutUint32(rev[:], uint32(i.Revision))
	buf.Write(rev[:])

	return buf.String()
}

// SortIdentities sorts identities in place by their natural order.
func SortIdentities(ids []PackageIdentity) {
	sort.Slice(ids, func(a, b int) bool {
		return ids[a].Compare(ids[b]) < 0
	})
}
