package metadata

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// driverVersionRegex matches a 4-part Windows driver version string.
var driverVersionRegex = regexp.MustCompile(`^(\d+)\.(\d+)\.(\d+)\.(\d+)$`)

// DriverVersion is the versioning information of one driver record. Versions
// compare by date first, then by the packed 4-part version integer.
type DriverVersion struct {
	Date    time.Time `json:"date"`
	Version uint64    `json:"version"`
}

// Compare returns -1, 0 or 1 depending on whether v sorts before, equal to or
// after other.
func (v DriverVersion) Compare(other DriverVersion) int {
	if v.Date.Before(other.Date) {
		return -1
	}

	if v.Date.After(other.Date) {
		return 1
	}

	if v.Version < other.Version {
		return -1
	}

	if v.Version > other.Version {
		return 1
	}

	return 0
}

// PackDriverVersion parses a 4-part driver version string into its packed
// integer form: (major<<48)|(minor<<32)|(revision<<16)|build.
func PackDriverVersion(s string) (uint64, error) {
	match := driverVersionRegex.FindStringSubmatch(s)
	if match == nil {
		return 0, fmt.Errorf("%w: invalid driver version %q", ErrMalformedMetadata, s)
	}

	var parts [4]uint64
	for i, part := range match[1:] {
		value, err := strconv.ParseUint(part, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: invalid driver version %q", ErrMalformedMetadata, s)
		}

		// Each part occupies 16 bits of the packed integer.
		parts[i] = value & 0xffff
	}

	return parts[0]<<48 | parts[1]<<32 | parts[2]<<16 | parts[3], nil
}

// FeatureScore is a per-operating-system driver preference. A lower score
// identifies a better driver.
type FeatureScore struct {
	OperatingSystem string `json:"operatingSystem"`
	Score           uint8  `json:"score"`
}

// DriverMetadata is one hardware-ID applicability record of a driver update.
// A single driver update commonly carries several records, one per supported
// hardware ID.
type DriverMetadata struct {
	HardwareID   string `json:"hardwareId"`
	WhqlDriverID int64  `json:"whqlDriverId,omitempty"`
	Manufacturer string `json:"manufacturer,omitempty"`
	Company      string `json:"company,omitempty"`
	Provider     string `json:"provider,omitempty"`
	Class        string `json:"class,omitempty"`

	Version       DriverVersion  `json:"version"`
	FeatureScores []FeatureScore `json:"featureScores,omitempty"`

	DistributionComputerHWIDs []string `json:"distributionComputerHwIds,omitempty"`
	TargetComputerHWIDs       []string `json:"targetComputerHwIds,omitempty"`
}

// BestFeatureScore returns the record's lowest (best) feature score, if any.
func (d *DriverMetadata) BestFeatureScore() (FeatureScore, bool) {
	if len(d.FeatureScores) == 0 {
		return FeatureScore{}, false
	}

	best := d.FeatureScores[0]
	for _, score := range d.FeatureScores[1:] {
		if score.Score < best.Score {
			best = score
		}
	}

	return best, true
}

// ComputerHWIDs returns the set of computer hardware ids this record targets:
// the intersection of the target and distribution sets when both are present,
// otherwise whichever one is. An empty result means the record is generic.
func (d *DriverMetadata) ComputerHWIDs() []string {
	if len(d.TargetComputerHWIDs) == 0 {
		return d.DistributionComputerHWIDs
	}

	if len(d.DistributionComputerHWIDs) == 0 {
		return d.TargetComputerHWIDs
	}

	dist := map[string]bool{}
	for _, id := range d.DistributionComputerHWIDs {
		dist[id] = true
	}

	var both []string
	for _, id := range d.TargetComputerHWIDs {
		if dist[id] {
			both = append(both, id)
		}
	}

	// Disjoint sets fall back to the union of either.
	if len(both) == 0 {
		return append(append([]string{}, d.TargetComputerHWIDs...), d.DistributionComputerHWIDs...)
	}

	return both
}
