package store

import (
	"strings"

	"github.com/google/uuid"

	"github.com/wsussync/wsussync/metadata"
)

// DriverMatch is the driver update selected for a device.
type DriverMatch struct {
	Identity metadata.PackageIdentity
	Record   metadata.DriverMetadata
}

// candidateRecord pairs a driver record with the package carrying it.
type candidateRecord struct {
	pkgIndex int
	identity metadata.PackageIdentity
	record   metadata.DriverMetadata
}

// MatchDriver selects the best driver update for a device. The device's
// hardware ids are ordered from most to least specific; the first hardware id
// with any applicable driver wins. Among those drivers, the machine's
// computer hardware ids are walked in order and the first id any record
// targets settles the match, ties breaking by feature score then driver
// version. Only when no record targets the machine do generic records apply,
// compared by driver version alone.
func (s *PackageStore) MatchDriver(hardwareIDs []string, computerHardwareIDs []string, installed []uuid.UUID) (*DriverMatch, error) {
	installedSet := make(map[uuid.UUID]bool, len(installed))
	for _, id := range installed {
		installedSet[id] = true
	}

	byHardwareID, err := s.driverRecordsByHardwareID(installedSet)
	if err != nil {
		return nil, err
	}

	for _, hardwareID := range hardwareIDs {
		candidates := byHardwareID[strings.ToLower(hardwareID)]
		if len(candidates) == 0 {
			continue
		}

		for _, computerID := range computerHardwareIDs {
			var targeted []candidateRecord

			for _, candidate := range candidates {
				if targetsComputer(candidate.record, computerID) {
					targeted = append(targeted, candidate)
				}
			}

			best := bestCandidate(targeted)
			if best != nil {
				return &DriverMatch{Identity: best.identity, Record: best.record}, nil
			}
		}

		var generic []candidateRecord

		for _, candidate := range candidates {
			if len(candidate.record.ComputerHWIDs()) == 0 {
				generic = append(generic, candidate)
			}
		}

		best := bestByVersion(generic)
		if best != nil {
			return &DriverMatch{Identity: best.identity, Record: best.record}, nil
		}
	}

	return nil, nil
}

// targetsComputer reports whether the record targets the given computer
// hardware id.
func targetsComputer(record metadata.DriverMetadata, computerID string) bool {
	for _, hwid := range record.ComputerHWIDs() {
		if strings.EqualFold(hwid, computerID) {
			return true
		}
	}

	return false
}

// driverRecordsByHardwareID collects every applicable driver record, keyed by
// lowercased hardware id. Records of drivers whose prerequisites the device
// does not satisfy are dropped.
func (s *PackageStore) driverRecordsByHardwareID(installed map[uuid.UUID]bool) (map[string][]candidateRecord, error) {
	s.mu.RLock()
	ids := make([]metadata.PackageIdentity, len(s.identities))
	copy(ids, s.identities)
	types := make([]metadata.PackageType, len(s.types))
	copy(types, s.types)
	s.mu.RUnlock()

	byHardwareID := map[string][]candidateRecord{}

	for pkgIndex, typ := range types {
		if typ != metadata.PackageTypeDriverUpdate {
			continue
		}

		records, err := s.PackageDriverMetadata(pkgIndex)
		if err != nil {
			return nil, err
		}

		if len(records) == 0 {
			continue
		}

		prereqs, err := s.PackagePrerequisites(pkgIndex)
		if err != nil {
			return nil, err
		}

		if !metadata.IsApplicable(prereqs, installed) {
			continue
		}

		for _, record := range records {
			key := strings.ToLower(record.HardwareID)
			byHardwareID[key] = append(byHardwareID[key], candidateRecord{
				pkgIndex: pkgIndex,
				identity: ids[pkgIndex],
				record:   record,
			})
		}
	}

	return byHardwareID, nil
}

// bestByVersion picks the newest record of a candidate set by driver version
// alone, ignoring feature scores.
func bestByVersion(candidates []candidateRecord) *candidateRecord {
	if len(candidates) == 0 {
		return nil
	}

	best := candidates[0]

	for _, candidate := range candidates[1:] {
		if candidate.record.Version.Compare(best.record.Version) > 0 {
			best = candidate
		}
	}

	return &best
}

// bestCandidate picks the preferred record of a candidate set. When any
// candidate carries feature scores the lowest score wins, otherwise the
// newest driver version does.
func bestCandidate(candidates []candidateRecord) *candidateRecord {
	if len(candidates) == 0 {
		return nil
	}

	scored := false
	for _, candidate := range candidates {
		_, ok := candidate.record.BestFeatureScore()
		if ok {
			scored = true
			break
		}
	}

	best := candidates[0]

	for _, candidate := range candidates[1:] {
		if scored {
			if betterFeatureScore(candidate.record, best.record) {
				best = candidate
			}

			continue
		}

		if candidate.record.Version.Compare(best.record.Version) > 0 {
			best = candidate
		}
	}

	return &best
}

// betterFeatureScore reports whether a beats b on feature scores. A record
// without scores loses against one with scores.
func betterFeatureScore(a metadata.DriverMetadata, b metadata.DriverMetadata) bool {
	scoreA, okA := a.BestFeatureScore()
	scoreB, okB := b.BestFeatureScore()

	if !okA {
		return false
	}

	if !okB {
		return true
	}

	return scoreA.Score < scoreB.Score
}
