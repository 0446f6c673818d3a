package store

import (
	"bytes"
	"io"

	"github.com/google/uuid"

	"github.com/wsussync/wsussync/metadata"
)

// The store is the metadata source of every package it rehydrates. Attribute
// loads answer from the index container when it is valid and fall back to
// re-parsing the raw metadata segment otherwise.

// indexesUsable reports whether index-backed loads may run. The caller must
// hold at least a read lock.
func (s *PackageStore) indexesUsableLocked() bool {
	return !s.reindexRequired
}

// PackageTitle implements metadata.MetadataSource.
func (s *PackageStore) PackageTitle(pkgIndex int) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.indexesUsableLocked() {
		title, ok, err := s.container.Title(pkgIndex)
		if err != nil {
			return "", err
		}

		if ok {
			return title, nil
		}
	}

	pkg, err := s.parsePackageLocked(pkgIndex)
	if err != nil {
		return "", err
	}

	return pkg.Title()
}

// PackageDescription implements metadata.MetadataSource.
func (s *PackageStore) PackageDescription(pkgIndex int) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.indexesUsableLocked() {
		description, ok, err := s.container.Description(pkgIndex)
		if err != nil {
			return "", err
		}

		if ok {
			return description, nil
		}
	}

	pkg, err := s.parsePackageLocked(pkgIndex)
	if err != nil {
		return "", err
	}

	return pkg.Description()
}

// PackageKBArticle implements metadata.MetadataSource. Packages without a KB
// article id return the empty string.
func (s *PackageStore) PackageKBArticle(pkgIndex int) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.indexesUsableLocked() {
		kb, _, err := s.container.KBArticle(pkgIndex)
		if err != nil {
			return "", err
		}

		return kb, nil
	}

	pkg, err := s.parsePackageLocked(pkgIndex)
	if err != nil {
		return "", err
	}

	software, ok := pkg.(*metadata.SoftwareUpdate)
	if !ok {
		return "", nil
	}

	return software.KBArticleID()
}

// PackagePrerequisites implements metadata.MetadataSource.
func (s *PackageStore) PackagePrerequisites(pkgIndex int) ([]metadata.Prerequisite, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.indexesUsableLocked() {
		groups, ok, err := s.container.PrerequisiteGroups(pkgIndex)
		if err != nil {
			return nil, err
		}

		if ok {
			return metadata.PrerequisitesFromGroups(groups), nil
		}
	}

	pkg, err := s.parsePackageLocked(pkgIndex)
	if err != nil {
		return nil, err
	}

	return pkg.Prerequisites()
}

// PackageCategories implements metadata.MetadataSource.
func (s *PackageStore) PackageCategories(pkgIndex int) ([]uuid.UUID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.indexesUsableLocked() {
		categories, ok, err := s.container.Categories(pkgIndex)
		if err != nil {
			return nil, err
		}

		if ok {
			return categories, nil
		}
	}

	pkg, err := s.parsePackageLocked(pkgIndex)
	if err != nil {
		return nil, err
	}

	return pkg.CategoryIDs()
}

// PackageFiles implements metadata.MetadataSource. The file sidecar is
// authoritative since it carries the source URLs the raw metadata lacks.
func (s *PackageStore) PackageFiles(pkgIndex int) ([]metadata.ContentFile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.indexesUsableLocked() {
		files, _, err := s.container.Files(pkgIndex)
		if err != nil {
			return nil, err
		}

		return files, nil
	}

	return s.filesLocked(pkgIndex)
}

// PackageDriverMetadata implements metadata.MetadataSource. Non-driver
// packages return no records.
func (s *PackageStore) PackageDriverMetadata(pkgIndex int) ([]metadata.DriverMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.indexesUsableLocked() {
		records, _, err := s.container.DriverRecords(pkgIndex)
		if err != nil {
			return nil, err
		}

		return records, nil
	}

	pkg, err := s.parsePackageLocked(pkgIndex)
	if err != nil {
		return nil, err
	}

	driver, ok := pkg.(*metadata.DriverUpdate)
	if !ok {
		return nil, nil
	}

	return driver.DriverMetadata()
}

// BundledUpdates returns the identities bundled into a package. Non-bundle
// packages return none.
func (s *PackageStore) BundledUpdates(pkgIndex int) ([]metadata.PackageIdentity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.indexesUsableLocked() {
		return s.container.BundledUpdates(pkgIndex)
	}

	pkg, err := s.parsePackageLocked(pkgIndex)
	if err != nil {
		return nil, err
	}

	software, ok := pkg.(*metadata.SoftwareUpdate)
	if !ok {
		return nil, nil
	}

	return software.BundledUpdates()
}

// PackageMetadata implements metadata.MetadataSource.
func (s *PackageStore) PackageMetadata(pkgIndex int) (io.ReadCloser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	blob, err := s.metadataLocked(pkgIndex)
	if err != nil {
		return nil, err
	}

	return io.NopCloser(bytes.NewReader(blob)), nil
}
