package metadata

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
)

// ErrMalformedMetadata marks update metadata that fails to parse.
var ErrMalformedMetadata = errors.New("Malformed update metadata")

// ErrMissingMetadata marks a package whose raw metadata is neither retained
// in memory nor reachable through a metadata source.
var ErrMissingMetadata = errors.New("Missing raw update metadata")

// PackageType discriminates the package variants of the MicrosoftUpdate
// partition.
type PackageType int

// Package types, in partition order.
const (
	PackageTypeDetectoid PackageType = iota
	PackageTypeProductCategory
	PackageTypeClassificationCategory
	PackageTypeSoftwareUpdate
	PackageTypeDriverUpdate
)

// String implements fmt.Stringer.
func (t PackageType) String() string {
	switch t {
	case PackageTypeDetectoid:
		return "detectoid"
	case PackageTypeProductCategory:
		return "product-category"
	case PackageTypeClassificationCategory:
		return "classification-category"
	case PackageTypeSoftwareUpdate:
		return "software-update"
	case PackageTypeDriverUpdate:
		return "driver-update"
	default:
		return "unknown"
	}
}

// ParsePackageType is the inverse of PackageType.String.
func ParsePackageType(s string) (PackageType, error) {
	switch s {
	case "detectoid":
		return PackageTypeDetectoid, nil
	case "product-category":
		return PackageTypeProductCategory, nil
	case "classification-category":
		return PackageTypeClassificationCategory, nil
	case "software-update":
		return PackageTypeSoftwareUpdate, nil
	case "driver-update":
		return PackageTypeDriverUpdate, nil
	default:
		return 0, fmt.Errorf("Unknown package type %q", s)
	}
}

// IsCategory reports whether the type is one of the category variants used to
// bucket updates rather than install anything.
func (t PackageType) IsCategory() bool {
	return t == PackageTypeDetectoid || t == PackageTypeProductCategory || t == PackageTypeClassificationCategory
}

// MetadataSource supplies lazily loaded attributes for packages rehydrated
// from a package store. Implementations answer from their secondary indexes
// when those are valid and fall back to parsing the raw metadata otherwise.
type MetadataSource interface {
	PackageTitle(pkgIndex int) (string, error)
	PackageDescription(pkgIndex int) (string, error)
	PackageKBArticle(pkgIndex int) (string, error)
	PackagePrerequisites(pkgIndex int) ([]Prerequisite, error)
	PackageCategories(pkgIndex int) ([]uuid.UUID, error)
	PackageFiles(pkgIndex int) ([]ContentFile, error)
	PackageDriverMetadata(pkgIndex int) ([]DriverMetadata, error)
	PackageMetadata(pkgIndex int) (io.ReadCloser, error)
}

// Package is one revision of one update in the catalog. Attribute getters
// may lazily consult the package's metadata source or raw metadata, so they
// return errors. A Package is not safe for concurrent use.
type Package interface {
	ID() PackageIdentity
	Type() PackageType
	PackageIndex() int
	Title() (string, error)
	Description() (string, error)
	CreationDate() (time.Time, error)
	Prerequisites() ([]Prerequisite, error)
	CategoryIDs() ([]uuid.UUID, error)
	Files() ([]ContentFile, error)
	Metadata() (io.ReadCloser, error)
	ReleaseRawMetadata()

	// base seals the interface to the variants of this package.
	base() *update
}

// Detectoid is a category evaluated for applicability only.
type Detectoid struct {
	update
}

// ProductCategory buckets updates by product.
type ProductCategory struct {
	update
}

// ClassificationCategory buckets updates by classification.
type ClassificationCategory struct {
	update
}

// SoftwareUpdate is an installable software update.
type SoftwareUpdate struct {
	update
}

// DriverUpdate is an installable driver with per-hardware-ID applicability
// records.
type DriverUpdate struct {
	update
}

// NewPackage returns an empty package of the given type whose attributes
// load lazily from the metadata source. It is the rehydration constructor
// used by package stores.
func NewPackage(typ PackageType, id PackageIdentity, pkgIndex int, source MetadataSource) Package {
	base := update{id: id, typ: typ, pkgIndex: pkgIndex, source: source}

	switch typ {
	case PackageTypeProductCategory:
		return &ProductCategory{update: base}
	case PackageTypeClassificationCategory:
		return &ClassificationCategory{update: base}
	case PackageTypeSoftwareUpdate:
		return &SoftwareUpdate{update: base}
	case PackageTypeDriverUpdate:
		return &DriverUpdate{update: base}
	default:
		return &Detectoid{update: base}
	}
}

// update carries the attributes shared by every package variant. Fields load
// lazily: first from the in-memory cache, then from the metadata source's
// indexes, finally by re-parsing the raw metadata.
type update struct {
	id       PackageIdentity
	typ      PackageType
	pkgIndex int
	source   MetadataSource

	// raw holds the gzip-compressed metadata XML until released.
	raw []byte

	materialized bool

	title          string
	titleOK        bool
	description    string
	descriptionOK  bool
	creationDate   time.Time
	creationOK     bool
	kbArticle      string
	kbArticleOK    bool
	prereqs        []Prerequisite
	prereqsOK      bool
	categories     []uuid.UUID
	categoriesOK   bool
	files          []ContentFile
	filesOK        bool
	superseded     []uuid.UUID
	supersededOK   bool
	bundled        []PackageIdentity
	bundledOK      bool
	drivers        []DriverMetadata
	driversOK      bool
}

// ID returns the package identity.
func (u *update) ID() PackageIdentity {
	return u.id
}

// Type returns the package type.
func (u *update) Type() PackageType {
	return u.typ
}

// PackageIndex returns the package's index within its store, or -1 for
// packages parsed directly from upstream metadata.
func (u *update) PackageIndex() int {
	return u.pkgIndex
}

// Title returns the English title.
func (u *update) Title() (string, error) {
	if u.titleOK {
		return u.title, nil
	}

	if u.source != nil {
		title, err := u.source.PackageTitle(u.pkgIndex)
		if err != nil {
			return "", err
		}

		u.title, u.titleOK = title, true
		return title, nil
	}

	err := u.materialize()
	if err != nil {
		return "", err
	}

	return u.title, nil
}

// Description returns the English description, which may be empty.
func (u *update) Description() (string, error) {
	if u.descriptionOK {
		return u.description, nil
	}

	if u.source != nil {
		description, err := u.source.PackageDescription(u.pkgIndex)
		if err != nil {
			return "", err
		}

		u.description, u.descriptionOK = description, true
		return description, nil
	}

	err := u.materialize()
	if err != nil {
		return "", err
	}

	return u.description, nil
}

// CreationDate returns the metadata creation date, or the zero time when the
// metadata does not carry one.
func (u *update) CreationDate() (time.Time, error) {
	if u.creationOK {
		return u.creationDate, nil
	}

	err := u.materialize()
	if err != nil {
		return time.Time{}, err
	}

	return u.creationDate, nil
}

// Prerequisites returns the package's prerequisite list.
func (u *update) Prerequisites() ([]Prerequisite, error) {
	if u.prereqsOK {
		return u.prereqs, nil
	}

	if u.source != nil {
		prereqs, err := u.source.PackagePrerequisites(u.pkgIndex)
		if err != nil {
			return nil, err
		}

		u.prereqs, u.prereqsOK = prereqs, true
		return prereqs, nil
	}

	err := u.materialize()
	if err != nil {
		return nil, err
	}

	return u.prereqs, nil
}

// CategoryIDs returns the category ids derived from the package's category
// prerequisite groups.
func (u *update) CategoryIDs() ([]uuid.UUID, error) {
	if u.categoriesOK {
		return u.categories, nil
	}

	if u.source != nil {
		categories, err := u.source.PackageCategories(u.pkgIndex)
		if err != nil {
			return nil, err
		}

		u.categories, u.categoriesOK = categories, true
		return categories, nil
	}

	prereqs, err := u.Prerequisites()
	if err != nil {
		return nil, err
	}

	u.categories, u.categoriesOK = CategoryIDs(prereqs), true
	return u.categories, nil
}

// Files returns the package's content files.
func (u *update) Files() ([]ContentFile, error) {
	if u.filesOK {
		return u.files, nil
	}

	if u.source != nil {
		files, err := u.source.PackageFiles(u.pkgIndex)
		if err != nil {
			return nil, err
		}

		u.files, u.filesOK = files, true
		return files, nil
	}

	err := u.materialize()
	if err != nil {
		return nil, err
	}

	return u.files, nil
}

// Metadata returns a reader over the package's raw metadata XML.
func (u *update) Metadata() (io.ReadCloser, error) {
	if u.raw != nil {
		reader, err := gzip.NewReader(bytes.NewReader(u.raw))
		if err != nil {
			return nil, fmt.Errorf("Failed to decompress metadata of %q: %w", u.id, err)
		}

		return reader, nil
	}

	if u.source != nil {
		return u.source.PackageMetadata(u.pkgIndex)
	}

	return nil, fmt.Errorf("%w: %s", ErrMissingMetadata, u.id)
}

// ReleaseRawMetadata drops the retained raw metadata bytes. Packages backed
// by a store keep answering through it; detached packages only retain what
// was already loaded.
func (u *update) ReleaseRawMetadata() {
	u.raw = nil
}

// materialize re-parses the raw metadata and fills every attribute that is
// not already cached.
func (u *update) materialize() error {
	if u.materialized {
		return nil
	}

	reader, err := u.Metadata()
	if err != nil {
		return err
	}

	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return fmt.Errorf("Failed to read metadata of %q: %w", u.id, err)
	}

	parsed, err := ParsePackage(u.id, data, nil)
	if err != nil {
		return err
	}

	u.adopt(parsed.base())
	u.materialized = true

	return nil
}

// adopt copies every attribute that is not already cached from a freshly
// parsed base. Cached attributes win because index-backed loads carry
// information (like file source URLs) the raw metadata alone does not.
func (u *update) adopt(parsed *update) {
	if !u.titleOK {
		u.title, u.titleOK = parsed.title, true
	}

	if !u.descriptionOK {
		u.description, u.descriptionOK = parsed.description, true
	}

	if !u.creationOK {
		u.creationDate, u.creationOK = parsed.creationDate, true
	}

	if !u.kbArticleOK {
		u.kbArticle, u.kbArticleOK = parsed.kbArticle, true
	}

	if !u.prereqsOK {
		u.prereqs, u.prereqsOK = parsed.prereqs, true
	}

	if !u.categoriesOK {
		u.categories, u.categoriesOK = parsed.categories, true
	}

	if !u.filesOK {
		u.files, u.filesOK = parsed.files, true
	}

	if !u.supersededOK {
		u.superseded, u.supersededOK = parsed.superseded, true
	}

	if !u.bundledOK {
		u.bundled, u.bundledOK = parsed.bundled, true
	}

	if !u.driversOK {
		u.drivers, u.driversOK = parsed.drivers, true
	}
}

// base exposes the embedded update to the parser and variants.
func (u *update) base() *update {
	return u
}

// KBArticleID returns the update's knowledge base article id, which may be
// empty.
func (s *SoftwareUpdate) KBArticleID() (string, error) {
	if s.kbArticleOK {
		return s.kbArticle, nil
	}

	if s.source != nil {
		kb, err := s.source.PackageKBArticle(s.pkgIndex)
		if err != nil {
			return "", err
		}

		s.kbArticle, s.kbArticleOK = kb, true
		return kb, nil
	}

	err := s.materialize()
	if err != nil {
		return "", err
	}

	return s.kbArticle, nil
}

// SupersededIDs returns the update ids this update supersedes.
func (s *SoftwareUpdate) SupersededIDs() ([]uuid.UUID, error) {
	if s.supersededOK {
		return s.superseded, nil
	}

	err := s.materialize()
	if err != nil {
		return nil, err
	}

	return s.superseded, nil
}

// BundledUpdates returns the identities of the updates bundled into this one.
func (s *SoftwareUpdate) BundledUpdates() ([]PackageIdentity, error) {
	if s.bundledOK {
		return s.bundled, nil
	}

	err := s.materialize()
	if err != nil {
		return nil, err
	}

	return s.bundled, nil
}

// DriverMetadata returns the update's hardware applicability records.
func (d *DriverUpdate) DriverMetadata() ([]DriverMetadata, error) {
	if d.driversOK {
		return d.drivers, nil
	}

	if d.source != nil {
		drivers, err := d.source.PackageDriverMetadata(d.pkgIndex)
		if err != nil {
			return nil, err
		}

		d.drivers, d.driversOK = drivers, true
		return drivers, nil
	}

	err := d.materialize()
	if err != nil {
		return nil, err
	}

	return d.drivers, nil
}

// compressMetadata gzips a raw metadata document for in-process retention.
func compressMetadata(data []byte) ([]byte, error) {
	var buf bytes.Buffer

	writer := gzip.NewWriter(&buf)

	_, err := writer.Write(data)
	if err != nil {
		return nil, fmt.Errorf("Failed to compress metadata: %w", err)
	}

	err = writer.Close()
	if err != nil {
		return nil, fmt.Errorf("Failed to compress metadata: %w", err)
	}

	return buf.Bytes(), nil
}

// DecompressMetadata inflates a gzip-compressed metadata document.
func DecompressMetadata(data []byte) ([]byte, error) {
	reader, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("Failed to decompress metadata: %w", err)
	}

	defer reader.Close()

	out, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("Failed to decompress metadata: %w", err)
	}

	return out, nil
}
