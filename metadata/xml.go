package metadata

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/antchfx/xmlquery"
	"github.com/google/uuid"
)

// creationDateLayouts covers the timestamp shapes observed in upstream
// metadata, with and without sub-second precision or zone.
var creationDateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05.999",
	"2006-01-02T15:04:05",
}

// ParsePackage parses a single update metadata XML document into its typed
// package. urls, when non-nil, maps digest base64 values to the file source
// URLs of the containing sync batch; every file must then resolve at least
// one URL. The parsed package retains the document gzip-compressed.
func ParsePackage(id PackageIdentity, data []byte, urls map[string]FileURL) (Package, error) {
	raw, err := compressMetadata(data)
	if err != nil {
		return nil, err
	}

	return parsePackage(id, data, raw, urls)
}

// ParsePackageCompressed parses a gzip-compressed metadata document, keeping
// the compressed input as the package's retained raw metadata.
func ParsePackageCompressed(id PackageIdentity, compressed []byte, urls map[string]FileURL) (Package, error) {
	data, err := DecompressMetadata(compressed)
	if err != nil {
		return nil, err
	}

	return parsePackage(id, data, compressed, urls)
}

func parsePackage(id PackageIdentity, data []byte, raw []byte, urls map[string]FileURL) (Package, error) {
	doc, err := xmlquery.Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedMetadata, id, err)
	}

	props := xmlquery.FindOne(doc, "//Properties")
	if props == nil {
		return nil, fmt.Errorf("%w: %s: no Properties element", ErrMalformedMetadata, id)
	}

	typ, err := parseUpdateType(id, doc, props)
	if err != nil {
		return nil, err
	}

	base := update{id: id, typ: typ, pkgIndex: -1, raw: raw, materialized: true}

	base.title, base.description, err = parseLocalizedProperties(id, doc)
	if err != nil {
		return nil, err
	}

	base.titleOK, base.descriptionOK = true, true

	base.creationDate = parseCreationDate(props.SelectAttr("CreationDate"))
	base.creationOK = true

	base.prereqs, err = parsePrerequisites(id, doc)
	if err != nil {
		return nil, err
	}

	base.prereqsOK = true
	base.categories, base.categoriesOK = CategoryIDs(base.prereqs), true

	base.files, err = parseFiles(id, doc, urls)
	if err != nil {
		return nil, err
	}

	base.filesOK = true

	base.kbArticleOK = true
	base.supersededOK = true
	base.bundledOK = true
	base.driversOK = true

	switch typ {
	case PackageTypeProductCategory:
		return &ProductCategory{update: base}, nil

	case PackageTypeClassificationCategory:
		return &ClassificationCategory{update: base}, nil

	case PackageTypeSoftwareUpdate:
		kb := xmlquery.FindOne(doc, "//KBArticleID")
		if kb != nil {
			base.kbArticle = strings.TrimSpace(kb.InnerText())
		}

		base.superseded, err = parseSupersededUpdates(id, doc)
		if err != nil {
			return nil, err
		}

		base.bundled, err = parseBundledUpdates(id, doc)
		if err != nil {
			return nil, err
		}

		return &SoftwareUpdate{update: base}, nil

	case PackageTypeDriverUpdate:
		base.drivers, err = parseDriverMetadata(id, doc)
		if err != nil {
			return nil, err
		}

		return &DriverUpdate{update: base}, nil

	default:
		return &Detectoid{update: base}, nil
	}
}

// parseUpdateType reads the type discriminant, descending into the category
// information for category updates.
func parseUpdateType(id PackageIdentity, doc *xmlquery.Node, props *xmlquery.Node) (PackageType, error) {
	updateType := strings.ToLower(props.SelectAttr("UpdateType"))

	switch updateType {
	case "detectoid":
		return PackageTypeDetectoid, nil

	case "software":
		return PackageTypeSoftwareUpdate, nil

	case "driver":
		return PackageTypeDriverUpdate, nil

	case "category":
		info := xmlquery.FindOne(doc, "//HandlerSpecificData/CategoryInformation")
		if info == nil {
			return 0, fmt.Errorf("%w: %s: category update without CategoryInformation", ErrMalformedMetadata, id)
		}

		categoryType := strings.ToLower(info.SelectAttr("CategoryType"))
		switch categoryType {
		case "updateclassification":
			return PackageTypeClassificationCategory, nil
		case "product", "company", "productfamily":
			return PackageTypeProductCategory, nil
		default:
			return 0, fmt.Errorf("%w: %s: unknown category type %q", ErrMalformedMetadata, id, categoryType)
		}

	default:
		return 0, fmt.Errorf("%w: %s: unknown update type %q", ErrMalformedMetadata, id, updateType)
	}
}

// parseLocalizedProperties extracts the English title and description. A
// missing title is fatal, a missing description is not.
func parseLocalizedProperties(id PackageIdentity, doc *xmlquery.Node) (string, string, error) {
	row := xmlquery.FindOne(doc, "//LocalizedPropertiesCollection/LocalizedProperties[Language='en']")
	if row == nil {
		return "", "", fmt.Errorf("%w: %s: no English localized properties", ErrMalformedMetadata, id)
	}

	titleNode := xmlquery.FindOne(row, "Title")
	if titleNode == nil || strings.TrimSpace(titleNode.InnerText()) == "" {
		return "", "", fmt.Errorf("%w: %s: missing title", ErrMalformedMetadata, id)
	}

	description := ""
	descriptionNode := xmlquery.FindOne(row, "Description")
	if descriptionNode != nil {
		description = strings.TrimSpace(descriptionNode.InnerText())
	}

	return strings.TrimSpace(titleNode.InnerText()), description, nil
}

func parseCreationDate(value string) time.Time {
	for _, layout := range creationDateLayouts {
		date, err := time.Parse(layout, value)
		if err == nil {
			return date
		}
	}

	return time.Time{}
}

// parsePrerequisites collects bare UpdateIdentity prerequisites as Simple and
// AtLeastOne groups with their IsCategory marker.
func parsePrerequisites(id PackageIdentity, doc *xmlquery.Node) ([]Prerequisite, error) {
	var prereqs []Prerequisite

	for _, node := range xmlquery.Find(doc, "//Prerequisites/UpdateIdentity") {
		prereqID, err := parseGUIDAttr(id, node, "UpdateID")
		if err != nil {
			return nil, err
		}

		prereqs = append(prereqs, Simple{UpdateID: prereqID})
	}

	for _, group := range xmlquery.Find(doc, "//Prerequisites/AtLeastOne") {
		members := xmlquery.Find(group, "UpdateIdentity")
		if len(members) == 0 {
			return nil, fmt.Errorf("%w: %s: empty AtLeastOne prerequisite group", ErrMalformedMetadata, id)
		}

		ids := make([]uuid.UUID, 0, len(members))
		for _, member := range members {
			memberID, err := parseGUIDAttr(id, member, "UpdateID")
			if err != nil {
				return nil, err
			}

			ids = append(ids, memberID)
		}

		prereqs = append(prereqs, AtLeastOne{
			UpdateIDs:  ids,
			IsCategory: strings.EqualFold(group.SelectAttr("IsCategory"), "true"),
		})
	}

	return prereqs, nil
}

// parseFiles collects the update's content files and joins their source URLs
// from the batch URL map.
func parseFiles(id PackageIdentity, doc *xmlquery.Node, urls map[string]FileURL) ([]ContentFile, error) {
	var files []ContentFile

	for _, node := range xmlquery.Find(doc, "//Files/File") {
		name := node.SelectAttr("FileName")
		if name == "" {
			return nil, fmt.Errorf("%w: %s: file without FileName", ErrMalformedMetadata, id)
		}

		size, err := strconv.ParseInt(node.SelectAttr("Size"), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: file %q has invalid size", ErrMalformedMetadata, id, name)
		}

		digestValue := node.SelectAttr("Digest")
		if digestValue == "" {
			return nil, fmt.Errorf("%w: %s: file %q has no digest", ErrMalformedMetadata, id, name)
		}

		algorithm := node.SelectAttr("DigestAlgorithm")
		if algorithm == "" {
			algorithm = "SHA1"
		}

		file := ContentFile{
			FileName:     name,
			Size:         size,
			Modified:     parseCreationDate(node.SelectAttr("Modified")),
			PatchingType: node.SelectAttr("PatchingType"),
			Digests:      []FileDigest{{Algorithm: strings.ToUpper(algorithm), Value: digestValue}},
		}

		for _, extra := range xmlquery.Find(node, "AdditionalDigest") {
			value := strings.TrimSpace(extra.InnerText())
			if value == "" {
				continue
			}

			file.Digests = append(file.Digests, FileDigest{
				Algorithm: strings.ToUpper(extra.SelectAttr("Algorithm")),
				Value:     value,
			})
		}

		if urls != nil {
			for _, digest := range file.Digests {
				source, ok := urls[digest.Value]
				if ok {
					file.Source = source
					break
				}
			}

			if file.Source.MUURL == "" && file.Source.USSURL == "" {
				return nil, fmt.Errorf("%w: %s: no source URL for file %q", ErrMalformedMetadata, id, name)
			}
		}

		files = append(files, file)
	}

	return files, nil
}

// parseSupersededUpdates collects the superseded update ids, deduplicated and
// order-preserving.
func parseSupersededUpdates(id PackageIdentity, doc *xmlquery.Node) ([]uuid.UUID, error) {
	var ids []uuid.UUID

	seen := map[uuid.UUID]bool{}
	for _, node := range xmlquery.Find(doc, "//SupersededUpdates/UpdateIdentity") {
		superseded, err := parseGUIDAttr(id, node, "UpdateID")
		if err != nil {
			return nil, err
		}

		if seen[superseded] {
			continue
		}

		seen[superseded] = true
		ids = append(ids, superseded)
	}

	return ids, nil
}

// parseBundledUpdates collects the identities of bundled child updates.
func parseBundledUpdates(id PackageIdentity, doc *xmlquery.Node) ([]PackageIdentity, error) {
	var bundled []PackageIdentity

	for _, node := range xmlquery.Find(doc, "//BundledUpdates/UpdateIdentity") {
		childID, err := parseGUIDAttr(id, node, "UpdateID")
		if err != nil {
			return nil, err
		}

		revision, err := strconv.ParseInt(node.SelectAttr("RevisionNumber"), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: bundled update %s has invalid revision", ErrMalformedMetadata, id, childID)
		}

		bundled = append(bundled, NewPackageIdentity(id.Partition, childID, int32(revision)))
	}

	return bundled, nil
}

// parseDriverMetadata emits one record per WindowsDriverMetaData node.
func parseDriverMetadata(id PackageIdentity, doc *xmlquery.Node) ([]DriverMetadata, error) {
	var records []DriverMetadata

	for _, node := range xmlquery.Find(doc, "//ApplicabilityRules/Metadata/WindowsDriverMetaData") {
		record := DriverMetadata{
			HardwareID:   strings.ToLower(node.SelectAttr("HardwareID")),
			Manufacturer: node.SelectAttr("Manufacturer"),
			Company:      node.SelectAttr("Company"),
			Provider:     node.SelectAttr("Provider"),
			Class:        node.SelectAttr("Class"),
		}

		whql := node.SelectAttr("WhqlDriverID")
		if whql != "" {
			record.WhqlDriverID, _ = strconv.ParseInt(whql, 10, 64)
		}

		date := node.SelectAttr("DriverVerDate")
		if date != "" {
			parsed, err := time.Parse("2006-01-02", date)
			if err != nil {
				return nil, fmt.Errorf("%w: %s: invalid driver date %q", ErrMalformedMetadata, id, date)
			}

			record.Version.Date = parsed
		}

		version := node.SelectAttr("DriverVerVersion")
		if version != "" {
			packed, err := PackDriverVersion(version)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", id, err)
			}

			record.Version.Version = packed
		}

		for _, score := range xmlquery.Find(node, "FeatureScore") {
			value, err := strconv.ParseUint(score.SelectAttr("FeatureScore"), 16, 8)
			if err != nil {
				return nil, fmt.Errorf("%w: %s: invalid feature score %q", ErrMalformedMetadata, id, score.SelectAttr("FeatureScore"))
			}

			record.FeatureScores = append(record.FeatureScores, FeatureScore{
				OperatingSystem: score.SelectAttr("OperatingSystem"),
				Score:           uint8(value),
			})
		}

		for _, hwid := range xmlquery.Find(node, "TargetComputerHardwareId") {
			record.TargetComputerHWIDs = append(record.TargetComputerHWIDs, strings.ToLower(strings.TrimSpace(hwid.InnerText())))
		}

		for _, hwid := range xmlquery.Find(node, "DistributionComputerHardwareId") {
			record.DistributionComputerHWIDs = append(record.DistributionComputerHWIDs, strings.ToLower(strings.TrimSpace(hwid.InnerText())))
		}

		records = append(records, record)
	}

	return records, nil
}

func parseGUIDAttr(id PackageIdentity, node *xmlquery.Node, attr string) (uuid.UUID, error) {
	value, err := uuid.Parse(node.SelectAttr(attr))
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %s: invalid %s attribute: %v", ErrMalformedMetadata, id, attr, err)
	}

	return value, nil
}
