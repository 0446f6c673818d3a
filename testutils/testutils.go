// Package testutils provides synthetic update metadata builders for tests.
package testutils

import (
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// xmlEscape escapes a value for use as attribute or element content, so
// hardware ids and titles can carry markup characters.
func xmlEscape(value string) string {
	var sb strings.Builder

	_ = xml.EscapeText(&sb, []byte(value))

	return sb.String()
}

// UpdateXML is a fluent builder for one update metadata document shaped the
// way the upstream catalog publishes them.
type UpdateXML struct {
	updateID     uuid.UUID
	revision     int32
	updateType   string
	categoryType string
	creationDate string
	title        string
	description  string
	kbArticle    string

	prerequisites []string
	bundled       []string
	superseded    []string
	files         []string
	drivers       []string
}

// NewUpdateXML returns a builder for an update of the given UpdateType
// ("Detectoid", "Category", "Software" or "Driver").
func NewUpdateXML(updateType string, title string) *UpdateXML {
	return &UpdateXML{
		updateID:     uuid.New(),
		revision:     1,
		updateType:   updateType,
		title:        title,
		creationDate: "2021-06-15T10:00:00Z",
	}
}

// NewDetectoidXML returns a detectoid builder.
func NewDetectoidXML(title string) *UpdateXML {
	return NewUpdateXML("Detectoid", title)
}

// NewProductXML returns a product category builder.
func NewProductXML(title string) *UpdateXML {
	return NewUpdateXML("Category", title).WithCategoryType("Product")
}

// NewClassificationXML returns a classification category builder.
func NewClassificationXML(title string) *UpdateXML {
	return NewUpdateXML("Category", title).WithCategoryType("UpdateClassification")
}

// NewSoftwareXML returns a software update builder.
func NewSoftwareXML(title string) *UpdateXML {
	return NewUpdateXML("Software", title)
}

// NewDriverXML returns a driver update builder.
func NewDriverXML(title string) *UpdateXML {
	return NewUpdateXML("Driver", title)
}

// WithIdentity pins the update's identity instead of the generated one.
func (u *UpdateXML) WithIdentity(id uuid.UUID, revision int32) *UpdateXML {
	u.updateID = id
	u.revision = revision
	return u
}

// WithCategoryType sets the category information type.
func (u *UpdateXML) WithCategoryType(categoryType string) *UpdateXML {
	u.categoryType = categoryType
	return u
}

// WithDescription sets the English description.
func (u *UpdateXML) WithDescription(description string) *UpdateXML {
	u.description = description
	return u
}

// WithCreationDate overrides the metadata creation date.
func (u *UpdateXML) WithCreationDate(date string) *UpdateXML {
	u.creationDate = date
	return u
}

// WithKBArticle sets the KB article id.
func (u *UpdateXML) WithKBArticle(kb string) *UpdateXML {
	u.kbArticle = kb
	return u
}

// WithSimplePrerequisite appends a bare prerequisite.
func (u *UpdateXML) WithSimplePrerequisite(id uuid.UUID) *UpdateXML {
	u.prerequisites = append(u.prerequisites, fmt.Sprintf(`<UpdateIdentity UpdateID=%q />`, id))
	return u
}

// WithCategoryGroup appends an AtLeastOne prerequisite group marked as
// category taxonomy.
func (u *UpdateXML) WithCategoryGroup(ids ...uuid.UUID) *UpdateXML {
	return u.withGroup(true, ids...)
}

// WithAtLeastOne appends a plain AtLeastOne prerequisite group.
func (u *UpdateXML) WithAtLeastOne(ids ...uuid.UUID) *UpdateXML {
	return u.withGroup(false, ids...)
}

func (u *UpdateXML) withGroup(isCategory bool, ids ...uuid.UUID) *UpdateXML {
	var sb strings.Builder

	fmt.Fprintf(&sb, `<AtLeastOne IsCategory="%t">`, isCategory)
	for _, id := range ids {
		fmt.Fprintf(&sb, `<UpdateIdentity UpdateID=%q />`, id)
	}

	sb.WriteString(`</AtLeastOne>`)

	u.prerequisites = append(u.prerequisites, sb.String())
	return u
}

// WithBundled appends a bundled child update.
func (u *UpdateXML) WithBundled(id uuid.UUID, revision int32) *UpdateXML {
	u.bundled = append(u.bundled, fmt.Sprintf(`<UpdateIdentity UpdateID=%q RevisionNumber="%d" />`, id, revision))
	return u
}

// WithSuperseded appends superseded update ids.
func (u *UpdateXML) WithSuperseded(ids ...uuid.UUID) *UpdateXML {
	for _, id := range ids {
		u.superseded = append(u.superseded, fmt.Sprintf(`<UpdateIdentity UpdateID=%q />`, id))
	}

	return u
}

// FileSpec describes one content file of a synthetic update.
type FileSpec struct {
	Name   string
	Size   int64
	Digest string // base64 SHA1
	Extra  map[string]string
}

// WithFile appends a content file.
func (u *UpdateXML) WithFile(spec FileSpec) *UpdateXML {
	var sb strings.Builder

	fmt.Fprintf(&sb, `<File FileName="%s" Size="%d" Modified="2021-06-15T10:00:00" Digest="%s" DigestAlgorithm="SHA1" PatchingType="SelfContained">`,
		xmlEscape(spec.Name), spec.Size, spec.Digest)

	for alg, value := range spec.Extra {
		fmt.Fprintf(&sb, `<AdditionalDigest Algorithm=%q>%s</AdditionalDigest>`, alg, value)
	}

	sb.WriteString(`</File>`)

	u.files = append(u.files, sb.String())
	return u
}

// DriverSpec describes one hardware applicability record of a synthetic
// driver update.
type DriverSpec struct {
	HardwareID        string
	Version           string
	Date              string
	FeatureScore      string // hex byte, empty for none
	TargetHWIDs       []string
	DistributionHWIDs []string
}

// WithDriverRecord appends a WindowsDriverMetaData record.
func (u *UpdateXML) WithDriverRecord(spec DriverSpec) *UpdateXML {
	var sb strings.Builder

	date := spec.Date
	if date == "" {
		date = "2021-01-01"
	}

	version := spec.Version
	if version == "" {
		version = "1.0.0.0"
	}

	fmt.Fprintf(&sb, `<WindowsDriverMetaData HardwareID="%s" WhqlDriverID="7" Manufacturer="Contoso" Company="Contoso" Provider="Contoso" Class="Net" DriverVerDate="%s" DriverVerVersion="%s">`,
		xmlEscape(spec.HardwareID), date, version)

	if spec.FeatureScore != "" {
		fmt.Fprintf(&sb, `<FeatureScore OperatingSystem="Windows10.0" FeatureScore=%q />`, spec.FeatureScore)
	}

	for _, id := range spec.TargetHWIDs {
		fmt.Fprintf(&sb, `<TargetComputerHardwareId>%s</TargetComputerHardwareId>`, xmlEscape(id))
	}

	for _, id := range spec.DistributionHWIDs {
		fmt.Fprintf(&sb, `<DistributionComputerHardwareId>%s</DistributionComputerHardwareId>`, xmlEscape(id))
	}

	sb.WriteString(`</WindowsDriverMetaData>`)

	u.drivers = append(u.drivers, sb.String())
	return u
}

// UpdateID returns the update's GUID.
func (u *UpdateXML) UpdateID() uuid.UUID {
	return u.updateID
}

// Revision returns the update's revision number.
func (u *UpdateXML) Revision() int32 {
	return u.revision
}

// Build renders the update metadata document.
func (u *UpdateXML) Build() []byte {
	var sb strings.Builder

	sb.WriteString(`<Update xmlns="http://schemas.microsoft.com/msus/2002/12/Update">`)
	fmt.Fprintf(&sb, `<UpdateIdentity UpdateID=%q RevisionNumber="%d" />`, u.updateID, u.revision)

	fmt.Fprintf(&sb, `<Properties UpdateType=%q CreationDate=%q>`, u.updateType, u.creationDate)
	if u.kbArticle != "" {
		fmt.Fprintf(&sb, `<KBArticleID>%s</KBArticleID>`, u.kbArticle)
	}

	sb.WriteString(`</Properties>`)

	sb.WriteString(`<LocalizedPropertiesCollection><LocalizedProperties><Language>en</Language>`)
	fmt.Fprintf(&sb, `<Title>%s</Title>`, xmlEscape(u.title))
	if u.description != "" {
		fmt.Fprintf(&sb, `<Description>%s</Description>`, xmlEscape(u.description))
	}

	sb.WriteString(`</LocalizedProperties></LocalizedPropertiesCollection>`)

	if len(u.prerequisites) > 0 || len(u.bundled) > 0 || len(u.superseded) > 0 {
		sb.WriteString(`<Relationships>`)

		if len(u.prerequisites) > 0 {
			sb.WriteString(`<Prerequisites>`)
			for _, p := range u.prerequisites {
				sb.WriteString(p)
			}

			sb.WriteString(`</Prerequisites>`)
		}

		if len(u.bundled) > 0 {
			sb.WriteString(`<BundledUpdates>`)
			for _, b := range u.bundled {
				sb.WriteString(b)
			}

			sb.WriteString(`</BundledUpdates>`)
		}

		if len(u.superseded) > 0 {
			sb.WriteString(`<SupersededUpdates>`)
			for _, s := range u.superseded {
				sb.WriteString(s)
			}

			sb.WriteString(`</SupersededUpdates>`)
		}

		sb.WriteString(`</Relationships>`)
	}

	if len(u.files) > 0 {
		sb.WriteString(`<Files>`)
		for _, f := range u.files {
			sb.WriteString(f)
		}

		sb.WriteString(`</Files>`)
	}

	if u.categoryType != "" {
		fmt.Fprintf(&sb, `<HandlerSpecificData><CategoryInformation CategoryType=%q /></HandlerSpecificData>`, u.categoryType)
	}

	if len(u.drivers) > 0 {
		sb.WriteString(`<ApplicabilityRules><Metadata>`)
		for _, d := range u.drivers {
			sb.WriteString(d)
		}

		sb.WriteString(`</Metadata></ApplicabilityRules>`)
	}

	sb.WriteString(`</Update>`)

	return []byte(sb.String())
}

// DigestB64 returns the base64 of a deterministic 20-byte digest whose bytes
// are all the given seed. Useful where tests need syntactically valid digests
// without hashing real content.
func DigestB64(seed byte) string {
	raw := make([]byte, 20)
	for i := range raw {
		raw[i] = seed
	}

	return base64.StdEncoding.EncodeToString(raw)
}
