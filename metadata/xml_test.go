package metadata_test

import (
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wsussync/wsussync/metadata"
	"github.com/wsussync/wsussync/testutils"
)

func mustParse(t *testing.T, builder *testutils.UpdateXML, urls map[string]metadata.FileURL) metadata.Package {
	t.Helper()

	id := metadata.NewPackageIdentity(partition, builder.UpdateID(), builder.Revision())

	pkg, err := metadata.ParsePackage(id, builder.Build(), urls)
	require.NoError(t, err)

	return pkg
}

func TestParsePackage_Detectoid(t *testing.T) {
	t.Parallel()

	prereq := uuid.New()
	builder := testutils.NewDetectoidXML("Is Windows 10").
		WithDescription("Detects Windows 10 installations").
		WithSimplePrerequisite(prereq)

	pkg := mustParse(t, builder, nil)

	assert.Equal(t, metadata.PackageTypeDetectoid, pkg.Type())
	assert.Equal(t, builder.UpdateID(), pkg.ID().UpdateID)

	title, err := pkg.Title()
	require.NoError(t, err)
	assert.Equal(t, "Is Windows 10", title)

	description, err := pkg.Description()
	require.NoError(t, err)
	assert.Equal(t, "Detects Windows 10 installations", description)

	prereqs, err := pkg.Prerequisites()
	require.NoError(t, err)
	assert.Equal(t, []metadata.Prerequisite{metadata.Simple{UpdateID: prereq}}, prereqs)

	created, err := pkg.CreationDate()
	require.NoError(t, err)
	assert.Equal(t, time.Date(2021, 6, 15, 10, 0, 0, 0, time.UTC), created)
}

func TestParsePackage_CategoryTypes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		Name         string
		CategoryType string
		Want         metadata.PackageType
		WantErr      bool
	}{
		{
			Name:         "Product",
			CategoryType: "Product",
			Want:         metadata.PackageTypeProductCategory,
		},
		{
			Name:         "Product family",
			CategoryType: "ProductFamily",
			Want:         metadata.PackageTypeProductCategory,
		},
		{
			Name:         "Company",
			CategoryType: "Company",
			Want:         metadata.PackageTypeProductCategory,
		},
		{
			Name:         "Classification",
			CategoryType: "UpdateClassification",
			Want:         metadata.PackageTypeClassificationCategory,
		},
		{
			Name:         "Unknown category type",
			CategoryType: "Bogus",
			WantErr:      true,
		},
	}

	for _, test := range tests {
		t.Run(test.Name, func(t *testing.T) {
			t.Parallel()

			builder := testutils.NewUpdateXML("Category", "Windows 10").WithCategoryType(test.CategoryType)
			id := metadata.NewPackageIdentity(partition, builder.UpdateID(), builder.Revision())

			pkg, err := metadata.ParsePackage(id, builder.Build(), nil)
			if test.WantErr {
				assert.ErrorIs(t, err, metadata.ErrMalformedMetadata)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, test.Want, pkg.Type())
		})
	}
}

func TestParsePackage_Software(t *testing.T) {
	t.Parallel()

	product := uuid.New()
	classification := uuid.New()
	supersededID := uuid.New()
	bundledID := uuid.New()

	builder := testutils.NewSoftwareXML("2021-06 Cumulative Update").
		WithKBArticle("5003637").
		WithCategoryGroup(product).
		WithCategoryGroup(classification).
		WithSuperseded(supersededID, supersededID).
		WithBundled(bundledID, 3).
		WithFile(testutils.FileSpec{
			Name:   "windows10.0-kb5003637.cab",
			Size:   1024,
			Digest: testutils.DigestB64(0x11),
			Extra:  map[string]string{"SHA256": testutils.DigestB64(0x22)},
		})

	pkg := mustParse(t, builder, nil)
	software, ok := pkg.(*metadata.SoftwareUpdate)
	require.True(t, ok)

	kb, err := software.KBArticleID()
	require.NoError(t, err)
	assert.Equal(t, "5003637", kb)

	// Duplicated superseded entries collapse to one.
	superseded, err := software.SupersededIDs()
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{supersededID}, superseded)

	bundled, err := software.BundledUpdates()
	require.NoError(t, err)
	assert.Equal(t, []metadata.PackageIdentity{metadata.NewPackageIdentity(partition, bundledID, 3)}, bundled)

	categories, err := software.CategoryIDs()
	require.NoError(t, err)
	assert.ElementsMatch(t, []uuid.UUID{product, classification}, categories)

	files, err := software.Files()
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "windows10.0-kb5003637.cab", files[0].FileName)
	assert.Equal(t, int64(1024), files[0].Size)
	require.Len(t, files[0].Digests, 2)
	assert.Equal(t, "SHA1", files[0].Digests[0].Algorithm)
	assert.Equal(t, testutils.DigestB64(0x11), files[0].DigestKey())
}

func TestParsePackage_Driver(t *testing.T) {
	t.Parallel()

	builder := testutils.NewDriverXML("Contoso Net Adapter").
		WithDriverRecord(testutils.DriverSpec{
			HardwareID:   `PCI\VEN_8086&DEV_15B8`,
			Version:      "12.19.1.37",
			Date:         "2020-05-01",
			FeatureScore: "E0",
			TargetHWIDs:  []string{"DT.Contoso.Board"},
		}).
		WithDriverRecord(testutils.DriverSpec{
			HardwareID: `usb\vid_045e&pid_0916`,
		})

	pkg := mustParse(t, builder, nil)
	driver, ok := pkg.(*metadata.DriverUpdate)
	require.True(t, ok)

	records, err := driver.DriverMetadata()
	require.NoError(t, err)
	require.Len(t, records, 2)

	// Hardware ids are lowercased on parse.
	assert.Equal(t, `pci\ven_8086&dev_15b8`, records[0].HardwareID)
	assert.Equal(t, []string{"dt.contoso.board"}, records[0].TargetComputerHWIDs)
	assert.Equal(t, time.Date(2020, 5, 1, 0, 0, 0, 0, time.UTC), records[0].Version.Date)
	assert.Equal(t, uint64(12<<48|19<<32|1<<16|37), records[0].Version.Version)
	require.Len(t, records[0].FeatureScores, 1)
	assert.Equal(t, uint8(0xE0), records[0].FeatureScores[0].Score)

	assert.Empty(t, records[1].FeatureScores)
}

func TestParsePackage_DriverHardwareIDRoundTrip(t *testing.T) {
	t.Parallel()

	// Backslashes and ampersands must round-trip exactly; a stored id that
	// differs from the queried one makes every lookup miss.
	builder := testutils.NewDriverXML("Contoso SD Controller").
		WithDriverRecord(testutils.DriverSpec{
			HardwareID:  `pci\ven_aaaa&dev_5678&subsys_0001`,
			TargetHWIDs: []string{`comp\contoso&laptop_15`},
		})

	pkg := mustParse(t, builder, nil)
	driver, ok := pkg.(*metadata.DriverUpdate)
	require.True(t, ok)

	records, err := driver.DriverMetadata()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, `pci\ven_aaaa&dev_5678&subsys_0001`, records[0].HardwareID)
	assert.Equal(t, []string{`comp\contoso&laptop_15`}, records[0].TargetComputerHWIDs)
}

func TestParsePackage_FileURLJoin(t *testing.T) {
	t.Parallel()

	builder := testutils.NewSoftwareXML("Update with content").
		WithFile(testutils.FileSpec{
			Name:   "payload.cab",
			Size:   10,
			Digest: testutils.DigestB64(0x01),
			Extra:  map[string]string{"SHA256": testutils.DigestB64(0x02)},
		})

	// The URL table matches by any digest, here the SHA256 one.
	urls := map[string]metadata.FileURL{
		testutils.DigestB64(0x02): {MUURL: "http://download.example.test/payload.cab"},
	}

	pkg := mustParse(t, builder, urls)

	files, err := pkg.Files()
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "http://download.example.test/payload.cab", files[0].Source.MUURL)
	assert.Equal(t, "http://download.example.test/payload.cab", files[0].DownloadURL())
}

func TestParsePackage_FileURLMissingIsFatal(t *testing.T) {
	t.Parallel()

	builder := testutils.NewSoftwareXML("Update with content").
		WithFile(testutils.FileSpec{Name: "payload.cab", Size: 10, Digest: testutils.DigestB64(0x01)})

	id := metadata.NewPackageIdentity(partition, builder.UpdateID(), builder.Revision())

	_, err := metadata.ParsePackage(id, builder.Build(), map[string]metadata.FileURL{})
	assert.ErrorIs(t, err, metadata.ErrMalformedMetadata)
}

func TestParsePackage_Malformed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		Name string
		XML  string
	}{
		{
			Name: "No properties",
			XML:  `<Update></Update>`,
		},
		{
			Name: "Unknown update type",
			XML:  `<Update><Properties UpdateType="Gadget" /></Update>`,
		},
		{
			Name: "Missing title",
			XML:  `<Update><Properties UpdateType="Detectoid" /><LocalizedPropertiesCollection><LocalizedProperties><Language>en</Language></LocalizedProperties></LocalizedPropertiesCollection></Update>`,
		},
		{
			Name: "Empty AtLeastOne group",
			XML: `<Update><Properties UpdateType="Detectoid" /><LocalizedPropertiesCollection><LocalizedProperties><Language>en</Language><Title>T</Title></LocalizedProperties></LocalizedPropertiesCollection>` +
				`<Relationships><Prerequisites><AtLeastOne IsCategory="true"></AtLeastOne></Prerequisites></Relationships></Update>`,
		},
	}

	for _, test := range tests {
		t.Run(test.Name, func(t *testing.T) {
			t.Parallel()

			id := metadata.NewPackageIdentity(partition, uuid.New(), 1)

			_, err := metadata.ParsePackage(id, []byte(test.XML), nil)
			assert.ErrorIs(t, err, metadata.ErrMalformedMetadata)
		})
	}
}

// Re-parsing a package's retained raw metadata must reproduce the package.
func TestParsePackage_RawMetadataRoundTrip(t *testing.T) {
	t.Parallel()

	product := uuid.New()
	builder := testutils.NewSoftwareXML("Round trip").
		WithDescription("desc").
		WithKBArticle("123456").
		WithCategoryGroup(product).
		WithSuperseded(uuid.New()).
		WithFile(testutils.FileSpec{Name: "f.cab", Size: 42, Digest: testutils.DigestB64(0x0A)})

	pkg := mustParse(t, builder, nil)

	reader, err := pkg.Metadata()
	require.NoError(t, err)

	raw, err := io.ReadAll(reader)
	require.NoError(t, err)
	require.NoError(t, reader.Close())
	assert.Equal(t, builder.Build(), raw)

	reparsed, err := metadata.ParsePackage(pkg.ID(), raw, nil)
	require.NoError(t, err)

	assert.Equal(t, pkg.ID(), reparsed.ID())
	assert.Equal(t, pkg.Type(), reparsed.Type())

	wantTitle, _ := pkg.Title()
	gotTitle, _ := reparsed.Title()
	assert.Equal(t, wantTitle, gotTitle)

	wantPrereqs, _ := pkg.Prerequisites()
	gotPrereqs, _ := reparsed.Prerequisites()
	assert.Equal(t, wantPrereqs, gotPrereqs)

	wantFiles, _ := pkg.Files()
	gotFiles, _ := reparsed.Files()
	assert.Equal(t, wantFiles, gotFiles)

	wantSuperseded, _ := pkg.(*metadata.SoftwareUpdate).SupersededIDs()
	gotSuperseded, _ := reparsed.(*metadata.SoftwareUpdate).SupersededIDs()
	assert.Equal(t, wantSuperseded, gotSuperseded)
}

func TestReleaseRawMetadata(t *testing.T) {
	t.Parallel()

	pkg := mustParse(t, testutils.NewDetectoidXML("D1"), nil)

	pkg.ReleaseRawMetadata()

	_, err := pkg.Metadata()
	assert.ErrorIs(t, err, metadata.ErrMissingMetadata)

	// Attributes parsed before the release stay available.
	title, err := pkg.Title()
	require.NoError(t, err)
	assert.Equal(t, "D1", title)
}
