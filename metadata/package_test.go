package metadata_test

import (
	"bytes"
	"io"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wsussync/wsussync/metadata"
	"github.com/wsussync/wsussync/testutils"
)

// mockSource is a MetadataSource with canned answers. Raw metadata is served
// from the stored document.
type mockSource struct {
	title      string
	titleCalls int
	raw        []byte
}

func (m *mockSource) PackageTitle(pkgIndex int) (string, error) {
	m.titleCalls++
	return m.title, nil
}

func (m *mockSource) PackageDescription(pkgIndex int) (string, error) {
	return "", nil
}

func (m *mockSource) PackageKBArticle(pkgIndex int) (string, error) {
	return "", nil
}

func (m *mockSource) PackagePrerequisites(pkgIndex int) ([]metadata.Prerequisite, error) {
	return nil, nil
}

func (m *mockSource) PackageCategories(pkgIndex int) ([]uuid.UUID, error) {
	return nil, nil
}

func (m *mockSource) PackageFiles(pkgIndex int) ([]metadata.ContentFile, error) {
	return nil, nil
}

func (m *mockSource) PackageDriverMetadata(pkgIndex int) ([]metadata.DriverMetadata, error) {
	return nil, nil
}

func (m *mockSource) PackageMetadata(pkgIndex int) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(m.raw)), nil
}

func TestNewPackage_TypedVariants(t *testing.T) {
	t.Parallel()

	id := metadata.NewPackageIdentity(partition, uuid.New(), 1)

	tests := []struct {
		Name string
		Type metadata.PackageType
	}{
		{Name: "Detectoid", Type: metadata.PackageTypeDetectoid},
		{Name: "Product", Type: metadata.PackageTypeProductCategory},
		{Name: "Classification", Type: metadata.PackageTypeClassificationCategory},
		{Name: "Software", Type: metadata.PackageTypeSoftwareUpdate},
		{Name: "Driver", Type: metadata.PackageTypeDriverUpdate},
	}

	for _, test := range tests {
		t.Run(test.Name, func(t *testing.T) {
			t.Parallel()

			pkg := metadata.NewPackage(test.Type, id, 3, &mockSource{})
			assert.Equal(t, test.Type, pkg.Type())
			assert.Equal(t, id, pkg.ID())
			assert.Equal(t, 3, pkg.PackageIndex())
		})
	}
}

func TestPackage_LazyTitleFromSource(t *testing.T) {
	t.Parallel()

	source := &mockSource{title: "Lazy title"}
	pkg := metadata.NewPackage(metadata.PackageTypeSoftwareUpdate, metadata.NewPackageIdentity(partition, uuid.New(), 1), 0, source)

	title, err := pkg.Title()
	require.NoError(t, err)
	assert.Equal(t, "Lazy title", title)

	// The second read answers from the package's cache.
	_, err = pkg.Title()
	require.NoError(t, err)
	assert.Equal(t, 1, source.titleCalls)
}

func TestPackage_MaterializeFromSourceMetadata(t *testing.T) {
	t.Parallel()

	superseded := uuid.New()
	builder := testutils.NewSoftwareXML("From raw").WithSuperseded(superseded)

	id := metadata.NewPackageIdentity(partition, builder.UpdateID(), builder.Revision())
	source := &mockSource{title: "From raw", raw: builder.Build()}

	pkg := metadata.NewPackage(metadata.PackageTypeSoftwareUpdate, id, 0, source)

	// Supersedence has no dedicated index, so the load re-parses the raw
	// metadata through the source.
	got, err := pkg.(*metadata.SoftwareUpdate).SupersededIDs()
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{superseded}, got)
}

func TestPackageTypeStrings(t *testing.T) {
	t.Parallel()

	for _, typ := range []metadata.PackageType{
		metadata.PackageTypeDetectoid,
		metadata.PackageTypeProductCategory,
		metadata.PackageTypeClassificationCategory,
		metadata.PackageTypeSoftwareUpdate,
		metadata.PackageTypeDriverUpdate,
	} {
		parsed, err := metadata.ParsePackageType(typ.String())
		require.NoError(t, err)
		assert.Equal(t, typ, parsed)
	}

	_, err := metadata.ParsePackageType("bogus")
	assert.Error(t, err)

	assert.True(t, metadata.PackageTypeDetectoid.IsCategory())
	assert.False(t, metadata.PackageTypeSoftwareUpdate.IsCategory())
}
