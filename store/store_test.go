package store_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wsussync/wsussync/metadata"
	"github.com/wsussync/wsussync/shared"
	"github.com/wsussync/wsussync/store"
	"github.com/wsussync/wsussync/testutils"
)

// parseUpdate renders a synthetic update and parses it into a detached
// package.
func parseUpdate(t *testing.T, builder *testutils.UpdateXML) metadata.Package {
	t.Helper()

	id := metadata.NewPackageIdentity(metadata.MicrosoftUpdatePartition, builder.UpdateID(), builder.Revision())

	pkg, err := metadata.ParsePackage(id, builder.Build(), nil)
	require.NoError(t, err)

	return pkg
}

func TestStoreEmptyLifecycle(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	s, err := store.OpenOrCreate(dir, nil)
	require.NoError(t, err)

	require.Equal(t, 0, s.Count())
	require.False(t, s.IsReindexingRequired())

	_, err = s.GetPackageByIndex(0)
	require.ErrorIs(t, err, store.ErrIndexOutOfRange)

	id := metadata.NewPackageIdentity(metadata.MicrosoftUpdatePartition, testutils.NewSoftwareXML("x").UpdateID(), 1)
	require.False(t, s.ContainsPackage(id))

	_, err = s.GetPackage(id)
	require.ErrorIs(t, err, store.ErrNotFound)

	// Flushing an empty store writes nothing.
	require.NoError(t, s.Flush())
	require.NoFileExists(t, filepath.Join(dir, ".toc.json"))

	// Reopening the directory yields an empty store again.
	s, err = store.OpenOrCreate(dir, nil)
	require.NoError(t, err)
	require.Equal(t, 0, s.Count())
}

func TestStoreAddFlushReopen(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	s, err := store.OpenOrCreate(dir, nil)
	require.NoError(t, err)

	product := testutils.NewProductXML("Widget OS")
	software := testutils.NewSoftwareXML("Security Update for Widget OS").
		WithDescription("Fixes things.").
		WithKBArticle("5001234").
		WithCategoryGroup(product.UpdateID())

	productPkg := parseUpdate(t, product)
	softwarePkg := parseUpdate(t, software)

	require.NoError(t, s.AddPackage(productPkg))
	require.NoError(t, s.AddPackage(softwarePkg))
	require.Equal(t, 2, s.Count())

	// Duplicate identities are a no-op.
	require.NoError(t, s.AddPackage(parseUpdate(t, software)))
	require.Equal(t, 2, s.Count())

	// Packages are readable before the segment is flushed.
	got, err := s.GetPackage(softwarePkg.ID())
	require.NoError(t, err)

	title, err := got.Title()
	require.NoError(t, err)
	require.Equal(t, "Security Update for Widget OS", title)

	require.NoError(t, s.Flush())

	require.FileExists(t, filepath.Join(dir, "0.zip"))
	require.FileExists(t, filepath.Join(dir, ".toc.json"))
	require.FileExists(t, filepath.Join(dir, ".types.json"))
	require.FileExists(t, filepath.Join(dir, ".indexes.zip"))
	require.FileExists(t, filepath.Join(dir, "identities", metadata.MicrosoftUpdatePartition, ".identities.json"))

	s, err = store.OpenOrCreate(dir, nil)
	require.NoError(t, err)
	require.Equal(t, 2, s.Count())
	require.False(t, s.IsReindexingRequired())
	require.True(t, s.ContainsPackage(productPkg.ID()))

	got, err = s.GetPackage(softwarePkg.ID())
	require.NoError(t, err)

	rehydrated, ok := got.(*metadata.SoftwareUpdate)
	require.True(t, ok)

	title, err = rehydrated.Title()
	require.NoError(t, err)
	require.Equal(t, "Security Update for Widget OS", title)

	description, err := rehydrated.Description()
	require.NoError(t, err)
	require.Equal(t, "Fixes things.", description)

	kb, err := rehydrated.KBArticleID()
	require.NoError(t, err)
	require.Equal(t, "5001234", kb)

	categories, err := rehydrated.CategoryIDs()
	require.NoError(t, err)
	require.Len(t, categories, 1)
	require.Equal(t, product.UpdateID(), categories[0])
}

func TestStoreSegmentsAccumulate(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	s, err := store.OpenOrCreate(dir, nil)
	require.NoError(t, err)

	first := parseUpdate(t, testutils.NewSoftwareXML("First"))
	require.NoError(t, s.AddPackage(first))
	require.NoError(t, s.Flush())

	second := parseUpdate(t, testutils.NewSoftwareXML("Second"))
	require.NoError(t, s.AddPackage(second))
	require.NoError(t, s.Flush())

	require.FileExists(t, filepath.Join(dir, "0.zip"))
	require.FileExists(t, filepath.Join(dir, "1.zip"))

	s, err = store.OpenOrCreate(dir, nil)
	require.NoError(t, err)
	require.Equal(t, 2, s.Count())

	// Both segments remain readable.
	for n, want := range []string{"First", "Second"} {
		pkg, err := s.GetPackageByIndex(n)
		require.NoError(t, err)

		title, err := pkg.Title()
		require.NoError(t, err)
		require.Equal(t, want, title)
	}

	pkgIndex, err := s.IndexOf(second.ID())
	require.NoError(t, err)
	require.Equal(t, 1, pkgIndex)
}

func TestStoreReindex(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	s, err := store.OpenOrCreate(dir, nil)
	require.NoError(t, err)

	software := parseUpdate(t, testutils.NewSoftwareXML("Needs Reindex"))
	require.NoError(t, s.AddPackage(software))
	require.NoError(t, s.Flush())

	// Losing the index container degrades the store instead of breaking it.
	require.NoError(t, os.Remove(filepath.Join(dir, ".indexes.zip")))

	s, err = store.OpenOrCreate(dir, nil)
	require.NoError(t, err)
	require.True(t, s.IsReindexingRequired())

	// Reads fall back to parsing the raw segments.
	pkg, err := s.GetPackage(software.ID())
	require.NoError(t, err)

	title, err := pkg.Title()
	require.NoError(t, err)
	require.Equal(t, "Needs Reindex", title)

	var events []shared.Progress

	err = s.ReIndex(func(p shared.Progress) {
		events = append(events, p)
	})
	require.NoError(t, err)
	require.False(t, s.IsReindexingRequired())
	require.NotEmpty(t, events)
	require.Equal(t, shared.StageIndexingPackages, events[len(events)-1].Stage)

	require.NoError(t, s.Flush())

	s, err = store.OpenOrCreate(dir, nil)
	require.NoError(t, err)
	require.False(t, s.IsReindexingRequired())
}

func TestStoreCopyTo(t *testing.T) {
	t.Parallel()

	src, err := store.OpenOrCreate(t.TempDir(), nil)
	require.NoError(t, err)

	var ids []metadata.PackageIdentity

	for _, title := range []string{"One", "Two", "Three"} {
		pkg := parseUpdate(t, testutils.NewSoftwareXML(title))
		ids = append(ids, pkg.ID())
		require.NoError(t, src.AddPackage(pkg))
	}

	require.NoError(t, src.Flush())

	dest, err := store.OpenOrCreate(t.TempDir(), nil)
	require.NoError(t, err)

	// Pre-seed one package so only the missing two get copied.
	pre, err := src.GetPackage(ids[0])
	require.NoError(t, err)
	require.NoError(t, dest.AddPackage(pre))

	var copied int64

	err = src.CopyTo(context.Background(), dest, nil, func(p shared.Progress) {
		copied = p.Current
	})
	require.NoError(t, err)
	require.Equal(t, int64(2), copied)
	require.Equal(t, 3, dest.Count())

	for _, id := range ids {
		require.True(t, dest.ContainsPackage(id))
	}
}
