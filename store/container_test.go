package store_test

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wsussync/wsussync/metadata"
	"github.com/wsussync/wsussync/store"
	"github.com/wsussync/wsussync/testutils"
)

// buildContainerZip writes a container archive with the given TOC document and
// extra entries.
func buildContainerZip(t *testing.T, toc any, entries map[string][]byte) []byte {
	t.Helper()

	var buf bytes.Buffer

	archive := zip.NewWriter(&buf)

	for name, data := range entries {
		w, err := archive.Create(name)
		require.NoError(t, err)

		_, err = w.Write(data)
		require.NoError(t, err)
	}

	if toc != nil {
		w, err := archive.Create(".toc")
		require.NoError(t, err)

		require.NoError(t, json.NewEncoder(w).Encode(toc))
	}

	require.NoError(t, archive.Close())

	return buf.Bytes()
}

type tocDoc struct {
	Version int        `json:"version"`
	Entries []tocEntry `json:"entries"`
}

type tocEntry struct {
	Partition string `json:"partition"`
	Name      string `json:"name"`
	Version   int    `json:"version"`
}

func TestIndexContainerRoundTrip(t *testing.T) {
	t.Parallel()

	c := store.NewIndexContainer()
	require.Equal(t, store.ContainerValid, c.Status())

	software := testutils.NewSoftwareXML("Indexed Update").WithDescription("Nice.")
	pkg := parseUpdate(t, software)

	require.NoError(t, c.IndexPackage(pkg, 0))

	var buf bytes.Buffer
	require.NoError(t, c.Save(&buf))

	reopened := store.OpenIndexContainer(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	require.Equal(t, store.ContainerValid, reopened.Status())

	title, ok, err := reopened.Title(0)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "Indexed Update", title)

	description, ok, err := reopened.Description(0)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "Nice.", description)

	_, ok, err = reopened.Title(1)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestIndexContainerStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		data   func(t *testing.T) []byte
		status store.ContainerStatus
	}{
		{
			name: "garbage archive",
			data: func(t *testing.T) []byte {
				return []byte("not a zip file at all")
			},
			status: store.ContainerCorrupt,
		},
		{
			name: "missing TOC",
			data: func(t *testing.T) []byte {
				return buildContainerZip(t, nil, map[string][]byte{"stray": []byte("{}")})
			},
			status: store.ContainerMissingToc,
		},
		{
			name: "unsupported TOC version",
			data: func(t *testing.T) []byte {
				return buildContainerZip(t, tocDoc{Version: 99}, nil)
			},
			status: store.ContainerBadTocVersion,
		},
		{
			name: "unknown index",
			data: func(t *testing.T) []byte {
				toc := tocDoc{Version: 1, Entries: []tocEntry{
					{Partition: metadata.MicrosoftUpdatePartition, Name: "mu-bogus", Version: 1},
				}}

				return buildContainerZip(t, toc, nil)
			},
			status: store.ContainerUnknownIndexes,
		},
		{
			name: "index version mismatch",
			data: func(t *testing.T) []byte {
				toc := tocDoc{Version: 1, Entries: []tocEntry{
					{Partition: metadata.MicrosoftUpdatePartition, Name: store.IndexTitles, Version: 99},
				}}

				return buildContainerZip(t, toc, nil)
			},
			status: store.ContainerBadIndexVersion,
		},
		{
			name: "incomplete index set",
			data: func(t *testing.T) []byte {
				return buildContainerZip(t, tocDoc{Version: 1}, nil)
			},
			status: store.ContainerMissingIndexes,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			data := test.data(t)

			c := store.OpenIndexContainer(bytes.NewReader(data), int64(len(data)))
			require.Equal(t, test.status, c.Status())
		})
	}
}
