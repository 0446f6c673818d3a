package cab_test

import (
	"bytes"
	"context"
	"io"
	"testing"
	"unicode/utf16"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wsussync/wsussync/cab"
)

// utf16LE encodes a string as UTF-16LE, optionally with a byte order mark.
func utf16LE(s string, bom bool) []byte {
	var buf bytes.Buffer

	if bom {
		buf.Write([]byte{0xFF, 0xFE})
	}

	for _, unit := range utf16.Encode([]rune(s)) {
		buf.WriteByte(byte(unit))
		buf.WriteByte(byte(unit >> 8))
	}

	return buf.Bytes()
}

func gunzip(t *testing.T, data []byte) []byte {
	t.Helper()

	reader, err := gzip.NewReader(bytes.NewReader(data))
	require.NoError(t, err)

	out, err := io.ReadAll(reader)
	require.NoError(t, err)
	require.NoError(t, reader.Close())

	return out
}

func TestNormalize(t *testing.T) {
	t.Parallel()

	const doc = `<Update><Properties UpdateType="Software" /></Update>`

	tests := []struct {
		Name string
		BOM  bool
	}{
		{Name: "With byte order mark", BOM: true},
		{Name: "Without byte order mark", BOM: false},
	}

	for _, test := range tests {
		t.Run(test.Name, func(t *testing.T) {
			t.Parallel()

			compressed, err := cab.Normalize(utf16LE(doc, test.BOM))
			require.NoError(t, err)

			assert.Equal(t, doc, string(gunzip(t, compressed)))
		})
	}
}

func TestNormalize_NonASCII(t *testing.T) {
	t.Parallel()

	const doc = `<Title>Fonction de mise à jour</Title>`

	compressed, err := cab.Normalize(utf16LE(doc, true))
	require.NoError(t, err)

	assert.Equal(t, doc, string(gunzip(t, compressed)))
}

func TestExpand_RequiresExtractor(t *testing.T) {
	t.Parallel()

	if cab.Available() {
		t.Skip("cabextract is installed")
	}

	_, err := cab.Expand(context.Background(), []byte("MSCF"))
	assert.ErrorIs(t, err, cab.ErrUnavailable)
}
