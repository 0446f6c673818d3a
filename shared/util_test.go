package shared_test

import (
	"crypto/sha256"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wsussync/wsussync/shared"
)

func TestRetry(t *testing.T) {
	t.Parallel()

	tests := []struct {
		Name      string
		Failures  int
		Attempts  uint
		WantCalls int
		WantErr   bool
	}{
		{
			Name:      "Succeeds first try",
			Failures:  0,
			Attempts:  3,
			WantCalls: 1,
		},
		{
			Name:      "Succeeds after retries",
			Failures:  2,
			Attempts:  3,
			WantCalls: 3,
		},
		{
			Name:      "Exhausts attempts",
			Failures:  5,
			Attempts:  3,
			WantCalls: 3,
			WantErr:   true,
		},
	}

	for _, test := range tests {
		t.Run(test.Name, func(t *testing.T) {
			t.Parallel()

			calls := 0
			err := shared.Retry(func() error {
				calls++
				if calls <= test.Failures {
					return errors.New("transient")
				}

				return nil
			}, test.Attempts)

			assert.Equal(t, test.WantCalls, calls)
			if test.WantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestFileHash(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "blob")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0644))

	// sha256("hello")
	want := "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"

	got, err := shared.FileHash(sha256.New(), path)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestFileHash_MissingFile(t *testing.T) {
	t.Parallel()

	_, err := shared.FileHash(sha256.New(), filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func TestWriteJSONFileAtomic(t *testing.T) {
	t.Parallel()

	type doc struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}

	path := filepath.Join(t.TempDir(), "doc.json")

	err := shared.WriteJSONFileAtomic(path, doc{Name: "catalog", Count: 3})
	require.NoError(t, err)

	got, err := shared.ReadJSONFile(path, &doc{})
	require.NoError(t, err)
	assert.Equal(t, &doc{Name: "catalog", Count: 3}, got)

	// Temporary files must not be left behind.
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestWriteFileAtomic_Replace(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "state")
	require.NoError(t, os.WriteFile(path, []byte("old"), 0644))

	err := shared.WriteFileAtomic(path, []byte("new"), 0644)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))
}

func TestHasSuffix(t *testing.T) {
	t.Parallel()

	assert.True(t, shared.HasSuffix("file.json", ".zip", ".json"))
	assert.False(t, shared.HasSuffix("file.xml", ".zip", ".json"))
}
