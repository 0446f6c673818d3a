// Package cab expands cabinet-compressed update metadata blobs into
// gzip-compressed UTF-8 XML for in-process storage.
//
// The upstream catalog ships large metadata blobs cabinet-compressed and
// UTF-16LE encoded. Expansion shells out to the host's cabextract tool, so it
// is a capability the host may lack.
package cab

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/klauspost/compress/gzip"
	"golang.org/x/text/encoding/unicode"

	"github.com/wsussync/wsussync/shared"
)

// ErrUnavailable marks hosts without a cabinet extraction tool.
var ErrUnavailable = errors.New("Cabinet extraction tool not available")

// extractor is the host tool used to expand cabinet blobs.
const extractor = "cabextract"

// Available reports whether the host can expand cabinet blobs.
func Available() bool {
	_, err := exec.LookPath(extractor)
	return err == nil
}

// Expand converts a cabinet-compressed UTF-16 XML blob into gzip-compressed
// UTF-8 XML. It returns ErrUnavailable when the host lacks an extraction
// tool.
func Expand(ctx context.Context, data []byte) ([]byte, error) {
	if !Available() {
		return nil, ErrUnavailable
	}

	dir, err := os.MkdirTemp("", "wsussync-cab-")
	if err != nil {
		return nil, fmt.Errorf("Failed to create temporary directory: %w", err)
	}

	defer os.RemoveAll(dir)

	cabPath := filepath.Join(dir, "blob.cab")

	err = os.WriteFile(cabPath, data, 0600)
	if err != nil {
		return nil, fmt.Errorf("Failed to write cabinet blob: %w", err)
	}

	err = shared.RunCommand(ctx, nil, io.Discard, extractor, "-q", "-d", dir, cabPath)
	if err != nil {
		return nil, fmt.Errorf("Failed to extract cabinet blob: %w", err)
	}

	extracted, err := extractedFile(dir, cabPath)
	if err != nil {
		return nil, err
	}

	content, err := os.ReadFile(extracted)
	if err != nil {
		return nil, fmt.Errorf("Failed to read extracted metadata: %w", err)
	}

	return Normalize(content)
}

// Normalize converts UTF-16 XML text (BOM aware, defaulting to
// little-endian) into gzip-compressed UTF-8.
func Normalize(data []byte) ([]byte, error) {
	decoder := unicode.UTF16(unicode.LittleEndian, unicode.UseBOM).NewDecoder()

	utf8XML, err := decoder.Bytes(data)
	if err != nil {
		return nil, fmt.Errorf("Failed to decode UTF-16 metadata: %w", err)
	}

	var buf bytes.Buffer

	writer := gzip.NewWriter(&buf)

	_, err = writer.Write(utf8XML)
	if err != nil {
		return nil, fmt.Errorf("Failed to compress metadata: %w", err)
	}

	err = writer.Close()
	if err != nil {
		return nil, fmt.Errorf("Failed to compress metadata: %w", err)
	}

	return buf.Bytes(), nil
}

// extractedFile returns the single file the cabinet expanded to.
func extractedFile(dir string, cabPath string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("Failed to list extracted files: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		if path != cabPath {
			return path, nil
		}
	}

	return "", errors.New("Cabinet blob contained no metadata file")
}
