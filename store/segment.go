package store

import (
	"archive/zip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/wsussync/wsussync/metadata"
)

// segmentName returns the file name of the nth delta segment.
func segmentName(section int) string {
	return fmt.Sprintf("%d.zip", section)
}

func segmentBlobName(pkgIndex int) string {
	return fmt.Sprintf("%d.xml", pkgIndex)
}

func segmentFilesName(pkgIndex int) string {
	return fmt.Sprintf("%d.files.json", pkgIndex)
}

// segmentWriter streams packages into the open delta segment. The archive is
// written to a temporary file and renamed into place on finalize, so readers
// never observe a half-written segment.
type segmentWriter struct {
	path    string
	tmpPath string
	file    *os.File
	archive *zip.Writer
}

func newSegmentWriter(dir string, section int) (*segmentWriter, error) {
	path := filepath.Join(dir, segmentName(section))
	tmpPath := path + ".tmp"

	file, err := os.Create(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("Failed to create delta segment: %w", err)
	}

	return &segmentWriter{
		path:    path,
		tmpPath: tmpPath,
		file:    file,
		archive: zip.NewWriter(file),
	}, nil
}

// add appends one package's raw metadata and its file sidecar to the segment.
func (w *segmentWriter) add(pkgIndex int, blob []byte, files []metadata.ContentFile) error {
	entry, err := w.archive.Create(segmentBlobName(pkgIndex))
	if err != nil {
		return fmt.Errorf("Failed to create segment entry: %w", err)
	}

	_, err = entry.Write(blob)
	if err != nil {
		return fmt.Errorf("Failed to write segment entry: %w", err)
	}

	if len(files) == 0 {
		return nil
	}

	entry, err = w.archive.Create(segmentFilesName(pkgIndex))
	if err != nil {
		return fmt.Errorf("Failed to create segment files sidecar: %w", err)
	}

	err = json.NewEncoder(entry).Encode(files)
	if err != nil {
		return fmt.Errorf("Failed to write segment files sidecar: %w", err)
	}

	return nil
}

// finalize closes the archive and moves it into place.
func (w *segmentWriter) finalize() error {
	err := w.archive.Close()
	if err != nil {
		w.discard()
		return fmt.Errorf("Failed to finish delta segment: %w", err)
	}

	err = w.file.Close()
	if err != nil {
		w.discard()
		return fmt.Errorf("Failed to close delta segment: %w", err)
	}

	err = os.Rename(w.tmpPath, w.path)
	if err != nil {
		w.discard()
		return fmt.Errorf("Failed to replace delta segment: %w", err)
	}

	return nil
}

// discard drops the temporary segment file.
func (w *segmentWriter) discard() {
	w.file.Close()
	os.Remove(w.tmpPath)
}

// readSegmentEntry returns the contents of one entry of a finalized segment.
// The second return value is false when the entry does not exist.
func readSegmentEntry(path string, name string) ([]byte, bool, error) {
	archive, err := zip.OpenReader(path)
	if err != nil {
		return nil, false, fmt.Errorf("%w: failed to open segment %q: %v", ErrCorruptStore, path, err)
	}

	defer archive.Close()

	for _, entry := range archive.File {
		if entry.Name != name {
			continue
		}

		reader, err := entry.Open()
		if err != nil {
			return nil, false, fmt.Errorf("%w: failed to open %q in segment %q: %v", ErrCorruptStore, name, path, err)
		}

		defer reader.Close()

		data, err := io.ReadAll(reader)
		if err != nil {
			return nil, false, fmt.Errorf("%w: failed to read %q in segment %q: %v", ErrCorruptStore, name, path, err)
		}

		return data, true, nil
	}

	return nil, false, nil
}

// readSegmentBlob returns a package's raw metadata from its segment.
func readSegmentBlob(path string, pkgIndex int) ([]byte, error) {
	data, ok, err := readSegmentEntry(path, segmentBlobName(pkgIndex))
	if err != nil {
		return nil, err
	}

	if !ok {
		return nil, fmt.Errorf("%w: segment %q misses package %d", ErrCorruptStore, path, pkgIndex)
	}

	return data, nil
}

// readSegmentFiles returns a package's file sidecar from its segment, if one
// was written.
func readSegmentFiles(path string, pkgIndex int) ([]metadata.ContentFile, error) {
	data, ok, err := readSegmentEntry(path, segmentFilesName(pkgIndex))
	if err != nil {
		return nil, err
	}

	if !ok {
		return nil, nil
	}

	var files []metadata.ContentFile

	err = json.Unmarshal(data, &files)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid files sidecar for package %d: %v", ErrCorruptStore, pkgIndex, err)
	}

	return files, nil
}
