package content

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/wsussync/wsussync/metadata"
	"github.com/wsussync/wsussync/shared"
)

// ProgressFunc receives download and hashing progress for one content file.
// A nil ProgressFunc is valid and discards all events.
type ProgressFunc func(file *metadata.ContentFile, event shared.Progress)

// emit sends a progress event to the callback, if one is set.
func (f ProgressFunc) emit(file *metadata.ContentFile, stage shared.ProgressStage, current int64, maximum int64) {
	if f == nil {
		return
	}

	f(file, shared.Progress{Stage: stage, Current: current, Maximum: maximum})
}

// Downloader fetches content files over HTTP(S) with resume support and
// verifies them against their strongest digest.
type Downloader struct {
	client *http.Client
	logger *logrus.Logger
}

// NewDownloader returns a downloader using the given logger. Cancellation and
// per-download deadlines come from the caller's context.
func NewDownloader(logger *logrus.Logger) *Downloader {
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &Downloader{
		client: &http.Client{},
		logger: logger,
	}
}

// Download fetches a content file into the store, resuming a partial payload
// when one is present, and marks it done once its digest verifies. It returns
// the payload path. Files already in the store are not fetched again.
func (s *Store) Download(ctx context.Context, downloader *Downloader, file *metadata.ContentFile, progress ProgressFunc) (string, error) {
	path, err := s.Path(file)
	if err != nil {
		return "", err
	}

	if s.Contains(file) {
		return path, nil
	}

	err = downloader.DownloadFile(ctx, file, path, progress)
	if err != nil {
		return "", err
	}

	err = s.markDone(path, file)
	if err != nil {
		return "", err
	}

	return path, nil
}

// DownloadFile fetches a content file to the given path and verifies it. A
// partial file at the path is resumed with a range request; servers that do
// not honor the range restart the download from scratch.
func (d *Downloader) DownloadFile(ctx context.Context, file *metadata.ContentFile, path string, progress ProgressFunc) error {
	err := os.MkdirAll(filepath.Dir(path), 0755)
	if err != nil {
		return fmt.Errorf("Failed to create download directory: %w", err)
	}

	offset := int64(0)

	info, err := os.Stat(path)
	if err == nil {
		if info.Size() > file.Size {
			// A payload longer than declared cannot be resumed.
			err = os.Truncate(path, 0)
			if err != nil {
				return fmt.Errorf("Failed to truncate partial download: %w", err)
			}
		} else {
			offset = info.Size()
		}
	}

	// A payload already complete on disk only needs verification, so the
	// source URL is required only when bytes are missing.
	if offset < file.Size {
		url := file.DownloadURL()
		if url == "" {
			return fmt.Errorf("File %q has no source URL", file.FileName)
		}

		err = checkFreeSpace(filepath.Dir(path), file.Size-offset)
		if err != nil {
			return err
		}

		err = d.fetch(ctx, file, url, path, offset, progress)
		if err != nil {
			return err
		}
	}

	return d.verify(file, path, progress)
}

// fetch performs the HTTP transfer, appending to the partial payload at the
// given offset.
func (d *Downloader) fetch(ctx context.Context, file *metadata.ContentFile, url string, path string, offset int64, progress ProgressFunc) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("Failed to create request for %q: %w", url, err)
	}

	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("Failed to GET %q: %w", url, err)
	}

	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusPartialContent:
	case http.StatusOK:
		// The server ignored the range request, start over.
		offset = 0
	default:
		return fmt.Errorf("Unexpected status %q downloading %q", resp.Status, url)
	}

	flags := os.O_CREATE | os.O_WRONLY
	if offset > 0 {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}

	out, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return fmt.Errorf("Failed to open download target: %w", err)
	}

	defer out.Close()

	d.logger.WithField("file", file.FileName).Debugf("Downloading %q at offset %d", url, offset)

	progress.emit(file, shared.StageDownloadFileStart, offset, file.Size)

	writer := &progressWriter{
		file:     file,
		stage:    shared.StageDownloadFileProgress,
		current:  offset,
		maximum:  file.Size,
		progress: progress,
	}

	_, err = io.Copy(io.MultiWriter(out, writer), resp.Body)
	if err != nil {
		return fmt.Errorf("Failed to download %q: %w", url, err)
	}

	err = out.Close()
	if err != nil {
		return fmt.Errorf("Failed to finish download of %q: %w", url, err)
	}

	progress.emit(file, shared.StageDownloadFileEnd, writer.current, file.Size)

	if writer.current != file.Size {
		return fmt.Errorf("Downloaded %d bytes of %q, expected %d", writer.current, file.FileName, file.Size)
	}

	return nil
}

// verify stream-hashes the payload with the file's strongest digest algorithm
// and compares the result.
func (d *Downloader) verify(file *metadata.ContentFile, path string, progress ProgressFunc) error {
	digest, hasher, err := StrongestDigest(file)
	if err != nil {
		return err
	}

	want, err := digest.Bytes()
	if err != nil {
		return err
	}

	in, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("Failed to open downloaded file: %w", err)
	}

	defer in.Close()

	progress.emit(file, shared.StageHashFileStart, 0, file.Size)

	writer := &progressWriter{
		file:     file,
		stage:    shared.StageHashFileProgress,
		maximum:  file.Size,
		progress: progress,
	}

	_, err = io.Copy(io.MultiWriter(hasher, writer), in)
	if err != nil {
		return fmt.Errorf("Failed to hash downloaded file: %w", err)
	}

	progress.emit(file, shared.StageHashFileEnd, writer.current, file.Size)

	got := hasher.Sum(nil)
	if hex.EncodeToString(got) != hex.EncodeToString(want) {
		return fmt.Errorf("Digest mismatch for %q: got %s, expected %s (%s)",
			file.FileName, hex.EncodeToString(got), hex.EncodeToString(want), digest.Algorithm)
	}

	return nil
}

// progressWriter counts bytes flowing through it and forwards the running
// total as progress events.
type progressWriter struct {
	file     *metadata.ContentFile
	stage    shared.ProgressStage
	current  int64
	maximum  int64
	progress ProgressFunc
}

func (w *progressWriter) Write(p []byte) (int, error) {
	w.current += int64(len(p))
	w.progress.emit(w.file, w.stage, w.current, w.maximum)

	return len(p), nil
}

// checkFreeSpace errors out early when the filesystem holding dir cannot fit
// the remaining payload bytes.
func checkFreeSpace(dir string, need int64) error {
	if need <= 0 {
		return nil
	}

	var stat unix.Statfs_t

	err := unix.Statfs(dir, &stat)
	if err != nil {
		// Treat an unsupported statfs as unlimited space.
		return nil
	}

	free := int64(stat.Bavail) * int64(stat.Bsize)
	if free < need {
		return fmt.Errorf("Not enough free space in %q: %d bytes available, %d needed", dir, free, need)
	}

	return nil
}
