package metadata

import (
	"encoding/base64"
	"fmt"
	"time"
)

// FileDigest is one hash of a content file.
type FileDigest struct {
	Algorithm string `json:"algorithm"`
	Value     string `json:"value"` // base64
}

// Bytes decodes the digest into its raw bytes.
func (d FileDigest) Bytes() ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(d.Value)
	if err != nil {
		return nil, fmt.Errorf("Failed to decode digest %q: %w", d.Value, err)
	}

	return data, nil
}

// FileURL carries the two source URLs of a content file: the public Microsoft
// Update one and the upstream server's own.
type FileURL struct {
	MUURL  string `json:"muUrl"`
	USSURL string `json:"ussUrl,omitempty"`
}

// ContentFile describes one binary payload of an update. The digest list is
// never empty and its first entry is the file's primary digest, whose base64
// value identifies the file for deduplication.
type ContentFile struct {
	FileName     string       `json:"fileName"`
	Size         int64        `json:"size"`
	Modified     time.Time    `json:"modified,omitempty"`
	PatchingType string       `json:"patchingType,omitempty"`
	Digests      []FileDigest `json:"digests"`
	Source       FileURL      `json:"source"`
}

// PrimaryDigest returns the file's first digest.
func (f *ContentFile) PrimaryDigest() (FileDigest, bool) {
	if len(f.Digests) == 0 {
		return FileDigest{}, false
	}

	return f.Digests[0], true
}

// DigestKey returns the base64 of the primary digest, the file's identity for
// deduplication purposes.
func (f *ContentFile) DigestKey() string {
	digest, ok := f.PrimaryDigest()
	if !ok {
		return ""
	}

	return digest.Value
}

// Digest returns the file's digest for the given algorithm.
func (f *ContentFile) Digest(algorithm string) (FileDigest, bool) {
	for _, digest := range f.Digests {
		if digest.Algorithm == algorithm {
			return digest, true
		}
	}

	return FileDigest{}, false
}

// DownloadURL returns the URL to fetch the file from, preferring the public
// Microsoft Update URL and falling back to the upstream server's own.
func (f *ContentFile) DownloadURL() string {
	if f.Source.MUURL != "" {
		return f.Source.MUURL
	}

	return f.Source.USSURL
}
