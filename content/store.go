// Package content implements the content-addressed store for update payload
// files and their resumable, hash-verified download.
package content

import (
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/wsussync/wsussync/metadata"
	"github.com/wsussync/wsussync/shared"
)

// ErrUnsupportedDigest marks content files carrying none of the supported
// digest algorithms.
var ErrUnsupportedDigest = errors.New("No supported digest algorithm")

// doneSuffix marks completed, verified payloads. The marker file holds the
// original file name.
const doneSuffix = ".done"

// hashConstructors maps supported digest algorithms to their hash functions,
// strongest first.
var hashConstructors = []struct {
	Algorithm string
	New       func() hash.Hash
}{
	{Algorithm: "SHA512", New: sha512.New},
	{Algorithm: "SHA256", New: sha256.New},
	{Algorithm: "SHA1", New: sha1.New},
}

// StrongestDigest picks the strongest supported digest from the file's digest
// list and returns it together with a fresh hash of its algorithm.
func StrongestDigest(file *metadata.ContentFile) (metadata.FileDigest, hash.Hash, error) {
	for _, candidate := range hashConstructors {
		digest, ok := file.Digest(candidate.Algorithm)
		if ok {
			return digest, candidate.New(), nil
		}
	}

	return metadata.FileDigest{}, nil, fmt.Errorf("%w for file %q", ErrUnsupportedDigest, file.FileName)
}

// Check reports whether the file at path hashes to the content file's primary
// digest.
func Check(file *metadata.ContentFile, path string) (bool, error) {
	primary, ok := file.PrimaryDigest()
	if !ok {
		return false, fmt.Errorf("%w for file %q", ErrUnsupportedDigest, file.FileName)
	}

	var newHash func() hash.Hash
	for _, candidate := range hashConstructors {
		if candidate.Algorithm == primary.Algorithm {
			newHash = candidate.New
			break
		}
	}

	if newHash == nil {
		return false, fmt.Errorf("%w for file %q", ErrUnsupportedDigest, file.FileName)
	}

	want, err := primary.Bytes()
	if err != nil {
		return false, err
	}

	got, err := shared.FileHash(newHash(), path)
	if err != nil {
		return false, err
	}

	return got == hex.EncodeToString(want), nil
}

// Store is a content-addressed file store. Payloads live under
// <root>/<XX>/<HEX>/<HEX> where HEX is the upper-hex primary digest and XX
// its last byte, with a sidecar marker recording the original file name once
// a payload is complete and verified.
type Store struct {
	root string
}

// NewStore opens (creating if needed) a content store rooted at dir.
func NewStore(dir string) (*Store, error) {
	err := os.MkdirAll(dir, 0755)
	if err != nil {
		return nil, fmt.Errorf("Failed to create content store root: %w", err)
	}

	return &Store{root: dir}, nil
}

// Root returns the store's root directory.
func (s *Store) Root() string {
	return s.root
}

// Shard returns the sharding prefix of a digest: the upper-hex of its last
// byte.
func Shard(digest []byte) string {
	return strings.ToUpper(hex.EncodeToString(digest[len(digest)-1:]))
}

// URLPath returns the path under which a content file is served:
// microsoftupdate/content/<shard>/<hexDigest><ext>.
func URLPath(file *metadata.ContentFile) (string, error) {
	primary, ok := file.PrimaryDigest()
	if !ok {
		return "", fmt.Errorf("%w for file %q", ErrUnsupportedDigest, file.FileName)
	}

	digest, err := primary.Bytes()
	if err != nil {
		return "", err
	}

	hexDigest := strings.ToUpper(hex.EncodeToString(digest))

	return fmt.Sprintf("microsoftupdate/content/%s/%s%s", Shard(digest), hexDigest, filepath.Ext(file.FileName)), nil
}

// pathForDigest returns the payload path for raw digest bytes.
func (s *Store) pathForDigest(digest []byte) string {
	hexDigest := strings.ToUpper(hex.EncodeToString(digest))

	return filepath.Join(s.root, Shard(digest), hexDigest, hexDigest)
}

// Path returns the payload path of a content file.
func (s *Store) Path(file *metadata.ContentFile) (string, error) {
	primary, ok := file.PrimaryDigest()
	if !ok {
		return "", fmt.Errorf("%w for file %q", ErrUnsupportedDigest, file.FileName)
	}

	digest, err := primary.Bytes()
	if err != nil {
		return "", err
	}

	return s.pathForDigest(digest), nil
}

// Contains reports whether the store holds a complete, verified copy of the
// file.
func (s *Store) Contains(file *metadata.ContentFile) bool {
	path, err := s.Path(file)
	if err != nil {
		return false
	}

	_, err = os.Stat(path)
	if err != nil {
		return false
	}

	_, err = os.Stat(path + doneSuffix)

	return err == nil
}

// Open opens a stored payload by its upper-hex digest, returning the file
// and the original file name recorded at download time.
func (s *Store) Open(hexDigest string) (*os.File, string, error) {
	hexDigest = strings.ToUpper(hexDigest)
	if len(hexDigest) < 2 {
		return nil, "", fmt.Errorf("Invalid content digest %q", hexDigest)
	}

	raw, err := hex.DecodeString(hexDigest)
	if err != nil {
		return nil, "", fmt.Errorf("Invalid content digest %q: %w", hexDigest, err)
	}

	path := s.pathForDigest(raw)

	name, err := os.ReadFile(path + doneSuffix)
	if err != nil {
		return nil, "", fmt.Errorf("Content %q is not complete: %w", hexDigest, err)
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, "", err
	}

	return file, strings.TrimSpace(string(name)), nil
}

// markDone records the original file name next to a verified payload.
func (s *Store) markDone(path string, file *metadata.ContentFile) error {
	return shared.WriteFileAtomic(path+doneSuffix, []byte(file.FileName), 0644)
}

// Stats summarizes the store's contents.
type Stats struct {
	Files int
	Bytes int64
}

// Stats walks the store and counts completed payloads and their total size.
func (s *Store) Stats() (Stats, error) {
	var stats Stats

	err := filepath.WalkDir(s.root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if entry.IsDir() || shared.HasSuffix(path, doneSuffix) {
			return nil
		}

		// Count only verified payloads.
		_, err = os.Stat(path + doneSuffix)
		if err != nil {
			return nil
		}

		info, err := entry.Info()
		if err != nil {
			return err
		}

		stats.Files++
		stats.Bytes += info.Size()

		return nil
	})
	if err != nil {
		return Stats{}, fmt.Errorf("Failed to walk content store: %w", err)
	}

	return stats, nil
}
