package shared

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v2"
)

// RunCommand runs a command. Stdout is written to the given io.Writer. If nil, it's written to the real stdout. Stderr is always written to the real stderr.
func RunCommand(ctx context.Context, stdin io.Reader, stdout io.Writer, name string, arg ...string) error {
	cmd := exec.CommandContext(ctx, name, arg...)

	if stdin != nil {
		cmd.Stdin = stdin
	}

	if stdout != nil {
		cmd.Stdout = stdout
	} else {
		cmd.Stdout = os.Stdout
	}

	cmd.Stderr = os.Stderr

	return cmd.Run()
}

// Retry retries a function up to <attempts> times. This is especially useful for networking.
func Retry(f func() error, attempts uint) error {
	var err error

	for i := uint(0); i < attempts; i++ {
		err = f()
		// Stop retrying if the call succeeded or if the context has been cancelled.
		if err == nil || errors.Is(err, context.Canceled) {
			break
		}

		time.Sleep(time.Second)
	}

	return err
}

// FileHash calculates the combined hash for the given files using the provided
// hash function.
func FileHash(hash hash.Hash, paths ...string) (string, error) {
	if len(paths) == 0 {
		return "", nil
	}

	for _, path := range paths {
		file, err := os.Open(path)
		if err != nil {
			return "", err
		}

		defer file.Close()

		_, err = io.Copy(hash, file)
		if err != nil {
			return "", err
		}
	}

	return hex.EncodeToString(hash.Sum(nil)), nil
}

// ReadYAMLFile opens the YAML file on the given path and tries to decode it into
// the given structure.
func ReadYAMLFile[T any](path string, obj *T) (*T, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("Error opening file: %w", err)
	}

	defer file.Close()

	err = yaml.NewDecoder(file).Decode(obj)
	if err != nil {
		return nil, fmt.Errorf("Error decoding YAML: %w", err)
	}

	return obj, nil
}

// ReadJSONFile opens the JSON file on the given path and tries to decode it into
// the given structure.
func ReadJSONFile[T any](path string, obj *T) (*T, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("Error opening file: %w", err)
	}

	defer file.Close()

	err = json.NewDecoder(file).Decode(obj)
	if err != nil {
		return nil, fmt.Errorf("Error decoding JSON: %w", err)
	}

	return obj, nil
}

// WriteFileAtomic writes data to a temporary file in the target directory and
// renames it into place, so concurrent readers never observe partial content.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-")
	if err != nil {
		return fmt.Errorf("Failed creating temporary file: %w", err)
	}

	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	_, err = tmp.Write(data)
	if err != nil {
		return fmt.Errorf("Failed writing temporary file: %w", err)
	}

	err = tmp.Close()
	if err != nil {
		return fmt.Errorf("Failed closing temporary file: %w", err)
	}

	err = os.Chmod(tmp.Name(), perm)
	if err != nil {
		return fmt.Errorf("Failed setting file mode: %w", err)
	}

	err = os.Rename(tmp.Name(), path)
	if err != nil {
		return fmt.Errorf("Failed replacing file %q: %w", path, err)
	}

	return nil
}

// WriteJSONFileAtomic encodes the given structure into JSON format and replaces
// the file on the given path atomically.
func WriteJSONFileAtomic(path string, obj any) error {
	data, err := json.MarshalIndent(obj, "", "  ")
	if err != nil {
		return fmt.Errorf("Error encoding JSON: %w", err)
	}

	return WriteFileAtomic(path, append(data, '\n'), 0644)
}

// HasSuffix returns true if the key matches any of the given suffixes.
func HasSuffix(key string, suffixes ...string) bool {
	for _, suffix := range suffixes {
		if strings.HasSuffix(key, suffix) {
			return true
		}
	}

	return false
}
