package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// FileHandle is the handle built by FileLoader: the artifact's files,
// verified and fingerprinted.
type FileHandle struct {
	Key      Key
	Path     string
	Files    []string
	Size     int64
	Digest   string
	Metadata map[string]any
}

// Close is a no-op; FileHandle holds no open descriptors.
func (h *FileHandle) Close() error { return nil }

// FileLoader reads every file of a Blob once and records its sha256 digest.
// An "sha256" metadata entry, when present, must match.
type FileLoader struct{}

func (FileLoader) Load(ctx context.Context, b Blob) (Handle, error) {
	sum := sha256.New()
	for _, p := range b.Files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := hashFile(sum, p); err != nil {
			return nil, err
		}
	}
	digest := hex.EncodeToString(sum.Sum(nil))
	if want, ok := b.Metadata["sha256"].(string); ok && want != "" && want != digest {
		return nil, fmt.Errorf("digest mismatch for %s: want %s, got %s", b.Key, want, digest)
	}
	return &FileHandle{
		Key:      b.Key,
		Path:     b.Path,
		Files:    b.Files,
		Size:     b.Size,
		Digest:   digest,
		Metadata: b.Metadata,
	}, nil
}

func hashFile(w io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	return nil
}
