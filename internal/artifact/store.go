package artifact

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"inferq/internal/common/fsutil"
)

var metaFiles = []string{"meta.json", "meta.yaml", "meta.yml", "meta.toml"}

// DirStore serves artifacts from <root>/<namespace>/<name>/<version>, which
// may be a single file or a directory. A directory may carry a meta.json,
// meta.yaml or meta.toml file that becomes the artifact's metadata.
type DirStore struct {
	root string
}

// NewDirStore resolves root ('~' allowed) and checks that it exists.
func NewDirStore(root string) (*DirStore, error) {
	abs, err := fsutil.ResolveDir(root)
	if err != nil {
		return nil, err
	}
	st, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("artifact root: %w", err)
	}
	if !st.IsDir() {
		return nil, fmt.Errorf("artifact root %s is not a directory", abs)
	}
	return &DirStore{root: abs}, nil
}

// Root returns the absolute artifact root.
func (s *DirStore) Root() string { return s.root }

// FetchArtifact locates key on disk and reads its metadata.
func (s *DirStore) FetchArtifact(ctx context.Context, key Key) (Blob, error) {
	if err := key.Validate(); err != nil {
		return Blob{}, err
	}
	if err := ctx.Err(); err != nil {
		return Blob{}, err
	}
	p := filepath.Join(s.root, key.Namespace, key.Name, key.Version)
	st, err := os.Stat(p)
	if err != nil {
		if os.IsNotExist(err) {
			return Blob{}, fmt.Errorf("%w: %s", ErrArtifactNotFound, key)
		}
		return Blob{}, fmt.Errorf("stat %s: %w", p, err)
	}
	b := Blob{Key: key, Path: p}
	if !st.IsDir() {
		b.Files = []string{p}
		b.Size = st.Size()
		return b, nil
	}
	err = filepath.WalkDir(p, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if isMetaFile(path, p) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		b.Files = append(b.Files, path)
		b.Size += info.Size()
		return nil
	})
	if err != nil {
		return Blob{}, fmt.Errorf("scan %s: %w", p, err)
	}
	if len(b.Files) == 0 {
		return Blob{}, fmt.Errorf("%w: %s has no files", ErrArtifactNotFound, key)
	}
	b.Metadata, err = readMeta(p)
	if err != nil {
		return Blob{}, err
	}
	return b, nil
}

// List returns every key present under the root, sorted.
func (s *DirStore) List(ctx context.Context) ([]Key, error) {
	var keys []Key
	namespaces, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}
	for _, ns := range namespaces {
		if !ns.IsDir() || strings.HasPrefix(ns.Name(), ".") {
			continue
		}
		names, err := os.ReadDir(filepath.Join(s.root, ns.Name()))
		if err != nil {
			return nil, fmt.Errorf("read dir: %w", err)
		}
		for _, n := range names {
			if !n.IsDir() {
				continue
			}
			versions, err := os.ReadDir(filepath.Join(s.root, ns.Name(), n.Name()))
			if err != nil {
				return nil, fmt.Errorf("read dir: %w", err)
			}
			for _, v := range versions {
				if strings.HasPrefix(v.Name(), ".") {
					continue
				}
				k := Key{Namespace: ns.Name(), Name: n.Name(), Version: v.Name()}
				if k.Validate() == nil {
					keys = append(keys, k)
				}
			}
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys, nil
}

func isMetaFile(path, dir string) bool {
	if filepath.Dir(path) != dir {
		return false
	}
	base := filepath.Base(path)
	for _, m := range metaFiles {
		if base == m {
			return true
		}
	}
	return false
}

// readMeta decodes the first metadata file found in dir, by extension.
func readMeta(dir string) (map[string]any, error) {
	for _, name := range metaFiles {
		path := filepath.Join(dir, name)
		b, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		meta := map[string]any{}
		switch filepath.Ext(name) {
		case ".json":
			err = json.Unmarshal(b, &meta)
		case ".yaml", ".yml":
			err = yaml.Unmarshal(b, &meta)
		case ".toml":
			err = toml.Unmarshal(b, &meta)
		}
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		return meta, nil
	}
	return nil, nil
}
