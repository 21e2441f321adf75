package artifact

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func newArtifactTree(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "styles", "mosaic", "v1", "weights.bin"), "0123456789")
	writeFile(t, filepath.Join(root, "styles", "mosaic", "v1", "meta.yaml"), "resolution: 512\nauthor: lab\n")
	writeFile(t, filepath.Join(root, "styles", "mosaic", "v2", "weights.bin"), "abc")
	writeFile(t, filepath.Join(root, "styles", "mosaic", "v2", "meta.toml"), "resolution = 1024\n")
	writeFile(t, filepath.Join(root, "styles", "candy", "v1"), "single-file")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "styles", "empty", "v1"), 0o755))
	return root
}

func TestDirStoreFetchDirectoryWithMeta(t *testing.T) {
	s, err := NewDirStore(newArtifactTree(t))
	require.NoError(t, err)

	b, err := s.FetchArtifact(context.Background(), Key{"styles", "mosaic", "v1"})
	require.NoError(t, err)
	assert.Len(t, b.Files, 1)
	assert.Equal(t, int64(10), b.Size)
	assert.Equal(t, 512, b.Metadata["resolution"])
	assert.Equal(t, "lab", b.Metadata["author"])

	b, err = s.FetchArtifact(context.Background(), Key{"styles", "mosaic", "v2"})
	require.NoError(t, err)
	assert.EqualValues(t, 1024, b.Metadata["resolution"])
}

func TestDirStoreFetchSingleFile(t *testing.T) {
	s, err := NewDirStore(newArtifactTree(t))
	require.NoError(t, err)

	b, err := s.FetchArtifact(context.Background(), Key{"styles", "candy", "v1"})
	require.NoError(t, err)
	assert.Equal(t, []string{b.Path}, b.Files)
	assert.Equal(t, int64(len("single-file")), b.Size)
	assert.Nil(t, b.Metadata)
}

func TestDirStoreMissing(t *testing.T) {
	s, err := NewDirStore(newArtifactTree(t))
	require.NoError(t, err)

	_, err = s.FetchArtifact(context.Background(), Key{"styles", "nope", "v1"})
	assert.True(t, IsNotFound(err))
	_, err = s.FetchArtifact(context.Background(), Key{"styles", "empty", "v1"})
	assert.True(t, IsNotFound(err))
	_, err = s.FetchArtifact(context.Background(), Key{"..", "mosaic", "v1"})
	assert.Error(t, err)
	assert.False(t, IsNotFound(err))
}

func TestDirStoreList(t *testing.T) {
	s, err := NewDirStore(newArtifactTree(t))
	require.NoError(t, err)

	keys, err := s.List(context.Background())
	require.NoError(t, err)
	var got []string
	for _, k := range keys {
		got = append(got, k.String())
	}
	assert.Equal(t, []string{"styles/candy@v1", "styles/empty@v1", "styles/mosaic@v1", "styles/mosaic@v2"}, got)
}

func TestNewDirStoreRejectsMissingRoot(t *testing.T) {
	_, err := NewDirStore(filepath.Join(t.TempDir(), "absent"))
	assert.Error(t, err)
}

func TestFileLoaderDigest(t *testing.T) {
	s, err := NewDirStore(newArtifactTree(t))
	require.NoError(t, err)
	b, err := s.FetchArtifact(context.Background(), Key{"styles", "mosaic", "v1"})
	require.NoError(t, err)

	h, err := FileLoader{}.Load(context.Background(), b)
	require.NoError(t, err)
	fh := h.(*FileHandle)
	// sha256("0123456789")
	assert.Equal(t, "84d89877f0d4041efb6bf91a16f0248f2fd573e6af05c19f96bedb9f882f7882", fh.Digest)
	assert.NoError(t, fh.Close())

	b.Metadata["sha256"] = "deadbeef"
	_, err = FileLoader{}.Load(context.Background(), b)
	assert.ErrorContains(t, err, "digest mismatch")
}

func TestCacheOverDirStore(t *testing.T) {
	s, err := NewDirStore(newArtifactTree(t))
	require.NoError(t, err)
	c := New(s, FileLoader{}, Config{MaxEntries: 1, SweepInterval: -1})
	defer c.Close()

	l, err := c.GetOrLoad(context.Background(), Key{"styles", "candy", "v1"})
	require.NoError(t, err)
	defer l.Release()
	assert.Equal(t, Key{"styles", "candy", "v1"}, l.Handle.(*FileHandle).Key)

	_, err = c.GetOrLoad(context.Background(), Key{"styles", "missing", "v1"})
	assert.True(t, IsLoadFailed(err))
	assert.True(t, IsNotFound(err))
}

func TestParseKey(t *testing.T) {
	k, err := ParseKey("styles/mosaic@v2")
	require.NoError(t, err)
	assert.Equal(t, Key{"styles", "mosaic", "v2"}, k)

	k, err = ParseKey("styles/mosaic")
	require.NoError(t, err)
	assert.Equal(t, "latest", k.Version)

	for _, bad := range []string{"mosaic", "/mosaic@v1", "styles/@v1", "styles/a/b@v1", "styles/..@v1"} {
		_, err := ParseKey(bad)
		assert.Error(t, err, bad)
	}
}
