package uploader

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mapstats/service/internal/tilekey"
)

func writeFile(t *testing.T, path, data string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))
}

func readItem(t *testing.T, it Item) string {
	t.Helper()
	rc, err := it.Open()
	require.NoError(t, err)
	defer rc.Close()
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(b)
}

func TestFromDir(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "export", "tiles", "17", "100", "200.png"), "a")
	writeFile(t, filepath.Join(root, "export", "tiles", "17", "100", "201.png"), "bb")
	writeFile(t, filepath.Join(root, "export", "README.txt"), "skip")
	writeFile(t, filepath.Join(root, "17", "x", "1.png"), "skip")

	items, err := FromDir(root)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "export/tiles/17/100/200.png", items[0].Path)
	assert.Equal(t, tilekey.Tile{Z: 17, X: 100, Y: 201}, items[1].Tile)
	assert.Equal(t, int64(2), items[1].Size)
	assert.Equal(t, "bb", readItem(t, items[1]))

	_, err = FromDir(filepath.Join(root, "missing"))
	assert.Error(t, err)
}

func TestFromFiles(t *testing.T) {
	root := t.TempDir()
	tile := filepath.Join(root, "3", "4", "5.png")
	other := filepath.Join(root, "notes.md")
	writeFile(t, tile, "png")
	writeFile(t, other, "md")

	items, err := FromFiles([]string{tile, other, root})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, tilekey.Tile{Z: 3, X: 4, Y: 5}, items[0].Tile)
	assert.Equal(t, "png", readItem(t, items[0]))

	_, err = FromFiles([]string{filepath.Join(root, "gone.png")})
	assert.Error(t, err)
}

func TestFromZip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tiles.zip")
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	for name, data := range map[string]string{
		"course/tiles/16/9/8.png": "second",
		"course/tiles/16/9/7.png": "first",
		"course/metadata.json":    "{}",
		"__MACOSX/._thumb.jpg":    "junk",
	} {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(data))
		require.NoError(t, err)
	}
	_, err = zw.Create("course/tiles/16/")
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())

	a, err := FromZip(path)
	require.NoError(t, err)
	defer a.Close()

	require.Len(t, a.Items, 2)
	assert.Equal(t, "course/tiles/16/9/7.png", a.Items[0].Path)
	assert.Equal(t, "first", readItem(t, a.Items[0]))
	assert.Equal(t, tilekey.Tile{Z: 16, X: 9, Y: 8}, a.Items[1].Tile)
	assert.Equal(t, int64(len("second")), a.Items[1].Size)

	_, err = FromZip(filepath.Join(t.TempDir(), "none.zip"))
	assert.Error(t, err)
}
