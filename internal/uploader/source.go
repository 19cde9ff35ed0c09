package uploader

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/klauspost/compress/zip"

	"github.com/mapstats/service/internal/tilekey"
)

// Item is one tile to upload.
type Item struct {
	Path string // relative path inside the source, reported on failure
	Tile tilekey.Tile
	Size int64 // -1 when unknown
	Open func() (io.ReadCloser, error)
}

func tileItem(path string, size int64, open func() (io.ReadCloser, error)) (Item, bool) {
	z, x, y, ok := tilekey.MatchTilePath(path)
	if !ok {
		return Item{}, false
	}
	return Item{Path: path, Tile: tilekey.Tile{Z: z, X: x, Y: y}, Size: size, Open: open}, true
}

// FromDir collects every tile under root, in lexical path order. Files that
// do not look like z/x/y.png are skipped.
func FromDir(root string) ([]Item, error) {
	var items []Item
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		it, ok := tileItem(filepath.ToSlash(rel), info.Size(), func() (io.ReadCloser, error) {
			return os.Open(path)
		})
		if ok {
			items = append(items, it)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", root, err)
	}
	return items, nil
}

// FromFiles turns an explicit file list into tiles, skipping non-tiles.
func FromFiles(paths []string) ([]Item, error) {
	items := make([]Item, 0, len(paths))
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		if info.IsDir() {
			continue
		}
		path := p
		if it, ok := tileItem(filepath.ToSlash(p), info.Size(), func() (io.ReadCloser, error) {
			return os.Open(path)
		}); ok {
			items = append(items, it)
		}
	}
	return items, nil
}

// Archive is a zip file opened as a tile source. Items read from the archive
// lazily, so it must stay open until the upload is done.
type Archive struct {
	Items []Item
	zr    *zip.ReadCloser
}

// Close releases the archive.
func (a *Archive) Close() error { return a.zr.Close() }

// FromZip opens a zip archive and collects the entries that are tiles,
// sorted by entry name.
func FromZip(path string) (*Archive, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("open archive %s: %w", path, err)
	}
	a := &Archive{zr: zr}
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		f := f
		if it, ok := tileItem(f.Name, int64(f.UncompressedSize64), func() (io.ReadCloser, error) {
			return f.Open()
		}); ok {
			a.Items = append(a.Items, it)
		}
	}
	sort.Slice(a.Items, func(i, j int) bool { return a.Items[i].Path < a.Items[j].Path })
	return a, nil
}
