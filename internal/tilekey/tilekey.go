// Package tilekey maps slippy-map tile coordinates to object-store keys.
package tilekey

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

	// {scope}/tiles/{z}/{x}/{y}.png; the tiles/ segment is optional so that
	// keys written by the original worker layout still parse.
	tileKeyRe = regexp.MustCompile(`^(.+?)/(?:tiles/)?(\d+)/(\d+)/(\d+)\.png$`)

	// Relative paths inside upload sources (directory pickers, zip entries).
	tilePathRe = regexp.MustCompile(`(?:.*/)?(\d+)/(\d+)/(\d+)\.png$`)
)

// Tile addresses one tile of a scope.
type Tile struct {
	Scope string
	Z     int
	X     int
	Y     int
}

// String returns "z/x/y".
func (t Tile) String() string {
	return strconv.Itoa(t.Z) + "/" + strconv.Itoa(t.X) + "/" + strconv.Itoa(t.Y)
}

// Key returns the object key of t.
func (t Tile) Key() string {
	return TileKey(t.Scope, t.Z, t.X, t.Y)
}

// SanitizeSlug lowercases name, collapses every run of characters outside
// [a-z0-9] to one hyphen and trims hyphens at both ends.
func SanitizeSlug(name string) string {
	s := nonSlug.ReplaceAllString(strings.ToLower(name), "-")
	return strings.Trim(s, "-")
}

// TileKey returns "{scope}/tiles/{z}/{x}/{y}.png".
func TileKey(scope string, z, x, y int) string {
	return scope + "/tiles/" + strconv.Itoa(z) + "/" + strconv.Itoa(x) + "/" + strconv.Itoa(y) + ".png"
}

// ParseTileKey is the inverse of TileKey. It reports false for anything that
// is not a tile key; listing output is untrusted, so it never panics.
func ParseTileKey(key string) (Tile, bool) {
	m := tileKeyRe.FindStringSubmatch(key)
	if m == nil {
		return Tile{}, false
	}
	z, x, y, ok := atoi3(m[2], m[3], m[4])
	if !ok {
		return Tile{}, false
	}
	return Tile{Scope: m[1], Z: z, X: x, Y: y}, true
}

// MatchTilePath extracts z/x/y from a relative path such as
// "export/tiles/17/1024/2048.png".
func MatchTilePath(path string) (z, x, y int, ok bool) {
	m := tilePathRe.FindStringSubmatch(strings.ReplaceAll(path, "\\", "/"))
	if m == nil {
		return 0, 0, 0, false
	}
	return atoi3(m[1], m[2], m[3])
}

// ExpandTemplate substitutes {z}, {x} and {y} in a tileset URL pattern.
func ExpandTemplate(pattern string, z, x, y int) string {
	return strings.NewReplacer(
		"{z}", strconv.Itoa(z),
		"{x}", strconv.Itoa(x),
		"{y}", strconv.Itoa(y),
	).Replace(pattern)
}

func atoi3(a, b, c string) (int, int, int, bool) {
	z, err1 := strconv.Atoi(a)
	x, err2 := strconv.Atoi(b)
	y, err3 := strconv.Atoi(c)
	if err1 != nil || err2 != nil || err3 != nil {
		return 0, 0, 0, false
	}
	return z, x, y, true
}
