// Package site maps page URLs onto the on-disk mirror layout and decides
// which hosts belong to the mirrored site.
package site

import (
	"net/url"
	"path"
	"path/filepath"
	"strings"
)

// Mirror layout names. Every page lives in its own directory holding
// IndexFile and an optional SnapshotFile; assets and recorded API exchanges
// share one directory each at the mirror root.
const (
	RootName     = "_root"
	IndexFile    = "index.html"
	SnapshotFile = "screenshot.png"
	AssetDir     = "_assets"
	APIDir       = "_api"
	ReportFile   = "mirror-report.json"
	FailedFile   = "mirror-failed.txt"
)

// LocalPath maps a URL path to the page directory, relative to the mirror
// root and slash separated. Query and fragment are ignored, the root path
// maps to RootName, and one trailing slash is irrelevant.
//
// Segments are used verbatim: ".." is not defended against.
func LocalPath(urlPath string) string {
	if i := strings.IndexAny(urlPath, "?#"); i >= 0 {
		urlPath = urlPath[:i]
	}
	urlPath = strings.TrimSuffix(urlPath, "/")
	urlPath = strings.TrimLeft(urlPath, "/")
	if urlPath == "" {
		return RootName
	}
	return urlPath
}

// DocumentPath is the index document of the page at urlPath.
func DocumentPath(urlPath string) string {
	return path.Join(LocalPath(urlPath), IndexFile)
}

// SnapshotPath is the screenshot of the page at urlPath.
func SnapshotPath(urlPath string) string {
	return path.Join(LocalPath(urlPath), SnapshotFile)
}

// URLPath reverses LocalPath for a page directory. The trailing slash is
// restored because directory-style URLs are what LocalPath collapses.
func URLPath(localDir string) string {
	localDir = strings.Trim(filepath.ToSlash(localDir), "/")
	if localDir == "" || localDir == RootName || localDir == "." {
		return "/"
	}
	return "/" + localDir + "/"
}

// IsReserved reports whether a top-level directory of the mirror holds
// shared data rather than pages.
func IsReserved(name string) bool {
	return name == AssetDir || name == APIDir
}

// Rel returns target relative to the directory fromDir. Both are slash
// separated paths relative to the mirror root.
func Rel(fromDir, target string) string {
	rel, err := filepath.Rel(filepath.FromSlash(fromDir), filepath.FromSlash(target))
	if err != nil {
		return target
	}
	return filepath.ToSlash(rel)
}

// Canonical strips query and fragment, the identity of a page.
func Canonical(u *url.URL) *url.URL {
	c := *u
	c.RawQuery = ""
	c.ForceQuery = false
	c.Fragment = ""
	c.RawFragment = ""
	if c.Path == "" {
		c.Path = "/"
	}
	return &c
}
