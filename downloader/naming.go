package downloader

import (
	"fmt"
	"hash/fnv"
	"mime"
	"net/url"
	"path"
	"strings"
)

const maxStemLen = 120

// knownExts are the extensions tried, in order, when an extensionless URL
// may already have been stored by an earlier run.
var knownExts = []string{
	".css", ".js", ".png", ".jpg", ".svg", ".gif", ".webp", ".avif",
	".woff2", ".woff", ".ttf", ".otf", ".eot", ".ico", ".json",
}

var contentTypeExts = map[string]string{
	"text/css":                      ".css",
	"text/javascript":               ".js",
	"application/javascript":        ".js",
	"application/x-javascript":      ".js",
	"application/json":              ".json",
	"application/manifest+json":     ".json",
	"image/png":                     ".png",
	"image/jpeg":                    ".jpg",
	"image/jpg":                     ".jpg",
	"image/svg+xml":                 ".svg",
	"image/gif":                     ".gif",
	"image/webp":                    ".webp",
	"image/avif":                    ".avif",
	"image/x-icon":                  ".ico",
	"image/vnd.microsoft.icon":      ".ico",
	"font/woff2":                    ".woff2",
	"font/woff":                     ".woff",
	"application/font-woff":         ".woff",
	"application/font-woff2":        ".woff2",
	"font/ttf":                      ".ttf",
	"application/x-font-ttf":        ".ttf",
	"font/otf":                      ".otf",
	"application/vnd.ms-fontobject": ".eot",
}

// extFromContentType maps a Content-Type header to a file extension, or ""
// when the type is unknown.
func extFromContentType(ct string) string {
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return ""
	}
	return contentTypeExts[strings.ToLower(mt)]
}

// assetName derives the flattened file name of an asset. The extension is
// returned separately and is empty when the URL path carries none.
//
//	https://site/css/main.css          -> css_main, .css
//	https://cdn.net/lib/x.js?v=2       -> cdn.net_lib_x_1a2b3c4d, .js (foreign)
//	https://site/css_main.css          -> css_main_a9220d1e, .css
//
// Paths that already contain '_' or characters sanitize replaces get a hash
// of the path appended, so they never share a stem with a nested path.
func assetName(u *url.URL, foreign bool) (stem, ext string) {
	p := strings.TrimLeft(u.Path, "/")
	if p == "" || strings.HasSuffix(p, "/") {
		p += "index"
	}
	ext = path.Ext(p)
	if !validExt(ext) {
		ext = ""
	}
	base := strings.TrimSuffix(p, ext)
	stem = sanitize(base)
	if ambiguous(base) {
		stem += "_" + shortHash(u.Path)
	}
	if foreign {
		stem = sanitize(u.Hostname()) + "_" + stem
	}
	if u.RawQuery != "" {
		stem += "_" + shortHash(u.RawQuery)
	}
	if len(stem) > maxStemLen {
		stem = stem[:maxStemLen-9] + "_" + shortHash(u.String())
	}
	return stem, strings.ToLower(ext)
}

func validExt(ext string) bool {
	if len(ext) < 2 || len(ext) > 6 {
		return false
	}
	for _, r := range ext[1:] {
		if !isAlnum(r) {
			return false
		}
	}
	return true
}

// sanitize replaces every character outside [A-Za-z0-9._-] with '_'.
func sanitize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if isAlnum(r) || r == '.' || r == '_' || r == '-' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

// ambiguous reports whether sanitizing s maps anything other than a path
// separator to '_'.
func ambiguous(s string) bool {
	for _, r := range s {
		if r != '/' && !isAlnum(r) && r != '.' && r != '-' {
			return true
		}
	}
	return false
}

func isAlnum(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}

func shortHash(s string) string {
	h := fnv.New32a()
	h.Write([]byte(s))
	return fmt.Sprintf("%08x", h.Sum32())
}
