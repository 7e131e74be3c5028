package processor

import (
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"sitemirror/site"
)

// LinkResolver maps hyperlinks onto page documents already present in the
// mirror. A link that does not resolve now may resolve after later pages
// are stored; the repair pass retries it.
type LinkResolver struct {
	root string
	site *site.Site
}

func NewLinkResolver(root string, s *site.Site) *LinkResolver {
	return &LinkResolver{root: root, site: s}
}

func skipLink(href string) bool {
	if href == "" || strings.HasPrefix(href, "#") {
		return true
	}
	lower := strings.ToLower(href)
	for _, p := range []string{"mailto:", "tel:", "javascript:", "data:"} {
		if strings.HasPrefix(lower, p) {
			return true
		}
	}
	return false
}

// Resolve returns the mirror-relative document path of href as seen from
// pageURL, for example "about/index.html". It reports false for links
// off the site and for pages that are not stored yet.
func (r *LinkResolver) Resolve(href string, pageURL *url.URL) (string, bool) {
	target, ok := r.target(href, pageURL)
	if !ok {
		return "", false
	}
	doc := site.DocumentPath(target.Path)
	if !r.exists(doc) {
		return "", false
	}
	return doc, true
}

func (r *LinkResolver) target(href string, pageURL *url.URL) (*url.URL, bool) {
	href = strings.TrimSpace(href)
	if skipLink(href) || strings.HasPrefix(href, "//") {
		return nil, false
	}
	u, err := url.Parse(href)
	if err != nil {
		return nil, false
	}
	if !u.IsAbs() {
		if pageURL == nil {
			return nil, false
		}
		u = pageURL.ResolveReference(u)
	}
	if !r.site.SameSite(u) {
		return nil, false
	}
	return u, true
}

// Rewrite returns the href to write into a document stored in pageDir and
// whether it differs from href. The fragment is kept. An href that is
// already a relative path to an existing mirror file is returned as is.
func (r *LinkResolver) Rewrite(href string, pageURL *url.URL, pageDir string) (string, bool) {
	if r.isLocal(href, pageDir) {
		return href, false
	}
	doc, ok := r.Resolve(href, pageURL)
	if !ok {
		return href, false
	}
	rel := site.Rel(pageDir, doc)
	if u, err := url.Parse(strings.TrimSpace(href)); err == nil && u.Fragment != "" {
		rel += "#" + u.EscapedFragment()
	}
	return rel, rel != href
}

// isLocal reports whether ref is a relative path that already points at a
// file of the mirror when read from pageDir.
func (r *LinkResolver) isLocal(ref, pageDir string) bool {
	return isLocalRef(r.root, ref, pageDir)
}

func (r *LinkResolver) exists(rel string) bool {
	fi, err := os.Stat(filepath.Join(r.root, filepath.FromSlash(rel)))
	return err == nil && !fi.IsDir()
}

func isLocalRef(root, ref, pageDir string) bool {
	ref = strings.TrimSpace(ref)
	if ref == "" || strings.HasPrefix(ref, "/") || strings.HasPrefix(ref, "#") {
		return false
	}
	u, err := url.Parse(ref)
	if err != nil || u.IsAbs() || u.Host != "" || u.Path == "" {
		return false
	}
	fi, err := os.Stat(filepath.Join(root, filepath.FromSlash(path.Join(pageDir, u.Path))))
	return err == nil && !fi.IsDir()
}
