package downloader

import (
	"net/url"
	"path"
	"regexp"
	"strings"

	"sitemirror/site"
)

var (
	cssURLRegex    = regexp.MustCompile(`(?i)url\(\s*(?:'([^']*)'|"([^"]*)"|([^'"\)\s]+))\s*\)`)
	cssImportRegex = regexp.MustCompile(`(?i)@import\s+(?:'([^']*)'|"([^"]*)")`)
)

func firstGroup(m []string) string {
	for _, g := range m[1:] {
		if g != "" {
			return g
		}
	}
	return ""
}

// groupSpan returns the bounds of the first non-empty capture group in a
// FindStringSubmatchIndex result, or -1, -1.
func groupSpan(idx []int) (start, end int) {
	for g := 2; g+1 < len(idx); g += 2 {
		if idx[g] >= 0 && idx[g+1] > idx[g] {
			return idx[g], idx[g+1]
		}
	}
	return -1, -1
}

func skipCSSRef(ref string) bool {
	return ref == "" || strings.HasPrefix(ref, "#") ||
		strings.HasPrefix(strings.ToLower(ref), "data:")
}

// ExtractReferences lists the raw references of a stylesheet: @import
// targets in string or url() form and every url() argument. data: URIs
// and fragment-only references are left out. Order is first appearance.
func ExtractReferences(css string) []string {
	var refs []string
	seen := make(map[string]bool)
	add := func(ref string) {
		ref = strings.TrimSpace(ref)
		if skipCSSRef(ref) || seen[ref] {
			return
		}
		seen[ref] = true
		refs = append(refs, ref)
	}
	for _, m := range cssImportRegex.FindAllStringSubmatch(css, -1) {
		add(firstGroup(m))
	}
	for _, m := range cssURLRegex.FindAllStringSubmatch(css, -1) {
		add(firstGroup(m))
	}
	return refs
}

// ImportReferences lists only the @import targets of a stylesheet.
func ImportReferences(css string) []string {
	var refs []string
	for _, m := range cssImportRegex.FindAllStringSubmatch(css, -1) {
		if ref := strings.TrimSpace(firstGroup(m)); !skipCSSRef(ref) {
			refs = append(refs, ref)
		}
	}
	for _, m := range cssURLRegex.FindAllStringSubmatchIndex(css, -1) {
		if isImportURL(css, m[0]) {
			raw := css[m[0]:m[1]]
			if ref := strings.TrimSpace(firstGroup(cssURLRegex.FindStringSubmatch(raw))); !skipCSSRef(ref) {
				refs = append(refs, ref)
			}
		}
	}
	return refs
}

func isImportURL(css string, start int) bool {
	before := strings.TrimRight(css[:start], " \t\r\n")
	return strings.HasSuffix(strings.ToLower(before), "@import")
}

// RewriteCSS replaces every url() argument and @import string that has an
// entry in resolved with a path relative to the directory of cssLocalPath.
// resolved maps raw references or absolute URLs (resolved against base) to
// mirror-relative paths. Anything else is left byte-identical, so applying
// the same map twice is a no-op.
func RewriteCSS(css string, base *url.URL, resolved map[string]string, cssLocalPath string) string {
	dir := path.Dir(cssLocalPath)
	replace := func(match string, rx *regexp.Regexp) string {
		start, end := groupSpan(rx.FindStringSubmatchIndex(match))
		if start < 0 {
			return match
		}
		ref := strings.TrimSpace(match[start:end])
		if skipCSSRef(ref) {
			return match
		}
		local, frag := lookupResolved(ref, base, resolved)
		if local == "" {
			return match
		}
		return match[:start] + site.Rel(dir, local) + frag + match[end:]
	}

	out := cssImportRegex.ReplaceAllStringFunc(css, func(m string) string {
		return replace(m, cssImportRegex)
	})
	return cssURLRegex.ReplaceAllStringFunc(out, func(m string) string {
		return replace(m, cssURLRegex)
	})
}

func lookupResolved(ref string, base *url.URL, resolved map[string]string) (local, frag string) {
	if l, ok := resolved[ref]; ok {
		return l, ""
	}
	u, err := url.Parse(ref)
	if err != nil {
		return "", ""
	}
	if base != nil {
		u = base.ResolveReference(u)
	}
	if u.Fragment != "" {
		frag = "#" + u.EscapedFragment()
	}
	u.Fragment = ""
	u.RawFragment = ""
	if l, ok := resolved[u.String()]; ok {
		return l, frag
	}
	return "", ""
}
