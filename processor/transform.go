// Package processor rewrites rendered pages so they work from the mirror
// and maintains the stored pages afterwards (link repair, completeness
// scan).
package processor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
	"golang.org/x/sync/errgroup"

	"sitemirror/downloader"
	"sitemirror/renderer"
	"sitemirror/site"
)

// Config holds the page rewriting options.
type Config struct {
	TrackerHosts  []string
	PopupPatterns []string
	// APIHosts and APIPatterns feed the replay script; they should match
	// the exchange.Matcher used while rendering.
	APIHosts    []string
	APIPatterns []string
	Logger      logrus.FieldLogger
}

// Stats describes one Transform call.
type Stats struct {
	AssetsResolved  int
	AssetsFailed    int
	LinksRewritten  int
	TrackersRemoved int
	Injected        bool
}

// Transformer turns a rendered page into its offline form: assets are
// downloaded through the shared Store and referenced by relative path,
// internal links point at stored documents, and the API replay script is
// injected.
type Transformer struct {
	store *downloader.Store
	links *LinkResolver
	cfg   Config
	log   logrus.FieldLogger
}

func NewTransformer(store *downloader.Store, links *LinkResolver, cfg Config) *Transformer {
	if cfg.TrackerHosts == nil {
		cfg.TrackerHosts = DefaultTrackerHosts
	}
	if cfg.PopupPatterns == nil {
		cfg.PopupPatterns = DefaultPopupPatterns
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	return &Transformer{store: store, links: links, cfg: cfg, log: cfg.Logger}
}

type refKind int

const (
	refURL refKind = iota
	refSrcset
	refStyle
)

type attrRef struct {
	node *html.Node
	key  string
	kind refKind
}

var linkRels = map[string]bool{
	"stylesheet":                   true,
	"icon":                         true,
	"preload":                      true,
	"modulepreload":                true,
	"apple-touch-icon":             true,
	"apple-touch-icon-precomposed": true,
	"manifest":                     true,
	"mask-icon":                    true,
}

func assetLink(n *html.Node) bool {
	rel, _ := getAttr(n, "rel")
	for _, tok := range strings.Fields(strings.ToLower(rel)) {
		if linkRels[tok] {
			return true
		}
	}
	return false
}

func skipAssetRef(ref string) bool {
	ref = strings.TrimSpace(ref)
	if ref == "" || strings.HasPrefix(ref, "#") {
		return true
	}
	lower := strings.ToLower(ref)
	for _, p := range []string{"data:", "blob:", "mailto:", "tel:", "javascript:", "about:"} {
		if strings.HasPrefix(lower, p) {
			return true
		}
	}
	return false
}

// srcsetURLs returns the URL token of every srcset candidate.
func srcsetURLs(v string) []string {
	var out []string
	for _, cand := range strings.Split(v, ",") {
		if f := strings.Fields(cand); len(f) > 0 {
			out = append(out, f[0])
		}
	}
	return out
}

func rewriteSrcset(v string, rewrite func(string) (string, bool)) (string, bool) {
	cands := strings.Split(v, ",")
	changed := false
	for i, cand := range cands {
		f := strings.Fields(cand)
		if len(f) == 0 {
			continue
		}
		if nv, ok := rewrite(f[0]); ok {
			f[0] = nv
			cands[i] = strings.Join(f, " ")
			changed = true
		}
	}
	if !changed {
		return v, false
	}
	for i := range cands {
		cands[i] = strings.TrimSpace(cands[i])
	}
	return strings.Join(cands, ", "), true
}

// collect walks doc and returns every asset-bearing attribute and every
// inline <style> element.
func collect(doc *html.Node) (attrs []attrRef, styles []*html.Node) {
	var f func(*html.Node)
	f = func(n *html.Node) {
		if n.Type == html.ElementNode {
			add := func(key string, kind refKind) {
				if _, ok := getAttr(n, key); ok {
					attrs = append(attrs, attrRef{node: n, key: key, kind: kind})
				}
			}
			switch n.DataAtom {
			case atom.Link:
				if assetLink(n) {
					add("href", refURL)
				}
			case atom.Script:
				add("src", refURL)
			case atom.Img:
				add("src", refURL)
				add("srcset", refSrcset)
			case atom.Source:
				add("src", refURL)
				add("srcset", refSrcset)
			case atom.Video:
				add("poster", refURL)
			case atom.Style:
				styles = append(styles, n)
			}
			add("style", refStyle)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			f(c)
		}
	}
	f(doc)
	return attrs, styles
}

// pageRun is the state of one Transform call.
type pageRun struct {
	t       *Transformer
	base    *url.URL
	pageDir string
	log     logrus.FieldLogger

	mu       sync.Mutex
	resolved map[string]string // raw ref or absolute URL -> mirror path
	sheets   map[string]string // mirror path -> absolute URL of stylesheets
	failed   int
}

func (r *pageRun) fetch(ctx context.Context, ref, referer string, stylesheet bool) (string, bool) {
	local, err := r.t.store.Fetch(ctx, ref, referer)
	if err != nil {
		if !errors.Is(err, downloader.ErrUnsupportedRef) && !errors.Is(err, downloader.ErrIneligible) {
			r.log.WithError(err).WithField("asset", ref).Debug("asset unresolved")
			r.mu.Lock()
			r.failed++
			r.mu.Unlock()
		}
		return "", false
	}
	abs, _ := r.t.store.Resolve(ref, referer)
	r.mu.Lock()
	defer r.mu.Unlock()
	// Raw refs from stylesheets are relative to the sheet, not the page.
	if referer == r.base.String() {
		r.resolved[ref] = local
	}
	if abs != nil {
		r.resolved[abs.String()] = local
		if stylesheet || strings.EqualFold(path.Ext(local), ".css") {
			r.sheets[local] = abs.String()
		}
	}
	return local, true
}

func (r *pageRun) lookup(ref string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.resolved[strings.TrimSpace(ref)]
	return l, ok
}

func (r *pageRun) resolvedCopy() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := make(map[string]string, len(r.resolved))
	for k, v := range r.resolved {
		m[k] = v
	}
	return m
}

func (r *pageRun) isLocal(ref string) bool {
	return isLocalRef(r.t.store.Root(), ref, r.pageDir)
}

// Transform rewrites one rendered page. pageURL is the page's canonical
// URL; observed lists the sub-resources the browser requested, which are
// downloaded even when no attribute references them. References that
// cannot be resolved are left untouched; only a document that cannot be
// parsed is an error.
func (t *Transformer) Transform(ctx context.Context, raw []byte, pageURL *url.URL, observed []renderer.Resource) ([]byte, Stats, error) {
	var st Stats
	doc, err := html.Parse(bytes.NewReader(raw))
	if err != nil {
		return nil, st, fmt.Errorf("processor: parse %s: %w", pageURL, err)
	}

	run := &pageRun{
		t:        t,
		base:     pageURL,
		pageDir:  site.LocalPath(pageURL.Path),
		log:      t.log.WithField("page", pageURL.String()),
		resolved: make(map[string]string),
		sheets:   make(map[string]string),
	}

	removed, baseHref := cleanDocument(doc, t.cfg.TrackerHosts)
	st.TrackersRemoved = removed
	if baseHref != "" {
		if b, err := url.Parse(strings.TrimSpace(baseHref)); err == nil {
			run.base = pageURL.ResolveReference(b)
		}
	}
	referer := run.base.String()

	attrs, styles := collect(doc)

	// Phase 1: every direct reference plus observed resources, in parallel.
	refs := make(map[string]bool)
	sheetRefs := make(map[string]bool)
	addRef := func(ref string) {
		ref = strings.TrimSpace(ref)
		if !skipAssetRef(ref) && !run.isLocal(ref) {
			refs[ref] = true
		}
	}
	for _, a := range attrs {
		v, _ := getAttr(a.node, a.key)
		switch a.kind {
		case refURL:
			addRef(v)
			if a.node.DataAtom == atom.Link {
				if rel, _ := getAttr(a.node, "rel"); strings.Contains(strings.ToLower(rel), "stylesheet") {
					sheetRefs[strings.TrimSpace(v)] = true
				}
			}
		case refSrcset:
			for _, u := range srcsetURLs(v) {
				addRef(u)
			}
		case refStyle:
			for _, u := range downloader.ExtractReferences(v) {
				addRef(u)
			}
		}
	}
	for _, s := range styles {
		for _, u := range downloader.ExtractReferences(textContent(s)) {
			addRef(u)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for ref := range refs {
		ref := ref
		g.Go(func() error {
			run.fetch(gctx, ref, referer, sheetRefs[ref])
			return nil
		})
	}
	for _, res := range observed {
		if res.Type == renderer.TypeDocument || res.Type == renderer.TypeAPI || skipAssetRef(res.URL) {
			continue
		}
		res := res
		g.Go(func() error {
			run.fetch(gctx, res.URL, referer, res.Type == renderer.TypeStylesheet)
			return nil
		})
	}
	g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, st, err
	}

	// Phase 2: stylesheets this page is responsible for.
	run.processSheets(ctx)

	// Phase 3: rewrite the document.
	rel := func(ref string) (string, bool) {
		local, ok := run.lookup(ref)
		if !ok {
			return "", false
		}
		return site.Rel(run.pageDir, local), true
	}
	cssPath := path.Join(run.pageDir, site.IndexFile)
	resolved := run.resolvedCopy()
	for _, a := range attrs {
		v, _ := getAttr(a.node, a.key)
		var nv string
		var changed bool
		switch a.kind {
		case refURL:
			if r, ok := rel(v); ok {
				nv, changed = r, r != v
			}
		case refSrcset:
			nv, changed = rewriteSrcset(v, rel)
		case refStyle:
			nv = downloader.RewriteCSS(v, run.base, resolved, cssPath)
			changed = nv != v
		}
		if !changed {
			continue
		}
		setAttr(a.node, a.key, nv)
		if a.kind == refURL && (a.node.DataAtom == atom.Link || a.node.DataAtom == atom.Script) {
			removeAttrs(a.node, "integrity", "crossorigin")
		}
	}
	for _, s := range styles {
		if s.FirstChild == nil || s.FirstChild.Type != html.TextNode {
			continue
		}
		s.FirstChild.Data = downloader.RewriteCSS(s.FirstChild.Data, run.base, resolved, cssPath)
	}

	st.LinksRewritten = rewriteLinks(t.links, doc, run.base, run.pageDir)

	// Phase 4: injections.
	head := findFirst(doc, atom.Head)
	injectOverlayStyle(doc, head, t.cfg.PopupPatterns)
	lower := bytes.ToLower(raw)
	var target *html.Node
	switch {
	case bytes.Contains(lower, []byte("</head>")):
		target = head
	case bytes.Contains(lower, []byte("</body>")):
		target = findFirst(doc, atom.Body)
	}
	if target != nil {
		source := site.Canonical(pageURL).String()
		injectReplay(doc, target, source, shimScript(source, run.pageDir, t.cfg.APIHosts, t.cfg.APIPatterns))
		st.Injected = true
	}

	var buf bytes.Buffer
	if err := html.Render(&buf, doc); err != nil {
		return nil, st, fmt.Errorf("processor: render %s: %w", pageURL, err)
	}

	run.mu.Lock()
	seen := make(map[string]bool)
	for _, l := range run.resolved {
		seen[l] = true
	}
	st.AssetsResolved = len(seen)
	st.AssetsFailed = run.failed
	run.mu.Unlock()

	run.log.WithFields(logrus.Fields{
		"assets":   st.AssetsResolved,
		"failed":   st.AssetsFailed,
		"links":    st.LinksRewritten,
		"trackers": st.TrackersRemoved,
	}).Debug("page transformed")
	return buf.Bytes(), st, nil
}

// rewriteLinks points a[href] and area[href] at stored documents.
func rewriteLinks(links *LinkResolver, doc *html.Node, pageURL *url.URL, pageDir string) int {
	count := 0
	var f func(*html.Node)
	f = func(n *html.Node) {
		if n.Type == html.ElementNode && (n.DataAtom == atom.A || n.DataAtom == atom.Area) {
			if v, ok := getAttr(n, "href"); ok {
				if nv, changed := links.Rewrite(v, pageURL, pageDir); changed {
					setAttr(n, "href", nv)
					count++
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			f(c)
		}
	}
	f(doc)
	return count
}

// processSheets rewrites every stylesheet fetched for this page that no
// other page has claimed, following @import chains.
func (r *pageRun) processSheets(ctx context.Context) {
	done := make(map[string]bool)
	for {
		r.mu.Lock()
		var todo []string
		for local := range r.sheets {
			if !done[local] {
				todo = append(todo, local)
			}
		}
		r.mu.Unlock()
		if len(todo) == 0 || ctx.Err() != nil {
			return
		}
		for _, local := range todo {
			done[local] = true
			if !r.t.store.ClaimStylesheet(local) {
				continue
			}
			r.processSheet(ctx, local)
		}
	}
}

func (r *pageRun) processSheet(ctx context.Context, local string) {
	r.mu.Lock()
	absURL := r.sheets[local]
	r.mu.Unlock()
	name := filepath.Join(r.t.store.Root(), filepath.FromSlash(local))
	data, err := os.ReadFile(name)
	if err != nil {
		r.log.WithError(err).WithField("asset", local).Warn("read stylesheet failed")
		return
	}
	base, err := url.Parse(absURL)
	if err != nil {
		return
	}
	css := string(data)

	imports := make(map[string]bool)
	for _, ref := range downloader.ImportReferences(css) {
		imports[ref] = true
	}

	sheetDir := path.Dir(local)
	refs := downloader.ExtractReferences(css)
	resolved := make(map[string]string)
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, ref := range refs {
		ref := ref
		if isLocalRef(r.t.store.Root(), ref, sheetDir) {
			continue
		}
		g.Go(func() error {
			l, ok := r.fetch(gctx, ref, absURL, imports[ref])
			if ok {
				mu.Lock()
				resolved[ref] = l
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()

	out := downloader.RewriteCSS(css, base, resolved, local)
	if out == css {
		return
	}
	if err := downloader.WriteFileAtomic(name, []byte(out)); err != nil {
		r.log.WithError(err).WithField("asset", local).Warn("write stylesheet failed")
	}
}
