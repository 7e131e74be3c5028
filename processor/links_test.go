package processor

import (
	"context"
	"net/url"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sitemirror/site"
)

func writePage(t *testing.T, root, dir, body string) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(dir), site.IndexFile)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
}

func newSite(t *testing.T) *site.Site {
	t.Helper()
	s, err := site.New("https://example.com/", nil)
	require.NoError(t, err)
	return s
}

func TestLinkResolverResolve(t *testing.T) {
	root := t.TempDir()
	writePage(t, root, "about", "<html></html>")
	writePage(t, root, site.RootName, "<html></html>")
	r := NewLinkResolver(root, newSite(t))
	home, _ := url.Parse("https://example.com/")
	post, _ := url.Parse("https://example.com/blog/post-1/")

	testCases := []struct {
		name     string
		href     string
		page     *url.URL
		expected string
		ok       bool
	}{
		{"absolute path", "/about/", post, "about/index.html", true},
		{"no trailing slash", "/about", post, "about/index.html", true},
		{"relative path", "about/", home, "about/index.html", true},
		{"absolute same site", "https://www.example.com/about/?ref=nav", post, "about/index.html", true},
		{"root", "/", post, "_root/index.html", true},
		{"not stored yet", "/contact/", post, "", false},
		{"other site", "https://other.com/about/", post, "", false},
		{"protocol relative", "//example.com/about/", post, "", false},
		{"mailto", "mailto:a@example.com", post, "", false},
		{"tel", "tel:+100", post, "", false},
		{"javascript", "javascript:void(0)", post, "", false},
		{"fragment only", "#top", post, "", false},
		{"empty", "", post, "", false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := r.Resolve(tc.href, tc.page)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.expected, got)
		})
	}
}

func TestLinkResolverRewrite(t *testing.T) {
	root := t.TempDir()
	writePage(t, root, "about", "<html></html>")
	r := NewLinkResolver(root, newSite(t))
	post, _ := url.Parse("https://example.com/blog/post-1/")

	got, changed := r.Rewrite("/about/#team", post, "blog/post-1")
	assert.True(t, changed)
	assert.Equal(t, "../../about/index.html#team", got)

	got, changed = r.Rewrite("../../about/index.html", post, "blog/post-1")
	assert.False(t, changed)
	assert.Equal(t, "../../about/index.html", got)

	got, changed = r.Rewrite("/contact/", post, "blog/post-1")
	assert.False(t, changed)
	assert.Equal(t, "/contact/", got)
}

func TestRepairAll(t *testing.T) {
	root := t.TempDir()
	logger, _ := test.NewNullLogger()
	s := newSite(t)
	writePage(t, root, "blog", `<html><head><meta name="mirror-source" content="https://example.com/blog/"></head>`+
		`<body><a href="post-1/">First post</a><a href="https://other.com/">x</a></body></html>`)
	writePage(t, root, "_assets/not-a-page", `<a href="/blog/">should stay</a>`)

	rep := NewRepairer(RepairConfig{Root: root, Workers: 2, Logger: logger}, s)
	ctx := context.Background()

	stats, err := rep.RepairAll(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Documents)
	assert.EqualValues(t, 0, stats.Modified)

	writePage(t, root, "blog/post-1", `<html><body><a href="/blog/">Back</a></body></html>`)

	stats, err = rep.RepairAll(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, stats.Documents)
	assert.EqualValues(t, 2, stats.Modified)

	blog, err := os.ReadFile(filepath.Join(root, "blog", "index.html"))
	require.NoError(t, err)
	assert.Contains(t, string(blog), `href="post-1/index.html"`)
	assert.Contains(t, string(blog), `href="https://other.com/"`)

	post, err := os.ReadFile(filepath.Join(root, "blog", "post-1", "index.html"))
	require.NoError(t, err)
	assert.Contains(t, string(post), `href="../index.html"`)

	stats, err = rep.RepairAll(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, stats.Modified)

	asset, err := os.ReadFile(filepath.Join(root, "_assets", "not-a-page", "index.html"))
	require.NoError(t, err)
	assert.Equal(t, `<a href="/blog/">should stay</a>`, string(asset))
}

func TestRepairAllMissingRoot(t *testing.T) {
	rep := NewRepairer(RepairConfig{Root: filepath.Join(t.TempDir(), "nope")}, newSite(t))
	_, err := rep.RepairAll(context.Background())
	assert.Error(t, err)
}
