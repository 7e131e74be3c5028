package downloader

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

const sampleCSS = `@import "reset.css";
@import url('theme/dark.css');
@font-face { font-family: Brand; src: url(fonts/brand.woff2) format("woff2"), url("fonts/brand.woff") format("woff"); }
.logo { background: url( '../img/logo.svg#mark' ) no-repeat; }
.dot { background: url(data:image/png;base64,AAAA); }
.icon { mask: url(#clip); }
.again { background: url(fonts/brand.woff2); }
`

func TestExtractReferences(t *testing.T) {
	refs := ExtractReferences(sampleCSS)
	assert.Equal(t, []string{
		"reset.css",
		"theme/dark.css",
		"fonts/brand.woff2",
		"fonts/brand.woff",
		"../img/logo.svg#mark",
	}, refs)
}

func TestImportReferences(t *testing.T) {
	assert.Equal(t, []string{"reset.css", "theme/dark.css"}, ImportReferences(sampleCSS))
	assert.Empty(t, ImportReferences(`a{background:url(x.png)}`))
}

func TestRewriteCSS(t *testing.T) {
	base := mustParse(t, "https://example.com/css/main.css")
	resolved := map[string]string{
		"https://example.com/css/reset.css":         "_assets/css_reset.css",
		"https://example.com/css/fonts/brand.woff2": "_assets/css_fonts_brand.woff2",
		"https://example.com/img/logo.svg":          "_assets/img_logo.svg",
	}

	out := RewriteCSS(sampleCSS, base, resolved, "_assets/css_main.css")

	assert.Contains(t, out, `@import "css_reset.css";`)
	assert.Contains(t, out, `@import url('theme/dark.css');`)
	assert.Contains(t, out, `src: url(css_fonts_brand.woff2) format("woff2"), url("fonts/brand.woff")`)
	assert.Contains(t, out, `url( 'img_logo.svg#mark' )`)
	assert.Contains(t, out, `url(data:image/png;base64,AAAA)`)
	assert.Contains(t, out, `url(#clip)`)
	assert.Contains(t, out, `.again { background: url(css_fonts_brand.woff2); }`)

	again := RewriteCSS(out, base, resolved, "_assets/css_main.css")
	assert.Equal(t, out, again)
}

func TestRewriteCSSRelativeToStylesheet(t *testing.T) {
	base := mustParse(t, "https://example.com/")
	resolved := map[string]string{"/img/bg.png": "_assets/img_bg.png"}

	out := RewriteCSS(`div{background:url(/img/bg.png)}`, base, resolved, "about/index.html")
	assert.Equal(t, `div{background:url(../_assets/img_bg.png)}`, out)
}

func TestRewriteCSSLeavesUnknownRefsUntouched(t *testing.T) {
	in := `a{background:url("x.png")} @import 'y.css';`
	out := RewriteCSS(in, mustParse(t, "https://example.com/"), map[string]string{}, "_assets/a.css")
	assert.Equal(t, in, out)
}

func TestRewriteCSSReplacesTheReferenceItself(t *testing.T) {
	base := mustParse(t, "https://example.com/")
	resolved := map[string]string{
		"u": "_assets/u.png",
		"m": "_assets/m.css",
	}

	assert.Equal(t, `a{background:url(u.png)}`, RewriteCSS(`a{background:url(u)}`, base, resolved, "_assets/x.css"))
	assert.Equal(t, `@import "m.css";`, RewriteCSS(`@import "m";`, base, resolved, "_assets/x.css"))
	assert.Equal(t, `b{mask:URL( 'u' )}`, RewriteCSS(`b{mask:URL( 'u' )}`, base, map[string]string{}, "_assets/x.css"))
}
