package cmd

import (
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sitemirror/mirror"
	"sitemirror/renderer"
	"sitemirror/site"
)

func TestLoadConfigDefaults(t *testing.T) {
	v := viper.New()
	setDefaults(v)
	cfg := loadConfig(v)

	assert.Equal(t, "./mirror", cfg.OutputDir)
	assert.Equal(t, 1, cfg.Concurrency)
	assert.Equal(t, 90*time.Second, cfg.PageTimeout)
	assert.True(t, cfg.Headless)
	assert.Equal(t, 50, cfg.Detect.MinLines)
	assert.Equal(t, 512, cfg.Detect.MinBytes)
	assert.Equal(t, 200, cfg.Detect.MinBodyChars)
	assert.Contains(t, cfg.APIPatterns, "/graphql")
	assert.Contains(t, cfg.AllowHosts, "fonts.gstatic.com")
	assert.Equal(t, renderer.DefaultChallengeMarkers, cfg.ChallengeMarkers)
}

func TestLoadConfigOverrides(t *testing.T) {
	v := viper.New()
	setDefaults(v)
	v.Set("concurrency", 4)
	v.Set("page_timeout", "2m")
	v.Set("detect.min_body_chars", 50)
	v.Set("api_patterns", []string{"/rpc/"})
	v.Set("challenge_markers", []string{"px-captcha"})
	cfg := loadConfig(v)

	assert.Equal(t, 4, cfg.Concurrency)
	assert.Equal(t, 2*time.Minute, cfg.PageTimeout)
	assert.Equal(t, 50, cfg.Detect.MinBodyChars)
	assert.Equal(t, []string{"/rpc/"}, cfg.matcher().PathPatterns)
	assert.Equal(t, []string{"px-captcha"}, cfg.ChallengeMarkers)
}

func TestSiteFor(t *testing.T) {
	root := t.TempDir()
	cfg := config{OutputDir: root}

	_, err := cfg.siteFor(nil)
	assert.Error(t, err)

	s, err := cfg.siteFor([]string{"https://www.example.com/blog/"})
	require.NoError(t, err)
	assert.Equal(t, "example.com", s.Host())

	require.NoError(t, (&mirror.Report{Site: "https://shop.example.org/"}).Save(root))
	s, err = cfg.siteFor(nil)
	require.NoError(t, err)
	assert.Equal(t, "shop.example.org", s.Host())

	cfg.Site = "https://other.net/"
	s, err = cfg.siteFor([]string{"https://www.example.com/"})
	require.NoError(t, err)
	assert.Equal(t, "other.net", s.Host())
}

func TestTargets(t *testing.T) {
	root := t.TempDir()
	list := filepath.Join(root, "urls.txt")
	require.NoError(t, os.WriteFile(list, []byte("https://example.com/b/\n"), 0o644))
	require.NoError(t, (&mirror.Report{Failures: []mirror.Failure{{URL: "https://example.com/c/"}}}).Save(root))
	t.Cleanup(func() { urlsFile, retryFailed = "", false })

	_, err := targets(config{OutputDir: root}, nil)
	assert.ErrorIs(t, err, mirror.ErrNoURLs)

	urlsFile, retryFailed = list, true
	got, err := targets(config{OutputDir: root}, []string{"https://example.com/a/"})
	require.NoError(t, err)
	assert.Equal(t, []string{"https://example.com/a/", "https://example.com/b/", "https://example.com/c/"}, got)
}

func TestMirrorHandler(t *testing.T) {
	root := t.TempDir()
	home := filepath.Join(root, site.RootName, site.IndexFile)
	require.NoError(t, os.MkdirAll(filepath.Dir(home), 0o755))
	require.NoError(t, os.WriteFile(home, []byte("<h1>home</h1>"), 0o644))
	rec := filepath.Join(root, site.APIDir, "get_00000000.json")
	require.NoError(t, os.MkdirAll(filepath.Dir(rec), 0o755))
	require.NoError(t, os.WriteFile(rec, []byte(`{"key":"get_00000000"}`), 0o644))

	logger, _ := test.NewNullLogger()
	srv := httptest.NewServer(mirrorHandler(root, logger))
	defer srv.Close()
	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }}

	resp, err := client.Get(srv.URL + "/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/_root/", resp.Header.Get("Location"))

	resp, err = http.Get(srv.URL + "/_root/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/_api/get_00000000.json")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "json")

	resp, err = http.Get(srv.URL + "/missing/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestFindFreePort(t *testing.T) {
	ln, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	defer ln.Close()
	busy := ln.Addr().(*net.TCPAddr).Port

	got := findFreePort(busy)
	assert.NotEqual(t, busy, got)
	if got != 0 {
		assert.Greater(t, got, busy)
		assert.Less(t, got, busy+10)
	}
}
