package mirror

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sitemirror/site"
)

func TestMergeFailures(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	prior := []Failure{
		{URL: "https://example.com/a/", Reason: "timeout", At: at},
		{URL: "https://example.com/b/", Reason: "timeout", At: at},
		{URL: "https://example.com/c/", Reason: "timeout", At: at},
	}
	failed := []Failure{
		{URL: "https://example.com/c/", Reason: "verification pending"},
		{URL: "https://example.com/d/", Reason: "render: reset"},
	}

	got := MergeFailures(prior, []string{"https://example.com/a/"}, failed)
	require.Len(t, got, 3)
	assert.Equal(t, "https://example.com/b/", got[0].URL)
	assert.Equal(t, "https://example.com/c/", got[1].URL)
	assert.Equal(t, "verification pending", got[1].Reason)
	assert.Equal(t, "https://example.com/d/", got[2].URL)

	assert.Empty(t, MergeFailures(nil, nil, nil))
}

func TestReportSaveLoad(t *testing.T) {
	root := t.TempDir()

	r, err := LoadReport(root)
	require.NoError(t, err)
	assert.Nil(t, r)
	assert.Nil(t, r.FailedURLs())

	rep := &Report{RunID: "run-1", Attempted: 1}
	require.NoError(t, rep.Save(root))

	data, err := os.ReadFile(filepath.Join(root, site.ReportFile))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"failures": []`)

	failed, err := os.ReadFile(filepath.Join(root, site.FailedFile))
	require.NoError(t, err)
	assert.Empty(t, failed)

	require.NoError(t, os.WriteFile(filepath.Join(root, site.ReportFile), []byte("{"), 0o644))
	_, err = LoadReport(root)
	assert.Error(t, err)
}

func TestReadTargets(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected []string
	}{
		{
			name:     "lines",
			input:    "# seed\nhttps://example.com/\n\n  https://example.com/about/  \n",
			expected: []string{"https://example.com/", "https://example.com/about/"},
		},
		{
			name: "sitemap",
			input: `<?xml version="1.0" encoding="UTF-8"?>
<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <url><loc>https://example.com/</loc><lastmod>2026-01-01</lastmod></url>
  <url><loc>
    https://example.com/blog/
  </loc></url>
</urlset>`,
			expected: []string{"https://example.com/", "https://example.com/blog/"},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ReadTargets(strings.NewReader(tc.input))
			require.NoError(t, err)
			assert.Equal(t, tc.expected, got)
		})
	}

	_, err := ReadTargets(strings.NewReader("# nothing\n\n"))
	assert.ErrorIs(t, err, ErrNoURLs)

	_, err = ReadTargets(strings.NewReader("<urlset><loc>x</urlset>"))
	assert.Error(t, err)

	_, err = ReadTargetsFile(filepath.Join(t.TempDir(), "missing.txt"))
	assert.Error(t, err)
}
