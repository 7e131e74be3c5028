package processor

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/sirupsen/logrus"

	"sitemirror/site"
)

// Thresholds decide when a stored page counts as incomplete.
type Thresholds struct {
	// A document is too small when it has fewer than MinLines lines and
	// fewer than MinBytes bytes.
	MinLines int
	MinBytes int
	// MinBodyChars is the least visible body text a real page carries.
	MinBodyChars int
	// Markers are case-insensitive substrings of access-denied and bot
	// verification pages.
	Markers []string
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		MinLines:     50,
		MinBytes:     512,
		MinBodyChars: 200,
		Markers: []string{
			"access denied",
			"verify you are human",
			"checking your browser",
			"<title>just a moment...</title>",
			"cf-challenge",
			"cf-turnstile",
			"_cf_chl_opt",
			"attention required! | cloudflare",
			"captcha-delivery",
		},
	}
}

// Incomplete is a stored page that should be mirrored again.
type Incomplete struct {
	URL       string `json:"url"`
	LocalPath string `json:"local_path"`
	Reason    string `json:"reason"`
}

// Detector scans a mirror for pages that were stored in a broken state.
// It never modifies the mirror.
type Detector struct {
	root string
	site *site.Site
	th   Thresholds
	log  logrus.FieldLogger
}

func NewDetector(root string, s *site.Site, th Thresholds, log logrus.FieldLogger) *Detector {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Detector{root: root, site: s, th: th, log: log}
}

// Scan returns every flagged page in walk order.
func (d *Detector) Scan(ctx context.Context) ([]Incomplete, error) {
	var out []Incomplete
	err := walkDocuments(ctx, d.root, func(pageDir string) error {
		docPath := filepath.Join(d.root, filepath.FromSlash(pageDir), site.IndexFile)
		data, err := os.ReadFile(docPath)
		if err != nil {
			d.log.WithError(err).WithField("page", pageDir).Warn("read document failed")
			return nil
		}
		reason, bad := d.Check(data)
		if !bad {
			return nil
		}
		pageURL := d.site.Base().ResolveReference(&url.URL{Path: site.URLPath(pageDir)})
		if doc, err := goquery.NewDocumentFromReader(bytes.NewReader(data)); err == nil && len(doc.Nodes) > 0 {
			pageURL = pageURLFor(d.site, doc.Nodes[0], pageDir)
		}
		out = append(out, Incomplete{
			URL:       pageURL.String(),
			LocalPath: filepath.ToSlash(filepath.Join(pageDir, site.IndexFile)),
			Reason:    reason,
		})
		return nil
	})
	if err != nil {
		return out, fmt.Errorf("processor: scan: %w", err)
	}
	return out, nil
}

// Check applies the thresholds to one document and returns the first
// reason it is considered incomplete.
func (d *Detector) Check(data []byte) (string, bool) {
	lines := bytes.Count(data, []byte("\n")) + 1
	if len(data) == 0 {
		lines = 0
	}
	if lines < d.th.MinLines && len(data) < d.th.MinBytes {
		return fmt.Sprintf("too small: %d lines, %d bytes", lines, len(data)), true
	}

	lower := strings.ToLower(string(data))
	for _, m := range d.th.Markers {
		if m != "" && strings.Contains(lower, strings.ToLower(m)) {
			return fmt.Sprintf("access marker %q", m), true
		}
	}

	if n := len(bodyText(data)); n < d.th.MinBodyChars {
		return fmt.Sprintf("thin body: %d chars", n), true
	}
	return "", false
}

// bodyText is the visible text of a document with scripts and styles
// removed and whitespace collapsed.
func bodyText(data []byte) string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(data))
	if err != nil {
		return ""
	}
	doc.Find("script, style, noscript, template").Remove()
	return strings.Join(strings.Fields(doc.Find("body").Text()), " ")
}
