// Package exchange records API request/response pairs observed while a page
// rendered, so the mirrored page can replay them offline.
package exchange

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"mime"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"sitemirror/downloader"
	"sitemirror/site"
)

// Headers holds one value per header name, names lower-cased.
type Headers map[string]string

type Request struct {
	Method  string  `json:"method"`
	URL     string  `json:"url"`
	Headers Headers `json:"headers,omitempty"`
	Body    string  `json:"body,omitempty"`
}

type Response struct {
	Status  int     `json:"status"`
	Headers Headers `json:"headers,omitempty"`
	Body    string  `json:"body"`
}

// Record is one captured exchange. Its identity is method plus absolute URL.
type Record struct {
	Key       string    `json:"key"`
	Request   Request   `json:"request"`
	Response  Response  `json:"response"`
	Timestamp time.Time `json:"timestamp"`
}

// Key is lower(method) + "_" + the FNV-1a 32-bit hash of rawURL in hex.
// The replay script computes the same value in the browser.
func Key(method, rawURL string) string {
	h := fnv.New32a()
	h.Write([]byte(rawURL))
	return fmt.Sprintf("%s_%08x", strings.ToLower(method), h.Sum32())
}

// Path is the mirror-relative file of the exchange with the given key.
func Path(key string) string {
	return path.Join(site.APIDir, key+".json")
}

// Save writes rec to <root>/_api/<key>.json, filling in the key when empty.
func Save(root string, rec Record) error {
	if rec.Key == "" {
		rec.Key = Key(rec.Request.Method, rec.Request.URL)
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("exchange: encode %s: %w", rec.Key, err)
	}
	name := filepath.Join(root, filepath.FromSlash(Path(rec.Key)))
	if err := downloader.WriteFileAtomic(name, data); err != nil {
		return fmt.Errorf("exchange: save %s: %w", rec.Key, err)
	}
	return nil
}

// Load reads a previously saved exchange.
func Load(root, key string) (*Record, error) {
	data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(Path(key))))
	if err != nil {
		return nil, fmt.Errorf("exchange: load %s: %w", key, err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("exchange: decode %s: %w", key, err)
	}
	return &rec, nil
}

// DefaultPathPatterns are URL path fragments that mark API endpoints.
var DefaultPathPatterns = []string{"/api/", "/graphql", "/wp-json/", "/ajax", ".json"}

// Matcher decides which observed requests are API traffic worth
// recording. A URL matches when its host is one of Hosts (or a subdomain)
// or its path contains one of PathPatterns.
type Matcher struct {
	Hosts        []string
	PathPatterns []string
}

func (m Matcher) Match(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return false
	}
	host := strings.ToLower(u.Hostname())
	for _, h := range m.Hosts {
		h = strings.ToLower(h)
		if h != "" && (host == h || strings.HasSuffix(host, "."+h)) {
			return true
		}
	}
	p := strings.ToLower(u.Path)
	for _, pat := range m.PathPatterns {
		if pat != "" && strings.Contains(p, strings.ToLower(pat)) {
			return true
		}
	}
	return false
}

// MatchRecord reports whether rec should be persisted: its URL matches and
// its response is JSON, by content type or by body.
func (m Matcher) MatchRecord(rec Record) bool {
	if !m.Match(rec.Request.URL) {
		return false
	}
	if ct := rec.Response.Headers["content-type"]; ct != "" {
		if mt, _, err := mime.ParseMediaType(ct); err == nil {
			if mt == "application/json" || strings.HasSuffix(mt, "+json") {
				return true
			}
		}
	}
	return json.Valid([]byte(rec.Response.Body))
}
