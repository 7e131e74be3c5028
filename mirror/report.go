package mirror

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"sitemirror/downloader"
	"sitemirror/site"
)

// Failure is a page that could not be mirrored.
type Failure struct {
	URL    string    `json:"url"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// PageResult is the outcome of one page in the current run.
type PageResult struct {
	URL       string
	LocalPath string
	Reason    string
	Assets    int
}

func (p PageResult) OK() bool { return p.Reason == "" }

// Report summarizes a run. Failures accumulate across runs: a page stays
// listed until a later run mirrors it successfully.
type Report struct {
	RunID            string       `json:"run_id"`
	Site             string       `json:"site"`
	StartedAt        time.Time    `json:"started_at"`
	FinishedAt       time.Time    `json:"finished_at"`
	Attempted        int          `json:"attempted"`
	Succeeded        int          `json:"succeeded"`
	Failures         []Failure    `json:"failures"`
	AssetsDownloaded int64        `json:"assets_downloaded"`
	Pages            []PageResult `json:"-"`
}

// LoadReport reads the report of the previous run. A mirror without one
// yields a nil report and no error.
func LoadReport(root string) (*Report, error) {
	data, err := os.ReadFile(filepath.Join(root, site.ReportFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("mirror: load report: %w", err)
	}
	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("mirror: decode report: %w", err)
	}
	return &r, nil
}

// Save writes the report and the plain list of failed URLs next to it.
func (r *Report) Save(root string) error {
	if r.Failures == nil {
		r.Failures = []Failure{}
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("mirror: encode report: %w", err)
	}
	if err := downloader.WriteFileAtomic(filepath.Join(root, site.ReportFile), data); err != nil {
		return fmt.Errorf("mirror: save report: %w", err)
	}

	var b strings.Builder
	for _, f := range r.Failures {
		b.WriteString(f.URL)
		b.WriteByte('\n')
	}
	if err := downloader.WriteFileAtomic(filepath.Join(root, site.FailedFile), []byte(b.String())); err != nil {
		return fmt.Errorf("mirror: save failed list: %w", err)
	}
	return nil
}

// FailedURLs lists the URLs of the persisted failures.
func (r *Report) FailedURLs() []string {
	if r == nil {
		return nil
	}
	out := make([]string, 0, len(r.Failures))
	for _, f := range r.Failures {
		out = append(out, f.URL)
	}
	return out
}

// MergeFailures combines earlier failures with the outcome of this run:
// pages that succeeded now are dropped, new failures are appended, and a
// page failing again keeps its position with the latest reason and time.
func MergeFailures(prior []Failure, succeeded []string, failed []Failure) []Failure {
	ok := make(map[string]bool, len(succeeded))
	for _, u := range succeeded {
		ok[u] = true
	}
	out := make([]Failure, 0, len(prior)+len(failed))
	index := make(map[string]int)
	for _, f := range prior {
		if ok[f.URL] {
			continue
		}
		if i, dup := index[f.URL]; dup {
			out[i] = f
			continue
		}
		index[f.URL] = len(out)
		out = append(out, f)
	}
	for _, f := range failed {
		if i, dup := index[f.URL]; dup {
			out[i] = f
			continue
		}
		index[f.URL] = len(out)
		out = append(out, f)
	}
	return out
}
