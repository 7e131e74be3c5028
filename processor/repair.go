package processor

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/html"

	"sitemirror/downloader"
	"sitemirror/site"
)

// RepairConfig configures a link repair pass.
type RepairConfig struct {
	Root    string
	Workers int
	Logger  logrus.FieldLogger
}

// RepairStats summarizes a repair pass.
type RepairStats struct {
	Documents      int64
	Modified       int64
	Failed         int64
	LinksRewritten int64
	Duration       time.Duration
}

// Repairer re-resolves the hyperlinks of every stored page. Links to
// pages mirrored after the page that contains them become local here.
type Repairer struct {
	cfg   RepairConfig
	site  *site.Site
	links *LinkResolver
	log   logrus.FieldLogger
}

func NewRepairer(cfg RepairConfig, s *site.Site) *Repairer {
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU() * 2
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	return &Repairer{
		cfg:   cfg,
		site:  s,
		links: NewLinkResolver(cfg.Root, s),
		log:   cfg.Logger,
	}
}

// walkDocuments calls fn with the mirror-relative directory of every page
// document under root. The shared asset and API directories are skipped.
func walkDocuments(ctx context.Context, root string, fn func(pageDir string) error) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, rerr := filepath.Rel(root, p)
		if rerr != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			if site.IsReserved(rel) {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Name() != site.IndexFile {
			return nil
		}
		return fn(path.Dir(rel))
	})
}

// RepairAll runs the pass over the whole mirror. Documents whose links do
// not change are not rewritten, so a second pass is a no-op.
func (r *Repairer) RepairAll(ctx context.Context) (RepairStats, error) {
	var stats RepairStats
	start := time.Now()

	if _, err := os.Stat(r.cfg.Root); err != nil {
		return stats, fmt.Errorf("processor: repair: %w", err)
	}

	fileQueue := make(chan string, 256)
	var wg sync.WaitGroup
	for i := 0; i < r.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for dir := range fileQueue {
				n, changed, err := r.repairDocument(dir)
				atomic.AddInt64(&stats.Documents, 1)
				if err != nil {
					atomic.AddInt64(&stats.Failed, 1)
					r.log.WithError(err).WithField("page", dir).Warn("repair failed")
					continue
				}
				if changed {
					atomic.AddInt64(&stats.Modified, 1)
					atomic.AddInt64(&stats.LinksRewritten, int64(n))
				}
			}
		}()
	}

	walkErr := walkDocuments(ctx, r.cfg.Root, func(dir string) error {
		select {
		case fileQueue <- dir:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	close(fileQueue)
	wg.Wait()

	stats.Duration = time.Since(start)
	r.log.WithFields(logrus.Fields{
		"documents": stats.Documents,
		"modified":  stats.Modified,
		"links":     stats.LinksRewritten,
	}).Info("link repair finished")
	if walkErr != nil {
		return stats, fmt.Errorf("processor: repair: %w", walkErr)
	}
	return stats, nil
}

// pageURLFor returns the source URL of a stored page: the marker left by
// the transformer, else the URL implied by its directory.
func pageURLFor(s *site.Site, doc *html.Node, pageDir string) *url.URL {
	if src := sourceURL(doc); src != "" {
		if u, err := url.Parse(src); err == nil && s.SameSite(u) {
			return u
		}
	}
	return s.Base().ResolveReference(&url.URL{Path: site.URLPath(pageDir)})
}

func (r *Repairer) repairDocument(pageDir string) (int, bool, error) {
	name := filepath.Join(r.cfg.Root, filepath.FromSlash(pageDir), site.IndexFile)
	data, err := os.ReadFile(name)
	if err != nil {
		return 0, false, err
	}
	doc, err := html.Parse(bytes.NewReader(data))
	if err != nil {
		return 0, false, err
	}

	pageURL := pageURLFor(r.site, doc, pageDir)
	n := rewriteLinks(r.links, doc, pageURL, pageDir)
	if n == 0 {
		return 0, false, nil
	}

	var buf bytes.Buffer
	if err := html.Render(&buf, doc); err != nil {
		return 0, false, err
	}
	if err := downloader.WriteFileAtomic(name, buf.Bytes()); err != nil {
		return 0, false, err
	}
	return n, true, nil
}
