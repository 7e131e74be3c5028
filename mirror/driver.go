// Package mirror runs a mirroring pass: it renders every requested page,
// rewrites it for offline use and stores it, then records the outcome.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"sitemirror/downloader"
	"sitemirror/exchange"
	"sitemirror/processor"
	"sitemirror/renderer"
	"sitemirror/site"
)

var (
	ErrNoURLs          = errors.New("no urls to mirror")
	ErrDifferentOrigin = errors.New("different origin")
)

const (
	DefaultConcurrency = 1
	DefaultPageTimeout = 90 * time.Second
)

// Config tunes a mirroring run.
type Config struct {
	Root        string
	Concurrency int
	PageTimeout time.Duration
	Screenshots bool
	// ChallengeMarkers identify verification pages returned by the
	// renderer; such pages are failures and are not stored.
	ChallengeMarkers []string
	// API filters the captured exchanges that are persisted.
	API    exchange.Matcher
	Logger logrus.FieldLogger
}

func (c *Config) setDefaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.PageTimeout <= 0 {
		c.PageTimeout = DefaultPageTimeout
	}
	if c.ChallengeMarkers == nil {
		c.ChallengeMarkers = renderer.DefaultChallengeMarkers
	}
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
}

// Driver owns the shared state of a run: the asset store and the
// transformer built on it are reused by every page.
type Driver struct {
	cfg         Config
	site        *site.Site
	renderer    renderer.Renderer
	transformer *processor.Transformer
	store       *downloader.Store
	log         logrus.FieldLogger
}

func NewDriver(cfg Config, s *site.Site, r renderer.Renderer, tr *processor.Transformer, store *downloader.Store) *Driver {
	cfg.setDefaults()
	return &Driver{
		cfg:         cfg,
		site:        s,
		renderer:    r,
		transformer: tr,
		store:       store,
		log:         cfg.Logger,
	}
}

// Run mirrors urls and merges the outcome into the report stored in the
// mirror root. Individual page failures are recorded, never returned;
// only an empty URL list or an unwritable report is an error.
func (d *Driver) Run(ctx context.Context, urls []string) (*Report, error) {
	if len(urls) == 0 {
		return nil, ErrNoURLs
	}
	report := &Report{
		RunID:     uuid.NewString(),
		Site:      d.site.Base().String(),
		StartedAt: time.Now().UTC(),
	}
	log := d.log.WithField("run", report.RunID)

	var (
		mu        sync.Mutex
		succeeded []string
		failed    []Failure
	)
	record := func(res PageResult) {
		mu.Lock()
		defer mu.Unlock()
		report.Pages = append(report.Pages, res)
		if res.OK() {
			succeeded = append(succeeded, res.URL)
			return
		}
		failed = append(failed, Failure{URL: res.URL, Reason: res.Reason, At: time.Now().UTC()})
	}

	var pages []*url.URL
	seen := make(map[string]bool)
	for _, raw := range urls {
		u, err := url.Parse(raw)
		if err != nil || !u.IsAbs() {
			record(PageResult{URL: raw, Reason: "invalid url"})
			continue
		}
		u = site.Canonical(u)
		if !d.site.SameSite(u) {
			if !seen[u.String()] {
				seen[u.String()] = true
				record(PageResult{URL: u.String(), Reason: ErrDifferentOrigin.Error()})
			}
			continue
		}
		// Same-site URLs sharing a document are one page.
		key := site.DocumentPath(u.Path)
		if seen[key] {
			continue
		}
		seen[key] = true
		pages = append(pages, u)
	}

	log.WithFields(logrus.Fields{
		"pages":       len(pages),
		"concurrency": d.cfg.Concurrency,
	}).Info("mirror run started")

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.Concurrency)
	for _, u := range pages {
		u := u
		if gctx.Err() != nil {
			record(PageResult{URL: u.String(), Reason: "cancelled"})
			continue
		}
		g.Go(func() error {
			record(d.mirrorPage(gctx, u))
			return nil
		})
	}
	g.Wait()

	report.Attempted = len(report.Pages)
	report.Succeeded = len(succeeded)
	if d.store != nil {
		report.AssetsDownloaded = d.store.Downloaded()
	}

	prior, err := LoadReport(d.cfg.Root)
	if err != nil {
		log.WithError(err).Warn("previous report unreadable, starting fresh")
	}
	var priorFailures []Failure
	if prior != nil {
		priorFailures = prior.Failures
	}
	report.Failures = MergeFailures(priorFailures, succeeded, failed)
	report.FinishedAt = time.Now().UTC()

	if err := report.Save(d.cfg.Root); err != nil {
		return report, err
	}
	log.WithFields(logrus.Fields{
		"attempted": report.Attempted,
		"succeeded": report.Succeeded,
		"failed":    len(failed),
		"assets":    report.AssetsDownloaded,
	}).Info("mirror run finished")
	return report, nil
}

// mirrorPage renders, transforms and stores one page.
func (d *Driver) mirrorPage(ctx context.Context, u *url.URL) (res PageResult) {
	res = PageResult{URL: u.String(), LocalPath: site.DocumentPath(u.Path)}
	log := d.log.WithField("page", res.URL)
	defer func() {
		if p := recover(); p != nil {
			res.Reason = fmt.Sprintf("panic: %v", p)
			log.WithField("panic", p).Error("page panicked")
		}
	}()

	pctx, cancel := context.WithTimeout(ctx, d.cfg.PageTimeout)
	defer cancel()

	result, err := d.renderer.Render(pctx, res.URL)
	switch {
	case errors.Is(err, renderer.ErrVerificationPending):
		res.Reason = renderer.ErrVerificationPending.Error()
	case errors.Is(err, context.DeadlineExceeded) || (err == nil && pctx.Err() != nil):
		res.Reason = "render timeout"
	case err != nil:
		res.Reason = "render: " + err.Error()
	case result == nil:
		res.Reason = "render: empty result"
	case renderer.HasChallenge(result.HTML, d.cfg.ChallengeMarkers):
		res.Reason = renderer.ErrVerificationPending.Error()
	}
	if res.Reason != "" {
		log.WithField("reason", res.Reason).Warn("page failed")
		return res
	}

	out, st, err := d.transformer.Transform(pctx, []byte(result.HTML), u, result.Resources)
	if err != nil {
		res.Reason = "transform: " + err.Error()
		log.WithError(err).Warn("page failed")
		return res
	}
	res.Assets = st.AssetsResolved

	if err := d.persist(u, out, result); err != nil {
		res.Reason = "store: " + err.Error()
		log.WithError(err).Warn("page failed")
		return res
	}
	log.WithFields(logrus.Fields{
		"path":   res.LocalPath,
		"assets": st.AssetsResolved,
		"links":  st.LinksRewritten,
	}).Info("page mirrored")
	return res
}

func (d *Driver) persist(u *url.URL, doc []byte, result *renderer.Result) error {
	name := filepath.Join(d.cfg.Root, filepath.FromSlash(site.DocumentPath(u.Path)))
	if err := downloader.WriteFileAtomic(name, doc); err != nil {
		return err
	}
	if d.cfg.Screenshots && len(result.Screenshot) > 0 {
		shot := filepath.Join(d.cfg.Root, filepath.FromSlash(site.SnapshotPath(u.Path)))
		if err := downloader.WriteFileAtomic(shot, result.Screenshot); err != nil {
			d.log.WithError(err).WithField("page", u.String()).Warn("screenshot not saved")
		}
	}
	for _, rec := range result.Exchanges {
		if !d.cfg.API.MatchRecord(rec) {
			continue
		}
		if err := exchange.Save(d.cfg.Root, rec); err != nil {
			d.log.WithError(err).WithField("request", rec.Request.URL).Warn("exchange not saved")
		}
	}
	return nil
}
