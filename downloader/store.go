package downloader

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"sitemirror/site"
)

var (
	ErrUnsupportedRef = errors.New("unsupported reference")
	ErrUnresolvable   = errors.New("unresolvable reference")
	ErrIneligible     = errors.New("host not eligible for download")
)

type assetEntry struct {
	local string
	err   error
}

// Store downloads assets into <root>/_assets and remembers, for the whole
// run, which local file (or which failure) every absolute URL maps to.
// A Store is safe for concurrent use and is shared by all pages of a run.
type Store struct {
	root string
	site *site.Site
	dl   *Downloader
	log  logrus.FieldLogger

	mu     sync.RWMutex
	assets map[string]assetEntry
	group  singleflight.Group

	dirOnce sync.Once
	dirErr  error

	claimed    sync.Map
	downloaded atomic.Int64
}

func NewStore(root string, s *site.Site, dl *Downloader, log logrus.FieldLogger) *Store {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Store{
		root:   root,
		site:   s,
		dl:     dl,
		log:    log,
		assets: make(map[string]assetEntry),
	}
}

// Root is the mirror root directory.
func (s *Store) Root() string { return s.root }

// Downloaded is the number of assets fetched over the network in this run.
func (s *Store) Downloaded() int64 { return s.downloaded.Load() }

// Resolve turns ref into the absolute URL Fetch would key it under.
func (s *Store) Resolve(ref, referer string) (*url.URL, error) {
	ref = strings.TrimSpace(ref)
	lower := strings.ToLower(ref)
	if strings.HasPrefix(lower, "data:") || strings.HasPrefix(lower, "blob:") {
		return nil, ErrUnsupportedRef
	}
	if ref == "" || strings.HasPrefix(ref, "#") {
		return nil, ErrUnresolvable
	}
	r, err := url.Parse(ref)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnresolvable, err)
	}
	if !r.IsAbs() {
		base, err := url.Parse(referer)
		if err != nil || !base.IsAbs() {
			return nil, ErrUnresolvable
		}
		r = base.ResolveReference(r)
	}
	if r.Scheme != "http" && r.Scheme != "https" {
		return nil, ErrUnresolvable
	}
	r.Fragment = ""
	r.RawFragment = ""
	return r, nil
}

// Fetch returns the mirror-relative path of the asset ref points to,
// downloading it on first use. Every absolute URL is downloaded at most
// once per run; later callers, including concurrent ones, receive the same
// path or the same failure. The download itself is not tied to ctx: a
// caller whose ctx ends gets ctx.Err() while the shared download finishes
// for the others, bounded by the client timeout.
func (s *Store) Fetch(ctx context.Context, ref, referer string) (string, error) {
	abs, err := s.Resolve(ref, referer)
	if err != nil {
		return "", err
	}
	if !s.site.Eligible(abs) {
		return "", ErrIneligible
	}
	key := abs.String()

	if e, ok := s.lookup(key); ok {
		return e.local, e.err
	}

	dctx := context.WithoutCancel(ctx)
	ch := s.group.DoChan(key, func() (interface{}, error) {
		if e, ok := s.lookup(key); ok {
			return e, nil
		}
		local, err := s.fetch(dctx, abs, referer)
		e := assetEntry{local: local, err: err}
		s.mu.Lock()
		s.assets[key] = e
		s.mu.Unlock()
		return e, nil
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		e := res.Val.(assetEntry)
		return e.local, e.err
	}
}

// Lookup returns the stored path for an absolute URL without fetching.
func (s *Store) Lookup(absURL string) (string, bool) {
	e, ok := s.lookup(absURL)
	if !ok || e.err != nil {
		return "", false
	}
	return e.local, true
}

func (s *Store) lookup(key string) (assetEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.assets[key]
	return e, ok
}

// ClaimStylesheet reports true to exactly one caller per local path, the
// one responsible for rewriting that stylesheet in this run.
func (s *Store) ClaimStylesheet(local string) bool {
	_, loaded := s.claimed.LoadOrStore(local, struct{}{})
	return !loaded
}

func (s *Store) fetch(ctx context.Context, u *url.URL, referer string) (string, error) {
	foreign := !s.site.SameSite(u)
	stem, ext := assetName(u, foreign)
	entry := s.log.WithField("asset", u.String())

	if local, ok := s.existing(stem, ext); ok {
		entry.WithField("path", local).Debug("asset already on disk")
		return local, nil
	}

	resp, err := s.dl.Download(ctx, u, referer)
	if err != nil {
		entry.WithError(err).Warn("asset download failed")
		return "", fmt.Errorf("downloader: fetch %s: %w", u, err)
	}
	if ext == "" {
		ext = extFromContentType(resp.ContentType)
	}

	if err := s.ensureDir(); err != nil {
		return "", err
	}
	local := path.Join(site.AssetDir, stem+ext)
	if err := WriteFileAtomic(filepath.Join(s.root, filepath.FromSlash(local)), resp.Body); err != nil {
		return "", fmt.Errorf("downloader: save %s: %w", local, err)
	}
	s.downloaded.Add(1)
	entry.WithField("path", local).Debug("asset saved")
	return local, nil
}

func (s *Store) existing(stem, ext string) (string, bool) {
	candidates := []string{ext}
	if ext == "" {
		candidates = append(append([]string(nil), knownExts...), "")
	}
	for _, e := range candidates {
		local := path.Join(site.AssetDir, stem+e)
		if fi, err := os.Stat(filepath.Join(s.root, filepath.FromSlash(local))); err == nil && !fi.IsDir() {
			return local, true
		}
	}
	return "", false
}

func (s *Store) ensureDir() error {
	s.dirOnce.Do(func() {
		s.dirErr = os.MkdirAll(filepath.Join(s.root, site.AssetDir), 0o755)
	})
	return s.dirErr
}

// WriteFileAtomic writes data to a temp file next to name and renames it
// into place, so readers never observe a partial file.
func WriteFileAtomic(name string, data []byte) error {
	dir := filepath.Dir(name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(name)+".*.tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), name)
}
