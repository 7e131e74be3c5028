// Package downloader fetches page assets into the mirror and keeps the
// per-run URL to local path mapping.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	DefaultRetries     = 1
	DefaultDelay       = 500 * time.Millisecond
	DefaultTimeout     = 30 * time.Second
	DefaultMaxFileSize = 50 * 1024 * 1024
	DefaultUserAgent   = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"
)

var (
	ErrDownloadFailed = errors.New("download failed")
	ErrTooLarge       = errors.New("file too large")
)

// Config tunes the HTTP side of asset downloads.
type Config struct {
	Retries     int
	Delay       time.Duration
	Timeout     time.Duration
	MaxFileSize int64
	UserAgent   string
	// RequestsPerSecond caps outgoing requests; zero means unlimited.
	RequestsPerSecond float64
	Logger            logrus.FieldLogger
}

func (c *Config) setDefaults() {
	if c.Retries < 1 {
		c.Retries = DefaultRetries
	}
	if c.Delay <= 0 {
		c.Delay = DefaultDelay
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.MaxFileSize <= 0 {
		c.MaxFileSize = DefaultMaxFileSize
	}
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
}

// Response is a downloaded body with its content type.
type Response struct {
	Body        []byte
	ContentType string
}

type Downloader struct {
	client    *http.Client
	limiter   *rate.Limiter
	retries   int
	delay     time.Duration
	maxSize   int64
	userAgent string
	log       logrus.FieldLogger
}

func NewDownloader(c Config) *Downloader {
	c.setDefaults()
	limit := rate.Inf
	if c.RequestsPerSecond > 0 {
		limit = rate.Limit(c.RequestsPerSecond)
	}
	log := c.Logger
	return &Downloader{
		client: &http.Client{
			Transport: &http.Transport{
				Proxy:           http.ProxyFromEnvironment,
				MaxIdleConns:    64,
				IdleConnTimeout: 30 * time.Second,
			},
			CheckRedirect: func(r *http.Request, v []*http.Request) error {
				if len(v) >= 10 {
					return errors.New("stopped after 10 redirects")
				}
				log.WithFields(logrus.Fields{"from": v[len(v)-1].URL.String(), "to": r.URL.String()}).Debug("redirect")
				return nil
			},
			Timeout: c.Timeout,
		},
		limiter:   rate.NewLimiter(limit, 1),
		retries:   c.Retries,
		delay:     c.Delay,
		maxSize:   c.MaxFileSize,
		userAgent: c.UserAgent,
		log:       log,
	}
}

// Download GETs u, sending referer when set. Transport errors and 5xx
// responses are retried; any other non-2xx status fails at once.
func (d *Downloader) Download(ctx context.Context, u *url.URL, referer string) (*Response, error) {
	entry := d.log.WithField("asset", u.String())
	var lastErr error

	for attempt := 1; attempt <= d.retries; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(d.delay + time.Duration(rand.Intn(500))*time.Millisecond):
			}
		}
		if err := d.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		resp, retry, err := d.do(ctx, u, referer)
		if err == nil {
			entry.WithField("bytes", len(resp.Body)).Debug("downloaded")
			return resp, nil
		}
		lastErr = err
		entry.WithError(err).WithField("attempt", attempt).Debug("download attempt failed")
		if !retry {
			break
		}
	}
	return nil, lastErr
}

func (d *Downloader) do(ctx context.Context, u *url.URL, referer string) (*Response, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}
	req.Header.Set("User-Agent", d.userAgent)
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	if referer != "" {
		req.Header.Set("Referer", referer)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, ctx.Err() == nil, fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, resp.StatusCode >= 500, fmt.Errorf("%w: status %d", ErrDownloadFailed, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, d.maxSize+1))
	if err != nil {
		return nil, true, fmt.Errorf("%w: read body: %v", ErrDownloadFailed, err)
	}
	if int64(len(body)) > d.maxSize {
		return nil, false, fmt.Errorf("%w: %w (%d bytes)", ErrDownloadFailed, ErrTooLarge, len(body))
	}
	return &Response{Body: body, ContentType: resp.Header.Get("Content-Type")}, false, nil
}
