package renderer

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/sirupsen/logrus"

	"sitemirror/exchange"
)

// RodConfig configures the Chrome-backed renderer.
type RodConfig struct {
	// RemoteURL is the DevTools WebSocket of an already running Chrome.
	// Empty launches a local one.
	RemoteURL string
	ChromeBin string
	Headless  bool

	// Settle is how long the page may keep loading after the load event.
	Settle time.Duration
	// ChallengeWait bounds how long a verification interstitial is given
	// to clear itself.
	ChallengeWait    time.Duration
	ChallengeMarkers []string

	Screenshots bool
	// API selects which requests are captured as exchanges.
	API exchange.Matcher

	Logger logrus.FieldLogger
}

func (c *RodConfig) defaults() {
	if c.Settle <= 0 {
		c.Settle = 2 * time.Second
	}
	if c.ChallengeWait <= 0 {
		c.ChallengeWait = 15 * time.Second
	}
	if c.ChallengeMarkers == nil {
		c.ChallengeMarkers = DefaultChallengeMarkers
	}
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
}

// Rod renders pages in Chrome through go-rod with stealth patches applied.
type Rod struct {
	cfg     RodConfig
	mu      sync.Mutex
	browser *rod.Browser
	lnch    *launcher.Launcher
}

func NewRod(cfg RodConfig) *Rod {
	cfg.defaults()
	return &Rod{cfg: cfg}
}

// Start launches or connects to Chrome.
func (r *Rod) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.browser != nil {
		return nil
	}

	wsURL := r.cfg.RemoteURL
	if wsURL == "" {
		l := launcher.New().Context(ctx).Headless(r.cfg.Headless)
		if r.cfg.ChromeBin != "" {
			l = l.Bin(r.cfg.ChromeBin)
		}
		l = l.Set("disable-blink-features", "AutomationControlled")
		u, err := l.Launch()
		if err != nil {
			return fmt.Errorf("renderer: launch: %w", err)
		}
		wsURL = u
		r.lnch = l
		r.cfg.Logger.WithField("url", wsURL).Info("launched local chrome")
	}

	b := rod.New().ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		r.cleanup()
		return fmt.Errorf("renderer: connect: %w", err)
	}
	if err := b.IgnoreCertErrors(true); err != nil {
		r.cfg.Logger.WithError(err).Warn("ignore cert errors failed")
	}
	r.browser = b
	return nil
}

// Close shuts Chrome down.
func (r *Rod) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cleanup()
	return nil
}

func (r *Rod) cleanup() {
	if r.browser != nil {
		r.browser.Close()
		r.browser = nil
	}
	if r.lnch != nil {
		r.lnch.Cleanup()
		r.lnch = nil
	}
}

type pendingRequest struct {
	url      string
	method   string
	typ      proto.NetworkResourceType
	headers  exchange.Headers
	postData string
	hasPost  bool

	status      int
	respHeaders exchange.Headers
	finished    bool
}

// Render opens a fresh tab, loads pageURL and collects the rendered DOM,
// every sub-resource requested, and the bodies of matching API calls.
func (r *Rod) Render(ctx context.Context, pageURL string) (*Result, error) {
	r.mu.Lock()
	b := r.browser
	r.mu.Unlock()
	if b == nil {
		if err := r.Start(ctx); err != nil {
			return nil, err
		}
		r.mu.Lock()
		b = r.browser
		r.mu.Unlock()
	}
	log := r.cfg.Logger.WithField("url", pageURL)

	page, err := stealth.Page(b)
	if err != nil {
		return nil, fmt.Errorf("renderer: open tab: %w", err)
	}
	defer page.Close()
	page = page.Context(ctx)

	if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width: 1920, Height: 1080, DeviceScaleFactor: 1,
	}); err != nil {
		log.WithError(err).Debug("set viewport failed")
	}
	if err := (proto.NetworkEnable{}).Call(page); err != nil {
		return nil, fmt.Errorf("renderer: enable network: %w", err)
	}

	var (
		mu       sync.Mutex
		order    []proto.NetworkRequestID
		requests = make(map[proto.NetworkRequestID]*pendingRequest)
	)
	evCtx, stopEvents := context.WithCancel(ctx)
	defer stopEvents()
	wait := page.Context(evCtx).EachEvent(
		func(e *proto.NetworkRequestWillBeSent) {
			mu.Lock()
			defer mu.Unlock()
			if _, ok := requests[e.RequestID]; !ok {
				order = append(order, e.RequestID)
			}
			requests[e.RequestID] = &pendingRequest{
				url:      e.Request.URL,
				method:   e.Request.Method,
				typ:      e.Type,
				headers:  headerMap(e.Request.Headers),
				postData: e.Request.PostData,
				hasPost:  e.Request.HasPostData,
			}
		},
		func(e *proto.NetworkResponseReceived) {
			mu.Lock()
			defer mu.Unlock()
			if p, ok := requests[e.RequestID]; ok && e.Response != nil {
				p.status = e.Response.Status
				p.respHeaders = headerMap(e.Response.Headers)
			}
		},
		func(e *proto.NetworkLoadingFinished) {
			mu.Lock()
			defer mu.Unlock()
			if p, ok := requests[e.RequestID]; ok {
				p.finished = true
			}
		},
	)
	go wait()

	if err := page.Navigate(pageURL); err != nil {
		return nil, fmt.Errorf("renderer: navigate %s: %w", pageURL, err)
	}
	if err := page.WaitLoad(); err != nil {
		log.WithError(err).Warn("wait load failed")
	}

	if err := r.waitChallenge(ctx, page); err != nil {
		return nil, err
	}

	r.settle(page, log)

	html, err := page.HTML()
	if err != nil {
		return nil, fmt.Errorf("renderer: read dom: %w", err)
	}

	res := &Result{HTML: html}
	if r.cfg.Screenshots {
		shot, err := page.Screenshot(true, &proto.PageCaptureScreenshot{
			Format: proto.PageCaptureScreenshotFormatPng,
		})
		if err != nil {
			log.WithError(err).Warn("screenshot failed")
		} else {
			res.Screenshot = shot
		}
	}

	stopEvents()
	mu.Lock()
	snapshot := make([]*pendingRequest, 0, len(order))
	ids := make([]proto.NetworkRequestID, 0, len(order))
	for _, id := range order {
		snapshot = append(snapshot, requests[id])
		ids = append(ids, id)
	}
	mu.Unlock()

	now := time.Now().UTC()
	for i, p := range snapshot {
		res.Resources = append(res.Resources, Resource{URL: p.url, Type: resourceType(p.typ)})
		if !p.finished || !r.cfg.API.Match(p.url) {
			continue
		}
		rec, err := r.capture(page, ids[i], p, now)
		if err != nil {
			log.WithError(err).WithField("request", p.url).Debug("capture exchange failed")
			continue
		}
		if r.cfg.API.MatchRecord(*rec) {
			res.Exchanges = append(res.Exchanges, *rec)
		}
	}

	log.WithFields(logrus.Fields{
		"resources": len(res.Resources),
		"exchanges": len(res.Exchanges),
	}).Debug("rendered")
	return res, nil
}

// waitChallenge polls the DOM while a verification interstitial is shown.
func (r *Rod) waitChallenge(ctx context.Context, page *rod.Page) error {
	deadline := time.Now().Add(r.cfg.ChallengeWait)
	for {
		html, err := page.HTML()
		if err != nil || !HasChallenge(html, r.cfg.ChallengeMarkers) {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrVerificationPending
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

// settle scrolls through the page so lazy content loads, then waits for
// the page to go idle.
func (r *Rod) settle(page *rod.Page, log logrus.FieldLogger) {
	_, err := page.Eval(`async () => {
		const step = Math.max(200, Math.floor(window.innerHeight / 2));
		for (let y = 0; y < document.body.scrollHeight; y += step) {
			window.scrollTo(0, y);
			await new Promise(r => setTimeout(r, 50));
		}
		window.scrollTo(0, 0);
	}`)
	if err != nil {
		log.WithError(err).Debug("scroll failed")
	}
	if err := page.WaitIdle(r.cfg.Settle); err != nil {
		log.WithError(err).Debug("page did not go idle")
	}
}

func (r *Rod) capture(page *rod.Page, id proto.NetworkRequestID, p *pendingRequest, at time.Time) (*exchange.Record, error) {
	body, err := proto.NetworkGetResponseBody{RequestID: id}.Call(page)
	if err != nil {
		return nil, err
	}
	text := body.Body
	if body.Base64Encoded {
		raw, err := base64.StdEncoding.DecodeString(body.Body)
		if err != nil {
			return nil, err
		}
		text = string(raw)
	}

	post := p.postData
	if post == "" && p.hasPost {
		if pd, err := (proto.NetworkGetRequestPostData{RequestID: id}).Call(page); err == nil {
			post = pd.PostData
		}
	}

	return &exchange.Record{
		Key: exchange.Key(p.method, p.url),
		Request: exchange.Request{
			Method:  p.method,
			URL:     p.url,
			Headers: p.headers,
			Body:    post,
		},
		Response: exchange.Response{
			Status:  p.status,
			Headers: p.respHeaders,
			Body:    text,
		},
		Timestamp: at,
	}, nil
}

func headerMap(h proto.NetworkHeaders) exchange.Headers {
	out := make(exchange.Headers, len(h))
	for k, v := range h {
		out[strings.ToLower(k)] = v.Str()
	}
	return out
}

func resourceType(t proto.NetworkResourceType) ResourceType {
	switch t {
	case proto.NetworkResourceTypeStylesheet:
		return TypeStylesheet
	case proto.NetworkResourceTypeScript:
		return TypeScript
	case proto.NetworkResourceTypeImage:
		return TypeImage
	case proto.NetworkResourceTypeFont:
		return TypeFont
	case proto.NetworkResourceTypeDocument:
		return TypeDocument
	case proto.NetworkResourceTypeXHR, proto.NetworkResourceTypeFetch:
		return TypeAPI
	default:
		return TypeOther
	}
}
