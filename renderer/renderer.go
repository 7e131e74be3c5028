// Package renderer loads pages in a real browser and hands back the
// rendered DOM together with the network activity seen while loading.
package renderer

import (
	"context"
	"errors"
	"strings"

	"sitemirror/exchange"
)

// ErrVerificationPending is returned when a page still shows a bot
// verification interstitial after the challenge wait elapsed.
var ErrVerificationPending = errors.New("verification pending")

type ResourceType string

const (
	TypeStylesheet ResourceType = "stylesheet"
	TypeScript     ResourceType = "script"
	TypeImage      ResourceType = "image"
	TypeFont       ResourceType = "font"
	TypeDocument   ResourceType = "document"
	TypeAPI        ResourceType = "api"
	TypeOther      ResourceType = "other"
)

// Resource is a network request the page issued while rendering.
type Resource struct {
	URL  string
	Type ResourceType
}

// Result is everything a render produced.
type Result struct {
	HTML       string
	Resources  []Resource
	Exchanges  []exchange.Record
	Screenshot []byte
}

// Renderer renders one URL. Implementations must be safe for concurrent use.
type Renderer interface {
	Render(ctx context.Context, url string) (*Result, error)
}

// DefaultChallengeMarkers identify bot-verification interstitials. They
// target the interstitial markup itself; the challenge-platform beacon
// script that bot management injects into ordinary pages does not match.
var DefaultChallengeMarkers = []string{
	"cf-challenge",
	"cf-turnstile",
	"_cf_chl_opt",
	"<title>just a moment...</title>",
	"verify you are human",
	"checking your browser",
	"attention required! | cloudflare",
	"captcha-delivery",
}

// HasChallenge reports whether html contains one of markers,
// case-insensitively.
func HasChallenge(html string, markers []string) bool {
	lower := strings.ToLower(html)
	for _, m := range markers {
		if m != "" && strings.Contains(lower, strings.ToLower(m)) {
			return true
		}
	}
	return false
}
