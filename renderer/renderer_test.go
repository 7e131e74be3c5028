package renderer

import (
	"testing"
	"time"

	"github.com/go-rod/rod/lib/proto"
	"github.com/stretchr/testify/assert"
)

func TestHasChallenge(t *testing.T) {
	testCases := []struct {
		name     string
		html     string
		markers  []string
		expected bool
	}{
		{"cloudflare", `<div id="cf-challenge-running"></div>`, DefaultChallengeMarkers, true},
		{"case insensitive", `<title>Just a Moment...</title>`, DefaultChallengeMarkers, true},
		{"ordinary page", `<h1>Pricing</h1>`, DefaultChallengeMarkers, false},
		{
			"bot management beacon",
			`<html><head><title>Pricing</title></head><body><h1>Pricing</h1>` +
				`<script src="/cdn-cgi/challenge-platform/scripts/jsd/main.js"></script></body></html>`,
			DefaultChallengeMarkers,
			false,
		},
		{"turnstile widget", `<div class="cf-turnstile" data-sitekey="x"></div>`, DefaultChallengeMarkers, true},
		{"empty marker ignored", `<h1>Pricing</h1>`, []string{""}, false},
		{"no markers", `<div id="cf-challenge"></div>`, nil, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, HasChallenge(tc.html, tc.markers))
		})
	}
}

func TestResourceType(t *testing.T) {
	assert.Equal(t, TypeStylesheet, resourceType(proto.NetworkResourceTypeStylesheet))
	assert.Equal(t, TypeFont, resourceType(proto.NetworkResourceTypeFont))
	assert.Equal(t, TypeAPI, resourceType(proto.NetworkResourceTypeXHR))
	assert.Equal(t, TypeAPI, resourceType(proto.NetworkResourceTypeFetch))
	assert.Equal(t, TypeDocument, resourceType(proto.NetworkResourceTypeDocument))
	assert.Equal(t, TypeOther, resourceType(proto.NetworkResourceTypeWebSocket))
}

func TestRodConfigDefaults(t *testing.T) {
	r := NewRod(RodConfig{})
	assert.Equal(t, 2*time.Second, r.cfg.Settle)
	assert.Equal(t, 15*time.Second, r.cfg.ChallengeWait)
	assert.Equal(t, DefaultChallengeMarkers, r.cfg.ChallengeMarkers)
	assert.NotNil(t, r.cfg.Logger)
	assert.NoError(t, r.Close())
}
