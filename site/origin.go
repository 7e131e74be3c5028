package site

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// ErrInvalidBase is returned when the site base URL is not absolute http(s).
var ErrInvalidBase = errors.New("site: base must be an absolute http(s) URL")

// DefaultAllowHosts are third-party hosts whose assets are downloaded even
// though they are not part of the site.
var DefaultAllowHosts = []string{
	"fonts.googleapis.com",
	"fonts.gstatic.com",
	"ajax.googleapis.com",
	"cdn.jsdelivr.net",
	"cdnjs.cloudflare.com",
	"unpkg.com",
	"use.typekit.net",
	"p.typekit.net",
	"use.fontawesome.com",
	"code.jquery.com",
	"stackpath.bootstrapcdn.com",
	"maxcdn.bootstrapcdn.com",
}

// NormalizeHost lower-cases host, drops a default port and strips one
// leading "www." so that host variants compare equal.
func NormalizeHost(host, scheme string) string {
	host = strings.ToLower(host)
	if h, port, err := net.SplitHostPort(host); err == nil {
		if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
			host = h
		}
	}
	return strings.TrimPrefix(host, "www.")
}

// Site is the mirrored website: its base URL plus the hosts whose assets may
// be copied into the mirror.
type Site struct {
	base       *url.URL
	host       string
	registered string
	allow      []string
}

// New parses base and prepares the origin checks. allowHosts replaces
// DefaultAllowHosts when non-nil.
func New(base string, allowHosts []string) (*Site, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("site: parse %q: %w", base, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, ErrInvalidBase
	}
	if allowHosts == nil {
		allowHosts = DefaultAllowHosts
	}
	s := &Site{
		base: Canonical(u),
		host: NormalizeHost(u.Host, u.Scheme),
	}
	for _, h := range allowHosts {
		h = strings.ToLower(strings.TrimSpace(h))
		if h != "" {
			s.allow = append(s.allow, h)
		}
	}
	if net.ParseIP(u.Hostname()) == nil {
		if reg, err := publicsuffix.EffectiveTLDPlusOne(u.Hostname()); err == nil {
			s.registered = reg
		}
	}
	return s, nil
}

// Base returns a copy of the site base URL.
func (s *Site) Base() *url.URL {
	u := *s.base
	return &u
}

// Host is the normalized host of the site.
func (s *Site) Host() string { return s.host }

// SameSite reports whether u is an http(s) URL on the site itself.
func (s *Site) SameSite(u *url.URL) bool {
	if u == nil || (u.Scheme != "http" && u.Scheme != "https") {
		return false
	}
	return NormalizeHost(u.Host, u.Scheme) == s.host
}

// FirstParty reports whether u lives on another host of the site's
// registrable domain, e.g. a static or cdn subdomain.
func (s *Site) FirstParty(u *url.URL) bool {
	if s.registered == "" || u == nil {
		return false
	}
	h := strings.ToLower(u.Hostname())
	return h == s.registered || strings.HasSuffix(h, "."+s.registered)
}

// Allowed reports whether u is on an allow-listed third-party host.
func (s *Site) Allowed(u *url.URL) bool {
	if u == nil {
		return false
	}
	h := strings.ToLower(u.Hostname())
	for _, a := range s.allow {
		if h == a || strings.HasSuffix(h, "."+a) {
			return true
		}
	}
	return false
}

// Eligible reports whether the asset at u may be downloaded.
func (s *Site) Eligible(u *url.URL) bool {
	if u == nil || (u.Scheme != "http" && u.Scheme != "https") {
		return false
	}
	return s.SameSite(u) || s.FirstParty(u) || s.Allowed(u)
}
