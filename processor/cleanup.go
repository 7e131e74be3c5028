package processor

import (
	"net/url"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// DefaultTrackerHosts are host substrings of analytics and ad services
// whose tags are dropped from mirrored pages.
var DefaultTrackerHosts = []string{
	"google-analytics.com",
	"googletagmanager.com",
	"doubleclick.net",
	"googlesyndication.com",
	"connect.facebook.net",
	"hotjar.com",
	"clarity.ms",
	"mc.yandex.ru",
	"segment.com",
	"segment.io",
	"mixpanel.com",
	"hs-analytics.net",
	"fullstory.com",
	"nr-data.net",
}

// DefaultPopupPatterns are class/id substrings of consent banners and
// modal overlays hidden in mirrored pages.
var DefaultPopupPatterns = []string{
	"cookie-banner",
	"cookie-consent",
	"cookieconsent",
	"onetrust",
	"gdpr",
	"cc-window",
	"cky-consent",
	"modal-backdrop",
	"newsletter-popup",
}

func getAttr(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}

func setAttr(n *html.Node, key, val string) {
	for i := range n.Attr {
		if n.Attr[i].Key == key {
			n.Attr[i].Val = val
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: key, Val: val})
}

func removeAttrs(n *html.Node, keys ...string) {
	kept := n.Attr[:0]
	for _, a := range n.Attr {
		drop := false
		for _, k := range keys {
			if a.Key == k {
				drop = true
				break
			}
		}
		if !drop {
			kept = append(kept, a)
		}
	}
	n.Attr = kept
}

func textContent(n *html.Node) string {
	var b strings.Builder
	var f func(*html.Node)
	f = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			f(c)
		}
	}
	f(n)
	return b.String()
}

func findFirst(n *html.Node, a atom.Atom) *html.Node {
	if n.Type == html.ElementNode && n.DataAtom == a {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findFirst(c, a); found != nil {
			return found
		}
	}
	return nil
}

func findByID(n *html.Node, id string) *html.Node {
	if n.Type == html.ElementNode {
		if v, ok := getAttr(n, "id"); ok && v == id {
			return n
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findByID(c, id); found != nil {
			return found
		}
	}
	return nil
}

func findMeta(n *html.Node, name string) *html.Node {
	if n.Type == html.ElementNode && n.DataAtom == atom.Meta {
		if v, ok := getAttr(n, "name"); ok && strings.EqualFold(v, name) {
			return n
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findMeta(c, name); found != nil {
			return found
		}
	}
	return nil
}

func hostMatches(raw string, hosts []string) bool {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false
	}
	if strings.HasPrefix(raw, "//") {
		raw = "https:" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return false
	}
	host := strings.ToLower(u.Hostname())
	for _, h := range hosts {
		if h != "" && strings.Contains(host, strings.ToLower(h)) {
			return true
		}
	}
	return false
}

func isTracker(n *html.Node, hosts []string) bool {
	switch n.DataAtom {
	case atom.Script, atom.Iframe, atom.Img:
		v, _ := getAttr(n, "src")
		return hostMatches(v, hosts)
	case atom.Link:
		v, _ := getAttr(n, "href")
		return hostMatches(v, hosts)
	case atom.Noscript:
		text := strings.ToLower(textContent(n))
		for _, h := range hosts {
			if h != "" && strings.Contains(text, strings.ToLower(h)) {
				return true
			}
		}
	}
	return false
}

// cleanDocument removes tracker tags, <base> and meta refresh elements.
// It returns the number of tracker elements removed and the href of the
// first <base> element, if any.
func cleanDocument(doc *html.Node, trackers []string) (removed int, baseHref string) {
	var drop []*html.Node
	var f func(*html.Node)
	f = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch {
			case n.DataAtom == atom.Base:
				if v, ok := getAttr(n, "href"); ok && baseHref == "" {
					baseHref = v
				}
				drop = append(drop, n)
				return
			case n.DataAtom == atom.Meta:
				if v, _ := getAttr(n, "http-equiv"); strings.EqualFold(v, "refresh") {
					drop = append(drop, n)
					return
				}
			case isTracker(n, trackers):
				drop = append(drop, n)
				removed++
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			f(c)
		}
	}
	f(doc)
	for _, n := range drop {
		if n.Parent != nil {
			n.Parent.RemoveChild(n)
		}
	}
	return removed, baseHref
}

func overlayCSS(patterns []string) string {
	var sel []string
	for _, p := range patterns {
		p = strings.Map(func(r rune) rune {
			if r == '"' || r == '\\' || r == '<' || r == '>' {
				return -1
			}
			return r
		}, p)
		if p == "" {
			continue
		}
		sel = append(sel, `[class*="`+p+`"]`, `[id*="`+p+`"]`)
	}
	if len(sel) == 0 {
		return ""
	}
	return strings.Join(sel, ",\n") + " {\n  display: none !important;\n  visibility: hidden !important;\n}\n" +
		"html, body { overflow: auto !important; }\n"
}

// injectOverlayStyle appends the overlay-suppressing stylesheet to head
// unless one is already there.
func injectOverlayStyle(doc, head *html.Node, patterns []string) bool {
	css := overlayCSS(patterns)
	if css == "" || head == nil || findByID(doc, OverlayStyle) != nil {
		return false
	}
	style := &html.Node{
		Type:     html.ElementNode,
		DataAtom: atom.Style,
		Data:     "style",
		Attr:     []html.Attribute{{Key: "id", Val: OverlayStyle}},
	}
	style.AppendChild(&html.Node{Type: html.TextNode, Data: css})
	head.AppendChild(style)
	return true
}

// injectReplay places the source marker and the replay script into
// parent. An existing marker is updated; an existing script is kept.
func injectReplay(doc, parent *html.Node, source, script string) {
	if meta := findMeta(doc, SourceMeta); meta != nil {
		setAttr(meta, "content", source)
	} else {
		parent.AppendChild(&html.Node{
			Type:     html.ElementNode,
			DataAtom: atom.Meta,
			Data:     "meta",
			Attr: []html.Attribute{
				{Key: "name", Val: SourceMeta},
				{Key: "content", Val: source},
			},
		})
	}
	if findByID(doc, ShimID) != nil {
		return
	}
	s := &html.Node{
		Type:     html.ElementNode,
		DataAtom: atom.Script,
		Data:     "script",
		Attr:     []html.Attribute{{Key: "id", Val: ShimID}},
	}
	s.AppendChild(&html.Node{Type: html.TextNode, Data: script})
	parent.AppendChild(s)
}

// sourceURL reads the marker left by injectReplay.
func sourceURL(doc *html.Node) string {
	if meta := findMeta(doc, SourceMeta); meta != nil {
		v, _ := getAttr(meta, "content")
		return v
	}
	return ""
}
