package processor

import (
	"encoding/json"
	"fmt"

	"sitemirror/site"
)

const (
	ShimID       = "mirror-api-replay"
	SourceMeta   = "mirror-source"
	OverlayStyle = "mirror-overlay-suppress"
)

type shimConfig struct {
	Source   string   `json:"source"`
	Root     string   `json:"root"`
	APIDir   string   `json:"apiDir"`
	Hosts    []string `json:"hosts"`
	Patterns []string `json:"patterns"`
}

// shimScript builds the replay script for a page stored in pageDir. It
// answers fetch and XMLHttpRequest calls to API URLs from the recorded
// _api/<key>.json files and falls back to the network when no record
// exists. Keys are computed exactly as exchange.Key does.
func shimScript(source, pageDir string, hosts, patterns []string) string {
	if hosts == nil {
		hosts = []string{}
	}
	if patterns == nil {
		patterns = []string{}
	}
	cfg, _ := json.Marshal(shimConfig{
		Source:   source,
		Root:     site.Rel(pageDir, "."),
		APIDir:   site.APIDir,
		Hosts:    hosts,
		Patterns: patterns,
	})
	return fmt.Sprintf(shimTemplate, cfg)
}

const shimTemplate = `
(function () {
  if (window.__mirrorReplay) return;
  window.__mirrorReplay = true;
  var cfg = %s;

  function fnv1a(s) {
    var b = new TextEncoder().encode(s), h = 0x811c9dc5;
    for (var i = 0; i < b.length; i++) {
      h ^= b[i];
      h = Math.imul(h, 0x01000193) >>> 0;
    }
    return ('00000000' + h.toString(16)).slice(-8);
  }
  function absolute(u) {
    try { return new URL(String(u), cfg.source).href; } catch (e) { return null; }
  }
  function matches(u) {
    var p;
    try { p = new URL(u); } catch (e) { return false; }
    if (p.protocol !== 'http:' && p.protocol !== 'https:') return false;
    var host = p.hostname.toLowerCase(), path = p.pathname.toLowerCase(), i;
    for (i = 0; i < cfg.hosts.length; i++) {
      var h = cfg.hosts[i].toLowerCase();
      if (host === h || host.slice(-(h.length + 1)) === '.' + h) return true;
    }
    for (i = 0; i < cfg.patterns.length; i++) {
      if (path.indexOf(cfg.patterns[i].toLowerCase()) >= 0) return true;
    }
    return false;
  }
  var nativeFetch = window.fetch ? window.fetch.bind(window) : null;
  function record(method, u) {
    var key = String(method || 'GET').toLowerCase() + '_' + fnv1a(u);
    return nativeFetch(cfg.root + '/' + cfg.apiDir + '/' + key + '.json').then(function (r) {
      if (!r.ok) throw new Error('no record');
      return r.json();
    });
  }
  function noBody(s) { return s === 101 || s === 204 || s === 205 || s === 304; }

  if (nativeFetch) {
    window.fetch = function (input, init) {
      var method = (init && init.method) || (input && input.method) || 'GET';
      var u = absolute(typeof input === 'string' ? input : (input && input.url) || input);
      if (!u || !matches(u)) return nativeFetch(input, init);
      return record(method, u).then(function (rec) {
        var s = rec.response.status || 200;
        return new Response(noBody(s) ? null : (rec.response.body || ''), {
          status: s,
          headers: rec.response.headers || {}
        });
      }, function () {
        return nativeFetch(input, init);
      });
    };
  }

  var open = XMLHttpRequest.prototype.open, send = XMLHttpRequest.prototype.send;
  XMLHttpRequest.prototype.open = function (method, u) {
    this.__mirror = { method: method, url: absolute(u) };
    return open.apply(this, arguments);
  };
  XMLHttpRequest.prototype.send = function () {
    var xhr = this, info = xhr.__mirror, args = arguments;
    if (!nativeFetch || !info || !info.url || !matches(info.url)) return send.apply(xhr, args);
    record(info.method, info.url).then(function (rec) {
      var s = rec.response.status || 200, text = rec.response.body || '', hdrs = rec.response.headers || {};
      var body = text;
      if (xhr.responseType === 'json') {
        try { body = JSON.parse(text); } catch (e) { body = null; }
      }
      var define = function (k, v) { Object.defineProperty(xhr, k, { value: v, configurable: true }); };
      define('readyState', 4);
      define('status', s);
      define('statusText', String(s));
      define('responseURL', info.url);
      define('responseText', text);
      define('response', body);
      xhr.getResponseHeader = function (n) {
        n = String(n).toLowerCase();
        return Object.prototype.hasOwnProperty.call(hdrs, n) ? hdrs[n] : null;
      };
      xhr.getAllResponseHeaders = function () {
        return Object.keys(hdrs).map(function (k) { return k + ': ' + hdrs[k]; }).join('\r\n');
      };
      ['readystatechange', 'load', 'loadend'].forEach(function (t) { xhr.dispatchEvent(new Event(t)); });
    }, function () {
      send.apply(xhr, args);
    });
  };
})();
`
