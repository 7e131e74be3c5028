package downloader

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sitemirror/site"
)

type assetServer struct {
	*httptest.Server
	hits    sync.Map
	slowHit chan struct{}
}

func (a *assetServer) count(p string) int64 {
	v, ok := a.hits.Load(p)
	if !ok {
		return 0
	}
	return v.(*atomic.Int64).Load()
}

func newAssetServer(t *testing.T) *assetServer {
	t.Helper()
	a := &assetServer{slowHit: make(chan struct{}, 1)}
	a.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		v, _ := a.hits.LoadOrStore(r.URL.Path, new(atomic.Int64))
		v.(*atomic.Int64).Add(1)

		switch r.URL.Path {
		case "/css/main.css":
			time.Sleep(20 * time.Millisecond)
			w.Header().Set("Content-Type", "text/css")
			w.Write([]byte(`body{background:url("../img/bg.png")}`))
		case "/slow.css":
			select {
			case a.slowHit <- struct{}{}:
			default:
			}
			time.Sleep(150 * time.Millisecond)
			w.Header().Set("Content-Type", "text/css")
			w.Write([]byte("p{margin:0}"))
		case "/css_main.css":
			w.Header().Set("Content-Type", "text/css")
			w.Write([]byte("h2{color:red}"))
		case "/api/font":
			w.Header().Set("Content-Type", "font/woff2")
			w.Write([]byte("wOF2"))
		case "/big.bin":
			w.Write([]byte(strings.Repeat("x", 100)))
		case "/a.js":
			w.Header().Set("Content-Type", "text/javascript")
			w.Write([]byte("console.log(1)"))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(a.Close)
	return a
}

func newTestStore(t *testing.T, srv *assetServer, root string, cfg Config) *Store {
	t.Helper()
	s, err := site.New(srv.URL, nil)
	require.NoError(t, err)
	logger, _ := test.NewNullLogger()
	cfg.Logger = logger
	return NewStore(root, s, NewDownloader(cfg), logger)
}

func TestStoreFetchesOncePerURL(t *testing.T) {
	srv := newAssetServer(t)
	store := newTestStore(t, srv, t.TempDir(), Config{})
	page := srv.URL + "/about/"

	var wg sync.WaitGroup
	results := make([]string, 20)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			local, err := store.Fetch(context.Background(), "/css/main.css", page)
			assert.NoError(t, err)
			results[i] = local
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, srv.count("/css/main.css"))
	for _, r := range results {
		assert.Equal(t, "_assets/css_main.css", r)
	}
	assert.EqualValues(t, 1, store.Downloaded())

	data, err := os.ReadFile(filepath.Join(store.Root(), "_assets", "css_main.css"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "../img/bg.png")
}

func TestStoreMemoizesFailures(t *testing.T) {
	srv := newAssetServer(t)
	store := newTestStore(t, srv, t.TempDir(), Config{Retries: 3, Delay: time.Millisecond})

	_, err := store.Fetch(context.Background(), "/missing.png", srv.URL+"/")
	assert.ErrorIs(t, err, ErrDownloadFailed)
	_, err = store.Fetch(context.Background(), srv.URL+"/missing.png", "")
	assert.ErrorIs(t, err, ErrDownloadFailed)

	assert.EqualValues(t, 1, srv.count("/missing.png"))
	assert.EqualValues(t, 0, store.Downloaded())
}

func TestStoreDownloadOutlivesCanceledCaller(t *testing.T) {
	srv := newAssetServer(t)
	store := newTestStore(t, srv, t.TempDir(), Config{})
	page := srv.URL + "/"

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	first := make(chan error, 1)
	go func() {
		_, err := store.Fetch(ctx, "/slow.css", page)
		first <- err
	}()
	<-srv.slowHit

	local, err := store.Fetch(context.Background(), "/slow.css", page)
	require.NoError(t, err)
	assert.Equal(t, "_assets/slow.css", local)
	assert.ErrorIs(t, <-first, context.DeadlineExceeded)

	again, err := store.Fetch(context.Background(), "/slow.css", page)
	require.NoError(t, err)
	assert.Equal(t, local, again)
	assert.EqualValues(t, 1, srv.count("/slow.css"))
	assert.EqualValues(t, 1, store.Downloaded())
}

func TestStoreRejectsWithoutRequest(t *testing.T) {
	srv := newAssetServer(t)
	store := newTestStore(t, srv, t.TempDir(), Config{})
	ctx := context.Background()

	_, err := store.Fetch(ctx, "data:image/png;base64,AAAA", srv.URL+"/")
	assert.ErrorIs(t, err, ErrUnsupportedRef)

	_, err = store.Fetch(ctx, "blob:https://x/1", srv.URL+"/")
	assert.ErrorIs(t, err, ErrUnsupportedRef)

	_, err = store.Fetch(ctx, "https://tracker.net/pixel.gif", srv.URL+"/")
	assert.ErrorIs(t, err, ErrIneligible)

	_, err = store.Fetch(ctx, "img/a.png", "")
	assert.ErrorIs(t, err, ErrUnresolvable)

	_, err = store.Fetch(ctx, "mailto:a@b.c", srv.URL+"/")
	assert.ErrorIs(t, err, ErrUnresolvable)
}

func TestStoreExtensionFromContentType(t *testing.T) {
	srv := newAssetServer(t)
	store := newTestStore(t, srv, t.TempDir(), Config{})

	local, err := store.Fetch(context.Background(), "/api/font", srv.URL+"/")
	require.NoError(t, err)
	assert.Equal(t, "_assets/api_font.woff2", local)
}

func TestStoreQueryStringsGetDistinctNames(t *testing.T) {
	srv := newAssetServer(t)
	store := newTestStore(t, srv, t.TempDir(), Config{})
	ctx := context.Background()

	a, err := store.Fetch(ctx, "/a.js?v=1", srv.URL+"/")
	require.NoError(t, err)
	b, err := store.Fetch(ctx, "/a.js?v=2", srv.URL+"/")
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	assert.True(t, strings.HasSuffix(a, ".js"))
	assert.EqualValues(t, 2, srv.count("/a.js"))
}

func TestStoreFlattenedNamesDoNotCollide(t *testing.T) {
	srv := newAssetServer(t)
	store := newTestStore(t, srv, t.TempDir(), Config{})
	ctx := context.Background()

	nested, err := store.Fetch(ctx, "/css/main.css", srv.URL+"/")
	require.NoError(t, err)
	flat, err := store.Fetch(ctx, "/css_main.css", srv.URL+"/")
	require.NoError(t, err)

	assert.Equal(t, "_assets/css_main.css", nested)
	assert.Equal(t, "_assets/css_main_a9220d1e.css", flat)
	assert.EqualValues(t, 1, srv.count("/css_main.css"))

	data, err := os.ReadFile(filepath.Join(store.Root(), "_assets", "css_main_a9220d1e.css"))
	require.NoError(t, err)
	assert.Equal(t, "h2{color:red}", string(data))
}

func TestStoreTrustsFilesFromEarlierRuns(t *testing.T) {
	srv := newAssetServer(t)
	root := t.TempDir()
	ctx := context.Background()

	first := newTestStore(t, srv, root, Config{})
	_, err := first.Fetch(ctx, "/css/main.css", srv.URL+"/")
	require.NoError(t, err)
	_, err = first.Fetch(ctx, "/api/font", srv.URL+"/")
	require.NoError(t, err)

	second := newTestStore(t, srv, root, Config{})
	local, err := second.Fetch(ctx, "/css/main.css", srv.URL+"/")
	require.NoError(t, err)
	assert.Equal(t, "_assets/css_main.css", local)
	local, err = second.Fetch(ctx, "/api/font", srv.URL+"/")
	require.NoError(t, err)
	assert.Equal(t, "_assets/api_font.woff2", local)

	assert.EqualValues(t, 1, srv.count("/css/main.css"))
	assert.EqualValues(t, 1, srv.count("/api/font"))
	assert.EqualValues(t, 0, second.Downloaded())
}

func TestStoreSizeCap(t *testing.T) {
	srv := newAssetServer(t)
	store := newTestStore(t, srv, t.TempDir(), Config{MaxFileSize: 10})

	_, err := store.Fetch(context.Background(), "/big.bin", srv.URL+"/")
	assert.ErrorIs(t, err, ErrTooLarge)
	assert.ErrorIs(t, err, ErrDownloadFailed)
}

func TestClaimStylesheet(t *testing.T) {
	srv := newAssetServer(t)
	store := newTestStore(t, srv, t.TempDir(), Config{})

	var claims atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if store.ClaimStylesheet("_assets/css_main.css") {
				claims.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, claims.Load())
}

func TestAssetName(t *testing.T) {
	testCases := []struct {
		name    string
		rawURL  string
		foreign bool
		stem    string
		ext     string
	}{
		{"nested css", "https://example.com/css/main.css", false, "css_main", ".css"},
		{"font", "https://example.com/css/fonts/brand.woff2", false, "css_fonts_brand", ".woff2"},
		{"foreign host", "https://fonts.gstatic.com/s/roboto.woff2", true, "fonts.gstatic.com_s_roboto", ".woff2"},
		{"no extension", "https://example.com/api/font", false, "api_font", ""},
		{"odd characters", "https://example.com/img/a%20b(1).png", false, "img_a_b_1__3bae720e", ".png"},
		{"underscore in path", "https://example.com/css_main.css", false, "css_main_a9220d1e", ".css"},
		{"directory", "https://example.com/static/", false, "static_index", ""},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			u := mustParse(t, tc.rawURL)
			stem, ext := assetName(u, tc.foreign)
			assert.Equal(t, tc.stem, stem)
			assert.Equal(t, tc.ext, ext)
		})
	}
}
