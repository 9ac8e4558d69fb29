package enrich

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/disambench/internal/model"
)

const readmePage = `<!doctype html>
<html><head><title> pyfoo  - GitHub </title><script>var x = 1;</script></head>
<body>
<nav><a href="/">Home</a> <a href="/about">About</a></nav>
<main>
  <h1>pyfoo</h1>
  <p>A   toolkit for
     protein folding.</p>
  <ul><li>Fast</li><li>Small</li></ul>
</main>
<footer>Copyright</footer>
</body></html>`

type memCache struct {
	mu    sync.Mutex
	links map[string]model.LinkContent
	sets  int
}

func newMemCache() *memCache { return &memCache{links: make(map[string]model.LinkContent)} }

func (m *memCache) GetCachedLink(_ context.Context, url string) (*model.LinkContent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.links[url]
	if !ok {
		return nil, nil
	}
	return &l, nil
}

func (m *memCache) SetCachedLink(_ context.Context, link model.LinkContent, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.links[link.URL] = link
	m.sets++
	return nil
}

func fastEnricher(cache Cache, opts Options) *Enricher {
	opts.PerHostPerMin = 60000
	e := New(cache, opts)
	e.retry.InitialBackoff = time.Millisecond
	e.retry.MaxBackoff = 5 * time.Millisecond
	return e
}

func TestExtract_MainContent(t *testing.T) {
	title, text, err := Extract([]byte(readmePage))
	require.NoError(t, err)
	assert.Equal(t, "pyfoo - GitHub", title)
	assert.Equal(t, "pyfoo\nA toolkit for protein folding.\nFast\nSmall", text)
	assert.NotContains(t, text, "Home")
	assert.NotContains(t, text, "Copyright")
}

func TestExtract_MetaDescriptionFallback(t *testing.T) {
	html := `<html><head><meta name="description" content="Bio   tools"></head><body><script>x()</script></body></html>`
	_, text, err := Extract([]byte(html))
	require.NoError(t, err)
	assert.Equal(t, "Bio tools", text)
}

func TestExtract_Deterministic(t *testing.T) {
	_, a, err := Extract([]byte(readmePage))
	require.NoError(t, err)
	_, b, err := Extract([]byte(readmePage))
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestFetch_CachesResult(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "disambench/1.0", r.Header.Get("User-Agent"))
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(readmePage))
	}))
	defer srv.Close()

	cache := newMemCache()
	e := fastEnricher(cache, Options{})

	link, err := e.Fetch(context.Background(), srv.URL+"/pyfoo")
	require.NoError(t, err)
	assert.True(t, link.Usable())
	assert.Contains(t, link.Text, "protein folding")

	again, err := e.Fetch(context.Background(), srv.URL+"/pyfoo")
	require.NoError(t, err)
	assert.Equal(t, link.Text, again.Text)
	assert.Equal(t, int32(1), hits.Load())
	assert.Equal(t, 1, cache.sets)
}

func TestFetch_RetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("plain   readme"))
	}))
	defer srv.Close()

	e := fastEnricher(nil, Options{})
	link, err := e.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "plain readme", link.Text)
	assert.Equal(t, int32(3), hits.Load())
}

func TestFetch_MaxRetriesCountsAfterFirstAttempt(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	e := fastEnricher(nil, Options{MaxRetries: 1})
	assert.Equal(t, 2, e.retry.MaxAttempts)
	_, err := e.Fetch(context.Background(), srv.URL)
	require.Error(t, err)
	assert.Equal(t, int32(2), hits.Load())
}

func TestFetch_NotFoundCachedButUnusable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	cache := newMemCache()
	e := fastEnricher(cache, Options{})
	link, err := e.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, link.StatusCode)
	assert.False(t, link.Usable())
	assert.Equal(t, 1, cache.sets)
}

func TestFetch_RejectsNonHTTP(t *testing.T) {
	e := fastEnricher(nil, Options{})
	_, err := e.Fetch(context.Background(), "ftp://example.org/pkg")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported url")
}

func TestFetch_Truncates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("abcdefghij"))
	}))
	defer srv.Close()

	e := fastEnricher(nil, Options{MaxChars: 4})
	link, err := e.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "abcd", link.Text)
}

func TestPages_SkipsFailuresAndDuplicates(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/good", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(readmePage))
	})
	mux.HandleFunc("/gone", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusGone)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	a := model.Entry{ID: "a", Name: "pyfoo", Webpage: []string{srv.URL + "/good", srv.URL + "/gone"}}
	b := model.Entry{ID: "b", Name: "pyfoo", Webpage: []string{srv.URL + "/good"}}

	e := fastEnricher(newMemCache(), Options{})
	pages, err := e.Pages(context.Background(), a, b)
	require.NoError(t, err)
	require.Len(t, pages, 1)
	assert.Equal(t, srv.URL+"/good", pages[0].URL)
}

func TestPages_RespectsLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("text"))
	}))
	defer srv.Close()

	a := model.Entry{ID: "a", Name: "x", Webpage: []string{srv.URL + "/1", srv.URL + "/2", srv.URL + "/3"}}
	e := fastEnricher(nil, Options{MaxPagesPerCase: 2})
	pages, err := e.Pages(context.Background(), a)
	require.NoError(t, err)
	assert.Len(t, pages, 2)
}
