package strategy

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/any-hub/offline-agent/internal/cache"
	"github.com/any-hub/offline-agent/internal/fetch"
)

const testStoreName = "mia-pages-v3"

func TestIsCacheable(t *testing.T) {
	cases := []struct {
		name string
		resp *cache.Response
		want bool
	}{
		{"nil", nil, false},
		{"basic 200", &cache.Response{Status: 200, Type: cache.TypeBasic}, true},
		{"default 204", &cache.Response{Status: 204, Type: cache.TypeDefault}, true},
		{"basic 299", &cache.Response{Status: 299, Type: cache.TypeBasic}, true},
		{"basic 300", &cache.Response{Status: 300, Type: cache.TypeBasic}, false},
		{"basic 404", &cache.Response{Status: 404, Type: cache.TypeBasic}, false},
		{"basic 199", &cache.Response{Status: 199, Type: cache.TypeBasic}, false},
		{"cors 200", &cache.Response{Status: 200, Type: cache.TypeCORS}, false},
		{"opaque 200", &cache.Response{Status: 200, Type: cache.TypeOpaque}, false},
		{"error 200", &cache.Response{Status: 200, Type: cache.TypeError}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsCacheable(tc.resp))
		})
	}
}

func TestNetworkFirstReturnsLiveResponseAndStoresCopy(t *testing.T) {
	env := newStrategyEnv(t)
	live := okResponse("fresh")
	env.fetcher = staticFetcher(live, nil)

	s := NewNetworkFirst(env.options())
	req := env.request("/index.html")

	resp, source, err := s.Serve(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, SourceNetwork, source)
	assert.Same(t, live, resp)

	env.background.Wait()
	stored := env.match(req.Key())
	require.NotNil(t, stored)
	assert.Equal(t, "fresh", string(stored.Body))
}

func TestNetworkFirstReturnsNonOKWithoutStoring(t *testing.T) {
	env := newStrategyEnv(t)
	env.fetcher = staticFetcher(&cache.Response{Status: http.StatusNotFound, Type: cache.TypeBasic}, nil)
	env.put("/missing.html", okResponse("old"))

	resp, source, err := NewNetworkFirst(env.options()).Serve(context.Background(), env.request("/missing.html"))
	require.NoError(t, err)
	assert.Equal(t, SourceNetwork, source)
	assert.Equal(t, http.StatusNotFound, resp.Status)

	env.background.Wait()
	assert.Equal(t, "old", string(env.match(env.request("/missing.html").Key()).Body))
}

func TestNetworkFirstFallbackOrder(t *testing.T) {
	t.Run("exact match", func(t *testing.T) {
		env := newStrategyEnv(t)
		env.fetcher = staticFetcher(nil, errors.New("offline"))
		env.put("/page.html", okResponse("cached page"))
		env.put(env.offlinePath, okResponse("offline page"))

		resp, source, err := NewNetworkFirst(env.options()).Serve(context.Background(), env.request("/page.html"))
		require.NoError(t, err)
		assert.Equal(t, SourceCache, source)
		assert.Equal(t, "cached page", string(resp.Body))
	})

	t.Run("offline page", func(t *testing.T) {
		env := newStrategyEnv(t)
		env.fetcher = staticFetcher(nil, errors.New("offline"))
		env.put(env.offlinePath, okResponse("offline page"))

		resp, source, err := NewNetworkFirst(env.options()).Serve(context.Background(), env.request("/page.html"))
		require.NoError(t, err)
		assert.Equal(t, SourceOffline, source)
		assert.Equal(t, "offline page", string(resp.Body))
	})

	t.Run("nothing", func(t *testing.T) {
		env := newStrategyEnv(t)
		env.fetcher = staticFetcher(nil, errors.New("offline"))

		resp, source, err := NewNetworkFirst(env.options()).Serve(context.Background(), env.request("/page.html"))
		require.NoError(t, err)
		assert.Equal(t, SourceNone, source)
		assert.Nil(t, resp)
	})
}

func TestNetworkFirstTimeoutFallsBack(t *testing.T) {
	env := newStrategyEnv(t)
	release := make(chan struct{})
	defer close(release)
	env.fetcher = fetch.FetcherFunc(func(ctx context.Context, req *fetch.Request) (*cache.Response, error) {
		<-release
		return okResponse("too late"), nil
	})
	env.timeout = 30 * time.Millisecond
	env.put("/page.html", okResponse("cached page"))

	started := time.Now()
	resp, source, err := NewNetworkFirst(env.options()).Serve(context.Background(), env.request("/page.html"))
	require.NoError(t, err)
	assert.Equal(t, SourceCache, source)
	assert.Equal(t, "cached page", string(resp.Body))
	assert.Less(t, time.Since(started), 2*time.Second)
}

func TestNetworkFirstStoreOpenFailure(t *testing.T) {
	env := newStrategyEnv(t)
	opts := env.options()
	opts.Storage = failingStorage{}

	_, source, err := NewNetworkFirst(opts).Serve(context.Background(), env.request("/page.html"))
	require.ErrorIs(t, err, cache.ErrStoreUnavailable)
	assert.Equal(t, SourceNone, source)
}

func TestStrategiesDoNotRecreateDeletedStore(t *testing.T) {
	env := newStrategyEnv(t)
	env.fetcher = staticFetcher(okResponse("fresh"), nil)
	_, err := env.storage.Delete(context.Background(), testStoreName)
	require.NoError(t, err)

	_, source, err := NewNetworkFirst(env.options()).Serve(context.Background(), env.request("/page.html"))
	require.ErrorIs(t, err, cache.ErrStoreUnavailable)
	assert.Equal(t, SourceNone, source)

	_, _, err = NewStaleWhileRevalidate(env.options()).Serve(context.Background(), env.request("/images/giphy.gif"))
	require.ErrorIs(t, err, cache.ErrStoreUnavailable)

	env.background.Wait()
	names, err := env.storage.Names(context.Background())
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestStaleWhileRevalidateHitDoesNotWait(t *testing.T) {
	env := newStrategyEnv(t)
	release := make(chan struct{})
	var fetched atomic.Bool
	env.fetcher = fetch.FetcherFunc(func(ctx context.Context, req *fetch.Request) (*cache.Response, error) {
		<-release
		fetched.Store(true)
		return okResponse("new gif"), nil
	})
	env.put("/images/giphy.gif", okResponse("old gif"))

	resp, source, err := NewStaleWhileRevalidate(env.options()).Serve(context.Background(), env.request("/images/giphy.gif"))
	require.NoError(t, err)
	assert.Equal(t, SourceCache, source)
	assert.Equal(t, "old gif", string(resp.Body))
	assert.False(t, fetched.Load())

	close(release)
	env.background.Wait()
	assert.Equal(t, "new gif", string(env.match(env.request("/images/giphy.gif").Key()).Body))
}

func TestStaleWhileRevalidateMissAwaitsNetwork(t *testing.T) {
	env := newStrategyEnv(t)
	env.fetcher = staticFetcher(okResponse("fresh gif"), nil)

	resp, source, err := NewStaleWhileRevalidate(env.options()).Serve(context.Background(), env.request("/images/image2.gif"))
	require.NoError(t, err)
	assert.Equal(t, SourceNetwork, source)
	assert.Equal(t, "fresh gif", string(resp.Body))

	env.background.Wait()
	require.NotNil(t, env.match(env.request("/images/image2.gif").Key()))
}

func TestStaleWhileRevalidateMissReturnsUncacheable(t *testing.T) {
	env := newStrategyEnv(t)
	env.fetcher = staticFetcher(&cache.Response{Status: http.StatusNotFound, Type: cache.TypeBasic}, nil)

	resp, source, err := NewStaleWhileRevalidate(env.options()).Serve(context.Background(), env.request("/images/none.gif"))
	require.NoError(t, err)
	assert.Equal(t, SourceNetwork, source)
	assert.Equal(t, http.StatusNotFound, resp.Status)

	env.background.Wait()
	assert.Nil(t, env.match(env.request("/images/none.gif").Key()))
}

func TestStaleWhileRevalidateMissFallsBackToOfflinePage(t *testing.T) {
	env := newStrategyEnv(t)
	env.fetcher = staticFetcher(nil, errors.New("offline"))
	env.put(env.offlinePath, okResponse("offline page"))

	resp, source, err := NewStaleWhileRevalidate(env.options()).Serve(context.Background(), env.request("/images/image3.gif"))
	require.NoError(t, err)
	assert.Equal(t, SourceOffline, source)
	assert.Equal(t, "offline page", string(resp.Body))
}

func TestStaleWhileRevalidateMissWithNothing(t *testing.T) {
	env := newStrategyEnv(t)
	env.fetcher = staticFetcher(nil, errors.New("offline"))

	resp, source, err := NewStaleWhileRevalidate(env.options()).Serve(context.Background(), env.request("/libs/confetti.min.js"))
	require.NoError(t, err)
	assert.Equal(t, SourceNone, source)
	assert.Nil(t, resp)
}

func TestStaleWhileRevalidateRecoversPanic(t *testing.T) {
	env := newStrategyEnv(t)
	env.fetcher = fetch.FetcherFunc(func(ctx context.Context, req *fetch.Request) (*cache.Response, error) {
		panic("boom")
	})
	env.put(env.offlinePath, okResponse("offline page"))

	resp, source, err := NewStaleWhileRevalidate(env.options()).Serve(context.Background(), env.request("/images/image4.gif"))
	require.NoError(t, err)
	assert.Equal(t, SourceOffline, source)
	assert.Equal(t, "offline page", string(resp.Body))
	env.background.Wait()
}

func TestStaleWhileRevalidateIgnoresRequestCancellation(t *testing.T) {
	env := newStrategyEnv(t)
	release := make(chan struct{})
	var fetchCtxErr atomic.Value
	env.fetcher = fetch.FetcherFunc(func(ctx context.Context, req *fetch.Request) (*cache.Response, error) {
		<-release
		if err := ctx.Err(); err != nil {
			fetchCtxErr.Store(err)
		}
		return okResponse("new"), nil
	})
	env.put("/images/image5.gif", okResponse("old"))

	ctx, cancel := context.WithCancel(context.Background())
	_, source, err := NewStaleWhileRevalidate(env.options()).Serve(ctx, env.request("/images/image5.gif"))
	require.NoError(t, err)
	assert.Equal(t, SourceCache, source)

	cancel()
	close(release)
	env.background.Wait()
	assert.Nil(t, fetchCtxErr.Load())
	assert.Equal(t, "new", string(env.match(env.request("/images/image5.gif").Key()).Body))
}

type strategyEnv struct {
	t           *testing.T
	storage     cache.Storage
	origin      *url.URL
	offlinePath string
	fetcher     fetch.Fetcher
	timeout     time.Duration
	background  *Background
}

func newStrategyEnv(t *testing.T) *strategyEnv {
	t.Helper()
	storage, err := cache.NewFileStorage(t.TempDir())
	require.NoError(t, err)
	// 与安装阶段一致：策略只查找已存在的缓存。
	_, err = storage.Open(context.Background(), testStoreName)
	require.NoError(t, err)
	origin, _ := url.Parse("http://origin.test/")
	return &strategyEnv{
		t:           t,
		storage:     storage,
		origin:      origin,
		offlinePath: "/mia-optimized.html",
		timeout:     time.Second,
		background:  NewBackground(nil),
	}
}

func (e *strategyEnv) options() Options {
	return Options{
		Storage:     e.storage,
		StoreName:   testStoreName,
		OfflinePage: e.request(e.offlinePath).Key(),
		Fetcher:     e.fetcher,
		Timeout:     e.timeout,
		Background:  e.background,
	}
}

func (e *strategyEnv) request(path string) *fetch.Request {
	return fetch.NewRequest(http.MethodGet, e.origin.ResolveReference(&url.URL{Path: path}), nil)
}

func (e *strategyEnv) put(path string, resp *cache.Response) {
	e.t.Helper()
	store, err := e.storage.Open(context.Background(), testStoreName)
	require.NoError(e.t, err)
	require.NoError(e.t, store.Put(context.Background(), e.request(path).Key(), resp))
}

func (e *strategyEnv) match(key cache.Key) *cache.Response {
	e.t.Helper()
	store, err := e.storage.Open(context.Background(), testStoreName)
	require.NoError(e.t, err)
	resp, err := store.Match(context.Background(), key)
	if errors.Is(err, cache.ErrNotFound) {
		return nil
	}
	require.NoError(e.t, err)
	return resp
}

func okResponse(body string) *cache.Response {
	return &cache.Response{
		Status: http.StatusOK,
		Header: http.Header{},
		Body:   []byte(body),
		Type:   cache.TypeBasic,
	}
}

func staticFetcher(resp *cache.Response, err error) fetch.Fetcher {
	return fetch.FetcherFunc(func(ctx context.Context, req *fetch.Request) (*cache.Response, error) {
		return resp, err
	})
}

type failingStorage struct{}

func (failingStorage) Open(context.Context, string) (cache.Store, error) {
	return nil, cache.ErrStoreUnavailable
}

func (failingStorage) Lookup(context.Context, string) (cache.Store, error) {
	return nil, cache.ErrStoreUnavailable
}

func (failingStorage) Names(context.Context) ([]string, error) { return nil, nil }

func (failingStorage) Delete(context.Context, string) (bool, error) { return false, nil }

func (failingStorage) Close() error { return nil }
