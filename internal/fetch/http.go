package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/any-hub/offline-agent/internal/cache"
)

// HTTPFetcher 通过共享 http.Client 访问站点源，把完整响应读入快照。
type HTTPFetcher struct {
	client *http.Client
	origin *url.URL
}

// NewHTTPFetcher 构建 fetcher；origin 用于判定响应类型（basic/cors/opaque）。
func NewHTTPFetcher(client *http.Client, origin *url.URL) *HTTPFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPFetcher{client: client, origin: origin}
}

// Fetch 发起一次 GET/HEAD 等请求，不重试，调用方通过 ctx 控制截止时间。
func (f *HTTPFetcher) Fetch(ctx context.Context, req *Request) (*cache.Response, error) {
	if req == nil || req.URL == nil {
		return nil, errors.New("request url required")
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL.String(), http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	if req.Header != nil {
		CopyHeaders(httpReq.Header, req.Header)
	}
	StripStrategyHeaders(httpReq.Header)
	httpReq.Header.Del("Host")
	httpReq.Host = req.URL.Host

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read upstream body: %w", err)
	}

	header := http.Header{}
	CopyHeaders(header, resp.Header)
	header.Del("Content-Length")

	finalURL := req.URL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL
	}

	return &cache.Response{
		Status:   resp.StatusCode,
		Header:   header,
		Body:     body,
		Type:     f.classify(finalURL, resp.Header),
		URL:      finalURL.String(),
		StoredAt: time.Now().UTC(),
	}, nil
}

func (f *HTTPFetcher) classify(final *url.URL, header http.Header) cache.ResponseType {
	if f.origin == nil || SameOrigin(f.origin, final) {
		return cache.TypeBasic
	}
	if header.Get("Access-Control-Allow-Origin") != "" {
		return cache.TypeCORS
	}
	return cache.TypeOpaque
}
