package strategy

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-agent/internal/cache"
	"github.com/any-hub/offline-agent/internal/fetch"
)

// NetworkFirst 优先访问网络（带截止时间），失败时回退到缓存，再回退到离线页。
type NetworkFirst struct {
	opts Options
}

func NewNetworkFirst(opts Options) *NetworkFirst {
	return &NetworkFirst{opts: opts.withDefaults()}
}

func (s *NetworkFirst) Name() string {
	return "network_first"
}

// Serve 成功取到可缓存响应时异步写入缓存并立即返回；网络返回的非 2xx 响应原样返回但不写入。
func (s *NetworkFirst) Serve(ctx context.Context, req *fetch.Request) (resp *cache.Response, source Source, err error) {
	ctx, span := startSpan(ctx, "strategy.network_first", req, s.opts.StoreName)
	defer func() { endSpan(span, source, err) }()

	store, err := s.opts.Storage.Lookup(ctx, s.opts.StoreName)
	if err != nil {
		return nil, SourceNone, fmt.Errorf("open store %s: %w", s.opts.StoreName, err)
	}

	resp, fetchErr := fetch.WithDeadline(ctx, s.opts.Fetcher, req, s.opts.Timeout)
	if fetchErr == nil {
		if IsCacheable(resp) {
			key := req.Key()
			snapshot := resp.Clone()
			s.opts.Background.Go(ctx, "network_first_put", func(ctx context.Context) error {
				return store.Put(ctx, key, snapshot)
			})
		}
		return resp, SourceNetwork, nil
	}

	s.opts.Logger.WithError(fetchErr).WithFields(logrus.Fields{
		"action": s.Name(),
		"url":    req.URL.String(),
	}).Debug("network_fetch_failed")

	resp, source = matchFallback(ctx, s.opts, store, req, true)
	return resp, source, nil
}
