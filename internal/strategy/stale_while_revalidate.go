package strategy

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-agent/internal/cache"
	"github.com/any-hub/offline-agent/internal/fetch"
)

var errRevalidateAborted = errors.New("revalidate task aborted")

// StaleWhileRevalidate 命中缓存时立即返回旧副本，同时在后台刷新；
// 未命中时等待这次后台请求的结果。
type StaleWhileRevalidate struct {
	opts Options
}

func NewStaleWhileRevalidate(opts Options) *StaleWhileRevalidate {
	return &StaleWhileRevalidate{opts: opts.withDefaults()}
}

func (s *StaleWhileRevalidate) Name() string {
	return "stale_while_revalidate"
}

type revalidateResult struct {
	resp *cache.Response
	err  error
}

func (s *StaleWhileRevalidate) Serve(ctx context.Context, req *fetch.Request) (resp *cache.Response, source Source, err error) {
	ctx, span := startSpan(ctx, "strategy.stale_while_revalidate", req, s.opts.StoreName)
	defer func() { endSpan(span, source, err) }()

	store, err := s.opts.Storage.Lookup(ctx, s.opts.StoreName)
	if err != nil {
		return nil, SourceNone, fmt.Errorf("open store %s: %w", s.opts.StoreName, err)
	}

	key := req.Key()
	cached := match(ctx, s.opts, store, key)

	done := make(chan revalidateResult, 1)
	s.revalidate(ctx, store, req.Clone(), done)

	if cached != nil {
		return cached, SourceCache, nil
	}

	select {
	case res := <-done:
		if res.err == nil {
			return res.resp, SourceNetwork, nil
		}
		s.opts.Logger.WithError(res.err).WithFields(logrus.Fields{
			"action": s.Name(),
			"url":    req.URL.String(),
		}).Debug("network_fetch_failed")
	case <-ctx.Done():
		return nil, SourceNone, nil
	}

	resp, source = matchFallback(ctx, s.opts, store, req, false)
	return resp, source, nil
}

// revalidate 启动没有截止时间的后台请求；结果先交给 done，再按可缓存性覆盖缓存条目。
func (s *StaleWhileRevalidate) revalidate(ctx context.Context, store cache.Store, req *fetch.Request, done chan<- revalidateResult) {
	s.opts.Background.Go(ctx, "stale_while_revalidate_fetch", func(ctx context.Context) error {
		sent := false
		defer func() {
			if !sent {
				done <- revalidateResult{err: errRevalidateAborted}
			}
		}()

		resp, err := s.opts.Fetcher.Fetch(ctx, req)
		if err == nil && resp == nil {
			err = fetch.ErrNoResponse
		}
		sent = true
		done <- revalidateResult{resp: resp, err: err}
		if err != nil {
			return err
		}
		if !IsCacheable(resp) {
			return nil
		}
		return store.Put(ctx, req.Key(), resp.Clone())
	})
}
