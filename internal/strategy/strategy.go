package strategy

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/any-hub/offline-agent/internal/cache"
	"github.com/any-hub/offline-agent/internal/fetch"
)

// Source 标识最终响应的来源，写入 X-Offline-Agent-Source 头与日志。
type Source string

const (
	SourceNetwork Source = "network"
	SourceCache   Source = "cache"
	SourceOffline Source = "offline"
	// SourceNone 表示网络与缓存都不可用，调用方需自行渲染错误。
	SourceNone Source = "none"
)

// Strategy 是单个请求的检索策略。
// 只有缓存打开失败才会返回 error；其余失败都转换成回退结果。
type Strategy interface {
	Name() string
	Serve(ctx context.Context, req *fetch.Request) (*cache.Response, Source, error)
}

// Options 是两种策略共享的依赖。
type Options struct {
	Storage     cache.Storage
	StoreName   string
	OfflinePage cache.Key
	Fetcher     fetch.Fetcher
	// Timeout 仅作用于网络优先策略，<= 0 时使用 fetch.DefaultTimeout。
	Timeout    time.Duration
	Logger     *logrus.Logger
	Background *Background
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = fetch.DefaultTimeout
	}
	if o.Logger == nil {
		o.Logger = logrus.New()
		o.Logger.SetOutput(io.Discard)
	}
	if o.Background == nil {
		o.Background = NewBackground(o.Logger)
	}
	return o
}

var tracer = otel.Tracer("github.com/any-hub/offline-agent/internal/strategy")

func startSpan(ctx context.Context, name string, req *fetch.Request, store string) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{attribute.String("offline_agent.store", store)}
	if req != nil && req.URL != nil {
		attrs = append(attrs,
			attribute.String("http.request.method", req.Method),
			attribute.String("url.full", req.URL.String()),
		)
	}
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, source Source, err error) {
	span.SetAttributes(attribute.String("offline_agent.source", string(source)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// matchFallback 依次尝试精确匹配与离线页，都未命中时返回 SourceNone。
func matchFallback(ctx context.Context, opts Options, store cache.Store, req *fetch.Request, tryExact bool) (*cache.Response, Source) {
	if tryExact {
		if resp := match(ctx, opts, store, req.Key()); resp != nil {
			return resp, SourceCache
		}
	}
	if opts.OfflinePage.URL != "" {
		if resp := match(ctx, opts, store, opts.OfflinePage); resp != nil {
			return resp, SourceOffline
		}
	}
	return nil, SourceNone
}

func match(ctx context.Context, opts Options, store cache.Store, key cache.Key) *cache.Response {
	resp, err := store.Match(ctx, key)
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			opts.Logger.WithError(err).WithFields(logrus.Fields{
				"action": "cache_match",
				"store":  store.Name(),
				"key":    key.String(),
			}).Warn("cache_match_failed")
		}
		return nil
	}
	return resp
}
