package fetch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/any-hub/offline-agent/internal/cache"
)

// DefaultTimeout 是网络优先策略的默认截止时间。
const DefaultTimeout = 4000 * time.Millisecond

var (
	// ErrAborted 表示请求在截止时间前未完成而被放弃。
	ErrAborted = errors.New("fetch aborted")
	// ErrNoResponse 表示 fetcher 既没有返回响应也没有返回错误。
	ErrNoResponse = errors.New("fetch returned no response")
)

// Fetcher 针对一个请求发起单次网络访问，不做重试。
type Fetcher interface {
	Fetch(ctx context.Context, req *Request) (*cache.Response, error)
}

// FetcherFunc 允许直接把函数当作 Fetcher 使用（测试中常用）。
type FetcherFunc func(ctx context.Context, req *Request) (*cache.Response, error)

func (f FetcherFunc) Fetch(ctx context.Context, req *Request) (*cache.Response, error) {
	return f(ctx, req)
}

type fetchResult struct {
	resp *cache.Response
	err  error
}

// WithDeadline 以 timeout 为上限执行一次 fetch：
// 截止时间先到时立即返回 ErrAborted，即使底层 fetcher 忽略取消信号；
// 计时器在任何情况下都会被释放。timeout <= 0 时使用 DefaultTimeout。
func WithDeadline(ctx context.Context, f Fetcher, req *Request, timeout time.Duration) (*cache.Response, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan fetchResult, 1)
	go func() {
		resp, err := f.Fetch(ctx, req)
		done <- fetchResult{resp: resp, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			if errors.Is(res.err, context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: %v", ErrAborted, res.err)
			}
			return nil, res.err
		}
		if res.resp == nil {
			return nil, ErrNoResponse
		}
		return res.resp, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w after %s: %v", ErrAborted, timeout, ctx.Err())
	}
}
