package strategy

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Background 跟踪脱离请求生命周期的后台任务（缓存写入、后台重新验证），
// 关闭服务或测试时可以 Wait 等待它们结束。
type Background struct {
	wg     sync.WaitGroup
	logger *logrus.Logger
}

func NewBackground(logger *logrus.Logger) *Background {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Background{logger: logger}
}

// Go 在独立 goroutine 中执行 fn。ctx 的取消信号会被剥离，但保留其中的值（trace span 等）。
// fn 返回的错误只记录 debug 日志，panic 会被恢复。
func (b *Background) Go(ctx context.Context, action string, fn func(ctx context.Context) error) {
	ctx = context.WithoutCancel(ctx)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				b.logger.WithFields(logrus.Fields{
					"action": action,
					"panic":  fmt.Sprint(r),
				}).Error("background_task_panic")
			}
		}()
		if err := fn(ctx); err != nil {
			b.logger.WithError(err).WithField("action", action).Debug("background_task_failed")
		}
	}()
}

// Wait 阻塞直到所有已启动的后台任务结束。
func (b *Background) Wait() {
	b.wg.Wait()
}
