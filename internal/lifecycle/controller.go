package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/any-hub/offline-agent/internal/cache"
	"github.com/any-hub/offline-agent/internal/fetch"
	"github.com/any-hub/offline-agent/internal/logging"
	"github.com/any-hub/offline-agent/internal/strategy"
)

// DefaultCheckInterval 是 Run 检查等待中 worker 是否可以激活的周期。
const DefaultCheckInterval = 5 * time.Second

var tracer = otel.Tracer("github.com/any-hub/offline-agent/internal/lifecycle")

// Options 汇总 Controller 依赖。
type Options struct {
	Storage cache.Storage
	// NewFetcher 为每一代 worker 构建 fetcher（站点源可能随配置变化）。
	NewFetcher    func(m Manifest) fetch.Fetcher
	Logger        *logrus.Logger
	Background    *strategy.Background
	Clients       *Clients
	CheckInterval time.Duration
}

// Controller 持有当前激活的 worker 与至多一个等待中的 worker。
type Controller struct {
	opts Options

	mu         sync.Mutex
	active     *Worker
	waiting    *Worker
	generation uint64
}

// Status 是诊断接口输出。
type Status struct {
	Active  *WorkerStatus `json:"active"`
	Waiting *WorkerStatus `json:"waiting"`
	Stores  []string      `json:"stores"`
	Clients ClientStats   `json:"clients"`
}

func NewController(opts Options) *Controller {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
		opts.Logger.SetOutput(io.Discard)
	}
	if opts.Background == nil {
		opts.Background = strategy.NewBackground(opts.Logger)
	}
	if opts.Clients == nil {
		opts.Clients = NewClients(0)
	}
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = DefaultCheckInterval
	}
	return &Controller{opts: opts}
}

// Active 返回当前激活（或正在激活）的 worker，尚无激活代时返回 nil。
func (c *Controller) Active() *Worker {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Waiting 返回正在安装或等待激活的 worker。
func (c *Controller) Waiting() *Worker {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waiting
}

// Clients 返回会话表。
func (c *Controller) Clients() *Clients {
	return c.opts.Clients
}

// Update 以新的 Manifest 安装一代 worker。版本与当前激活代相同时不做任何事；
// 新安装会替换尚未激活的旧等待代。只有缓存打开失败会返回错误。
func (c *Controller) Update(ctx context.Context, m Manifest) (*Worker, error) {
	if m.Version == "" {
		return nil, errors.New("store version required")
	}

	c.mu.Lock()
	if c.waiting != nil && c.waiting.Version() == m.Version {
		w := c.waiting
		c.mu.Unlock()
		return w, nil
	}
	if c.active != nil && c.active.Version() == m.Version {
		if c.waiting != nil {
			c.discardLocked(c.waiting)
		}
		w := c.active
		c.mu.Unlock()
		return w, nil
	}

	c.generation++
	w := newWorker(c.generation, m, strategy.Options{
		Storage:    c.opts.Storage,
		Fetcher:    c.fetcherFor(m),
		Logger:     c.opts.Logger,
		Background: c.opts.Background,
	})
	if c.waiting != nil {
		c.discardLocked(c.waiting)
	}
	c.waiting = w
	c.mu.Unlock()

	c.opts.Logger.WithFields(logging.WorkerFields("install", w.Version(), w.Generation(), string(StateInstalling))).
		Info("worker_installing")

	if err := c.install(ctx, w); err != nil {
		c.mu.Lock()
		if c.waiting == w {
			c.waiting = nil
		}
		c.mu.Unlock()
		w.setState(StateRedundant)
		c.opts.Logger.WithError(err).
			WithFields(logging.WorkerFields("install", w.Version(), w.Generation(), string(StateRedundant))).
			Error("worker_install_failed")
		return nil, err
	}

	c.mu.Lock()
	superseded := c.waiting != w
	c.mu.Unlock()
	if superseded {
		return w, nil
	}

	w.setState(StateInstalled)
	c.opts.Logger.WithFields(logging.WorkerFields("install", w.Version(), w.Generation(), string(StateInstalled))).
		Info("worker_installed")
	c.tryActivate(ctx)
	return w, nil
}

func (c *Controller) fetcherFor(m Manifest) fetch.Fetcher {
	if c.opts.NewFetcher == nil {
		return fetch.NewHTTPFetcher(nil, m.Origin)
	}
	return c.opts.NewFetcher(m)
}

func (c *Controller) discardLocked(w *Worker) {
	w.setState(StateRedundant)
	if c.waiting == w {
		c.waiting = nil
	}
	c.opts.Logger.WithFields(logging.WorkerFields("install", w.Version(), w.Generation(), string(StateRedundant))).
		Info("worker_discarded")
}

// install 打开缓存并预缓存全部资源。预缓存失败只记录日志：不写入任何条目，也不跳过等待。
func (c *Controller) install(ctx context.Context, w *Worker) (err error) {
	ctx, span := tracer.Start(ctx, "lifecycle.install", trace.WithAttributes(
		attribute.String("offline_agent.store", w.Version()),
		attribute.Int("offline_agent.assets", len(w.manifest.Assets)),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	store, err := c.opts.Storage.Open(ctx, w.Version())
	if err != nil {
		return fmt.Errorf("open store %s: %w", w.Version(), err)
	}

	if precacheErr := c.precache(ctx, w, store); precacheErr != nil {
		span.AddEvent("precache_failed")
		c.opts.Logger.WithError(precacheErr).
			WithFields(logging.WorkerFields("precache", w.Version(), w.Generation(), string(StateInstalling))).
			Warn("precache_failed")
		return nil
	}

	w.markSkipWaiting()
	return nil
}

// precache 并发抓取清单中的全部资源，任何一个失败（网络错误或非 2xx）都放弃整批。
func (c *Controller) precache(ctx context.Context, w *Worker, store cache.Store) error {
	reqs := w.manifest.AssetRequests()
	entries := make([]cache.Entry, len(reqs))
	errs := make([]error, len(reqs))

	var wg sync.WaitGroup
	for i, req := range reqs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := w.fetcher.Fetch(ctx, req)
			switch {
			case err != nil:
				errs[i] = fmt.Errorf("precache %s: %w", req.URL, err)
			case resp == nil:
				errs[i] = fmt.Errorf("precache %s: %w", req.URL, fetch.ErrNoResponse)
			case !resp.OK():
				errs[i] = fmt.Errorf("precache %s: unexpected status %d", req.URL, resp.Status)
			default:
				entries[i] = cache.Entry{Key: req.Key(), Response: resp}
			}
		}()
	}
	wg.Wait()

	if err := errors.Join(errs...); err != nil {
		return err
	}
	return store.PutAll(ctx, entries)
}

// tryActivate 在满足任一条件时激活等待中的 worker：已跳过等待、没有激活代、
// 或没有存活会话仍受旧版本控制。
func (c *Controller) tryActivate(ctx context.Context) bool {
	c.mu.Lock()
	w := c.waiting
	if w == nil || w.State() != StateInstalled {
		c.mu.Unlock()
		return false
	}
	prev := c.active
	ready := w.skipWaitingSet() || prev == nil || c.opts.Clients.Controlled(prev.Version()) == 0
	if !ready {
		c.mu.Unlock()
		return false
	}
	w.setState(StateActivating)
	c.active = w
	c.waiting = nil
	c.mu.Unlock()

	if prev != nil {
		prev.setState(StateRedundant)
	}
	c.activate(context.WithoutCancel(ctx), w)
	return true
}

// activate 删除除当前版本与正在安装的新版本外的所有缓存，然后接管全部会话。清理失败只记录日志。
func (c *Controller) activate(ctx context.Context, w *Worker) {
	ctx, span := tracer.Start(ctx, "lifecycle.activate", trace.WithAttributes(
		attribute.String("offline_agent.store", w.Version()),
	))
	defer span.End()

	names, err := c.opts.Storage.Names(ctx)
	if err != nil {
		span.RecordError(err)
		c.opts.Logger.WithError(err).
			WithFields(logging.WorkerFields("activate", w.Version(), w.Generation(), string(StateActivating))).
			Warn("store_list_failed")
	}
	for _, name := range names {
		if name == w.Version() || c.isWaitingStore(name) {
			continue
		}
		existed, err := c.opts.Storage.Delete(ctx, name)
		fields := logging.WorkerFields("activate", w.Version(), w.Generation(), string(StateActivating))
		fields["store"] = name
		if err != nil {
			span.RecordError(err)
			c.opts.Logger.WithError(err).WithFields(fields).Warn("store_purge_failed")
			continue
		}
		if existed {
			c.opts.Logger.WithFields(fields).Info("store_purged")
		}
	}

	w.setState(StateActivated)
	claimed := c.opts.Clients.Claim(w.Version())
	fields := logging.WorkerFields("activate", w.Version(), w.Generation(), string(StateActivated))
	fields["claimed_clients"] = claimed
	c.opts.Logger.WithFields(fields).Info("worker_activated")
}

// isWaitingStore 判断 name 是否属于并发 Update 刚登记的等待代。
func (c *Controller) isWaitingStore(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waiting != nil && c.waiting.Version() == name
}

// SkipWaiting 让等待中的 worker 跳过等待；仍在安装时在安装结束后立即激活。
// 没有等待中的 worker 时返回 false。
func (c *Controller) SkipWaiting(ctx context.Context) bool {
	w := c.Waiting()
	if w == nil {
		return false
	}
	w.markSkipWaiting()
	c.tryActivate(ctx)
	return true
}

// HandleMessage 处理控制消息，返回消息是否被识别。
func (c *Controller) HandleMessage(ctx context.Context, msg Message) bool {
	if msg.Type != MessageSkipWaiting {
		return false
	}
	c.SkipWaiting(ctx)
	return true
}

// TouchClient 记录会话访问并返回控制它的版本（为空表示尚未受控）。
func (c *Controller) TouchClient(id string) string {
	active := ""
	if w := c.Active(); w != nil {
		active = w.Version()
	}
	return c.opts.Clients.Touch(id, active)
}

// Run 周期性清理空闲会话，并在旧版本不再有会话时激活等待中的 worker。
func (c *Controller) Run(ctx context.Context) {
	ticker := time.NewTicker(c.opts.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if pruned := c.opts.Clients.Prune(); pruned > 0 {
				c.opts.Logger.WithFields(logrus.Fields{
					"action": "clients",
					"pruned": pruned,
				}).Debug("clients_pruned")
			}
			c.tryActivate(ctx)
		}
	}
}

// Status 返回诊断快照。
func (c *Controller) Status(ctx context.Context) (Status, error) {
	c.mu.Lock()
	active, waiting := c.active, c.waiting
	c.mu.Unlock()

	names, err := c.opts.Storage.Names(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("list stores: %w", err)
	}
	if names == nil {
		names = []string{}
	}
	return Status{
		Active:  active.status(),
		Waiting: waiting.status(),
		Stores:  names,
		Clients: c.opts.Clients.Snapshot(),
	}, nil
}
