package lifecycle

import (
	"sync"
	"time"

	"github.com/any-hub/offline-agent/internal/fetch"
	"github.com/any-hub/offline-agent/internal/intercept"
	"github.com/any-hub/offline-agent/internal/strategy"
)

// State 是 worker 代的生命周期状态。
type State string

const (
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	StateRedundant  State = "redundant"
)

// Worker 是一代 worker：Manifest + 状态 + 绑定该版本缓存的两种策略。
type Worker struct {
	generation uint64
	manifest   Manifest
	fetcher    fetch.Fetcher

	networkFirst *strategy.NetworkFirst
	swr          *strategy.StaleWhileRevalidate

	mu          sync.RWMutex
	state       State
	skipWaiting bool
	installed   time.Time
	activated   time.Time
}

func newWorker(generation uint64, manifest Manifest, opts strategy.Options) *Worker {
	opts.StoreName = manifest.Version
	opts.OfflinePage = manifest.OfflineKey()
	opts.Timeout = manifest.NetworkTimeout
	return &Worker{
		generation:   generation,
		manifest:     manifest,
		fetcher:      opts.Fetcher,
		networkFirst: strategy.NewNetworkFirst(opts),
		swr:          strategy.NewStaleWhileRevalidate(opts),
		state:        StateInstalling,
	}
}

func (w *Worker) Generation() uint64 {
	return w.generation
}

func (w *Worker) Version() string {
	return w.manifest.Version
}

func (w *Worker) Manifest() Manifest {
	return w.manifest
}

func (w *Worker) State() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

func (w *Worker) setState(state State) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state = state
	switch state {
	case StateInstalled:
		w.installed = time.Now()
	case StateActivated:
		w.activated = time.Now()
	}
}

// markSkipWaiting 记录跳过等待的信号；安装尚未完成时在安装结束后生效。
func (w *Worker) markSkipWaiting() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.skipWaiting = true
}

func (w *Worker) skipWaitingSet() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.skipWaiting
}

// Rules 返回该代 worker 的路由规则输入。
func (w *Worker) Rules() intercept.Rules {
	return w.manifest.Rules()
}

// Strategy 返回动作对应的策略；非拦截动作返回 nil。
func (w *Worker) Strategy(action intercept.Action) strategy.Strategy {
	switch action {
	case intercept.ActionNetworkFirst:
		return w.networkFirst
	case intercept.ActionStaleWhileRevalidate:
		return w.swr
	default:
		return nil
	}
}

// WorkerStatus 是诊断接口输出的快照。
type WorkerStatus struct {
	Generation  uint64     `json:"generation"`
	Version     string     `json:"version"`
	State       State      `json:"state"`
	SkipWaiting bool       `json:"skip_waiting"`
	Assets      int        `json:"assets"`
	InstalledAt *time.Time `json:"installed_at,omitempty"`
	ActivatedAt *time.Time `json:"activated_at,omitempty"`
}

func (w *Worker) status() *WorkerStatus {
	if w == nil {
		return nil
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	st := &WorkerStatus{
		Generation:  w.generation,
		Version:     w.manifest.Version,
		State:       w.state,
		SkipWaiting: w.skipWaiting,
		Assets:      len(w.manifest.Assets),
	}
	if !w.installed.IsZero() {
		installed := w.installed
		st.InstalledAt = &installed
	}
	if !w.activated.IsZero() {
		activated := w.activated
		st.ActivatedAt = &activated
	}
	return st
}
