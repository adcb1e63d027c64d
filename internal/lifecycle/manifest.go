package lifecycle

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/any-hub/offline-agent/internal/cache"
	"github.com/any-hub/offline-agent/internal/config"
	"github.com/any-hub/offline-agent/internal/fetch"
	"github.com/any-hub/offline-agent/internal/intercept"
)

// Manifest 是一代 worker 的不可变描述：缓存版本、站点源、离线页与预缓存清单。
type Manifest struct {
	Version        string
	Origin         *url.URL
	OfflinePage    string
	Assets         []string
	ScriptSuffix   string
	NetworkTimeout time.Duration
}

// ManifestFromConfig 从配置构建 Manifest，Origin 路径会被规范化为以 "/" 结尾。
func ManifestFromConfig(cfg *config.Config) (Manifest, error) {
	if cfg == nil {
		return Manifest{}, fmt.Errorf("config required")
	}
	origin, err := cfg.Agent.OriginURL()
	if err != nil {
		return Manifest{}, fmt.Errorf("parse origin: %w", err)
	}
	return Manifest{
		Version:        cfg.Agent.StoreVersion,
		Origin:         origin,
		OfflinePage:    cfg.Agent.OfflinePage,
		Assets:         append([]string(nil), cfg.Agent.PrecacheAssets...),
		ScriptSuffix:   cfg.Agent.ScriptSuffix,
		NetworkTimeout: cfg.Agent.NetworkTimeout.DurationValue(),
	}, nil
}

// Resolve 将相对路径解析到站点源之下。
func (m Manifest) Resolve(p string) *url.URL {
	ref, err := url.Parse(strings.TrimSpace(p))
	if err != nil {
		ref = &url.URL{Path: p}
	}
	if m.Origin == nil {
		return ref
	}
	return m.Origin.ResolveReference(ref)
}

// OfflineKey 返回离线页在缓存中的标识。
func (m Manifest) OfflineKey() cache.Key {
	return cache.NewKey(http.MethodGet, m.Resolve(m.OfflinePage))
}

// AssetRequests 按清单顺序构建预缓存请求。
func (m Manifest) AssetRequests() []*fetch.Request {
	reqs := make([]*fetch.Request, 0, len(m.Assets))
	for _, asset := range m.Assets {
		reqs = append(reqs, fetch.NewRequest(http.MethodGet, m.Resolve(asset), nil))
	}
	return reqs
}

// Rules 返回路由决策所需的输入。
func (m Manifest) Rules() intercept.Rules {
	return intercept.Rules{Origin: m.Origin, ScriptSuffix: m.ScriptSuffix}
}
