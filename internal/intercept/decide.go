// Package intercept decides, per intercepted request, whether the agent
// handles it with one of its strategies or leaves it to default handling.
package intercept

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/any-hub/offline-agent/internal/fetch"
)

// Action 是路由决策结果。
type Action string

const (
	// ActionIgnore：跨源请求，代理不处理。
	ActionIgnore Action = "ignore"
	// ActionPassthrough：交给默认处理（直接转发到站点源，不读写缓存）。
	ActionPassthrough          Action = "passthrough"
	ActionNetworkFirst         Action = "network_first"
	ActionStaleWhileRevalidate Action = "stale_while_revalidate"
)

// 决策原因，写入日志便于排查。
const (
	ReasonMethod      = "method"
	ReasonCrossOrigin = "cross_origin"
	ReasonNavigation  = "navigation"
	ReasonImage       = "image"
	ReasonScript      = "script"
	ReasonUnmatched   = "unmatched"
)

// DefaultScriptSuffix 是需要 stale-while-revalidate 的脚本路径后缀。
const DefaultScriptSuffix = "/libs/confetti.min.js"

// Rules 是决策所需的静态输入，来自当前激活的 worker 代。
type Rules struct {
	Origin       *url.URL
	ScriptSuffix string
}

// Decision 描述一次决策。
type Decision struct {
	Action Action
	Reason string
}

// Intercepted 表示请求由策略处理。
func (d Decision) Intercepted() bool {
	return d.Action == ActionNetworkFirst || d.Action == ActionStaleWhileRevalidate
}

// Decide 按顺序匹配规则，第一条命中即返回。纯函数，无副作用。
func Decide(req *fetch.Request, rules Rules) Decision {
	if req == nil || req.URL == nil {
		return Decision{Action: ActionPassthrough, Reason: ReasonUnmatched}
	}
	if req.Method != http.MethodGet {
		return Decision{Action: ActionPassthrough, Reason: ReasonMethod}
	}
	if rules.Origin != nil && !fetch.SameOrigin(rules.Origin, req.URL) {
		return Decision{Action: ActionIgnore, Reason: ReasonCrossOrigin}
	}
	if req.Mode == fetch.ModeNavigate || req.Destination == fetch.DestinationDocument {
		return Decision{Action: ActionNetworkFirst, Reason: ReasonNavigation}
	}

	if req.Destination == fetch.DestinationImage || strings.HasSuffix(req.URL.Path, ".gif") {
		return Decision{Action: ActionStaleWhileRevalidate, Reason: ReasonImage}
	}

	suffix := rules.ScriptSuffix
	if suffix == "" {
		suffix = DefaultScriptSuffix
	}
	if strings.HasSuffix(req.URL.Path, suffix) {
		return Decision{Action: ActionStaleWhileRevalidate, Reason: ReasonScript}
	}
	return Decision{Action: ActionPassthrough, Reason: ReasonUnmatched}
}
