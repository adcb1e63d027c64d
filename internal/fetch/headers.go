package fetch

import (
	"net/http"
	"net/textproto"
)

// hopByHopHeaders 定义 RFC 7230 中禁止代理转发的头部。
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Proxy-Connection":    {}, // 非标准字段，但部分代理仍使用
}

// strategyStrippedHeaders 在策略请求中额外剔除：不处理分段响应，快照需要未压缩正文。
var strategyStrippedHeaders = []string{"Range", "If-Range", "Accept-Encoding"}

// CopyHeaders 将 src 中允许透传的头复制到 dst，自动忽略 hop-by-hop 字段。
func CopyHeaders(dst, src http.Header) {
	for key, values := range src {
		if IsHopByHopHeader(key) {
			continue
		}
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}

// IsHopByHopHeader reports whether the header should be stripped by proxies.
func IsHopByHopHeader(key string) bool {
	_, ok := hopByHopHeaders[textproto.CanonicalMIMEHeaderKey(key)]
	return ok
}

// StripStrategyHeaders 删除 Range 等策略请求不支持的头。
func StripStrategyHeaders(h http.Header) {
	for _, key := range strategyStrippedHeaders {
		h.Del(key)
	}
}
