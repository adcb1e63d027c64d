package fetch

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/any-hub/offline-agent/internal/cache"
)

// Mode 与 Destination 取自浏览器的 Sec-Fetch-Mode / Sec-Fetch-Dest 头。
const (
	ModeNavigate        = "navigate"
	DestinationDocument = "document"
	DestinationImage    = "image"
	DestinationScript   = "script"
)

// Request 描述一次被拦截的请求。URL 必须是绝对地址。
type Request struct {
	Method      string
	URL         *url.URL
	Mode        string
	Destination string
	Header      http.Header
}

// NewRequest 基于方法、URL 与请求头构建 Request，并从头部推导 Mode/Destination。
func NewRequest(method string, u *url.URL, header http.Header) *Request {
	if header == nil {
		header = http.Header{}
	}
	if method == "" {
		method = http.MethodGet
	}
	return &Request{
		Method:      strings.ToUpper(method),
		URL:         u,
		Mode:        strings.ToLower(strings.TrimSpace(header.Get("Sec-Fetch-Mode"))),
		Destination: strings.ToLower(strings.TrimSpace(header.Get("Sec-Fetch-Dest"))),
		Header:      header,
	}
}

// Key 返回该请求在缓存中的标识。
func (r *Request) Key() cache.Key {
	return cache.NewKey(r.Method, r.URL)
}

// Clone 复制请求，URL 与 Header 互不共享。
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	cloned := *r
	if r.URL != nil {
		u := *r.URL
		cloned.URL = &u
	}
	cloned.Header = r.Header.Clone()
	return &cloned
}

// SameOrigin 比较 scheme 与 host（含端口）。
func SameOrigin(a, b *url.URL) bool {
	if a == nil || b == nil {
		return false
	}
	return strings.EqualFold(a.Scheme, b.Scheme) && strings.EqualFold(canonicalHost(a), canonicalHost(b))
}

func canonicalHost(u *url.URL) string {
	host := u.Hostname()
	port := u.Port()
	if port == "" {
		switch strings.ToLower(u.Scheme) {
		case "http":
			port = "80"
		case "https":
			port = "443"
		}
	}
	return host + ":" + port
}
