package cache

import (
	"net/http"
	"time"
)

// ResponseType 描述响应相对于站点源的可见性分类。
type ResponseType string

const (
	TypeBasic   ResponseType = "basic"
	TypeDefault ResponseType = "default"
	TypeCORS    ResponseType = "cors"
	TypeOpaque  ResponseType = "opaque"
	TypeError   ResponseType = "error"
)

// Response 是一次响应的完整快照：状态码、头部与正文都保存在内存/磁盘中。
type Response struct {
	Status   int          `json:"status"`
	Header   http.Header  `json:"header"`
	Body     []byte       `json:"body"`
	Type     ResponseType `json:"type"`
	URL      string       `json:"url"`
	StoredAt time.Time    `json:"stored_at"`
}

// OK 与 fetch 语义一致：状态码位于 200-299。
func (r *Response) OK() bool {
	return r != nil && r.Status >= 200 && r.Status <= 299
}

// Clone 返回深拷贝，写入缓存的副本与返回给客户端的响应互不影响。
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	cloned := *r
	cloned.Header = r.Header.Clone()
	if r.Body != nil {
		cloned.Body = append([]byte(nil), r.Body...)
	}
	return &cloned
}
