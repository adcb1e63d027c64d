package strategy

import "github.com/any-hub/offline-agent/internal/cache"

// IsCacheable 判断响应是否允许写入缓存：2xx 且类型为 basic/default。
func IsCacheable(resp *cache.Response) bool {
	if resp == nil || !resp.OK() {
		return false
	}
	return resp.Type == cache.TypeBasic || resp.Type == cache.TypeDefault
}
