package lifecycle

import (
	"sync"
	"time"
)

// Clients 记录浏览器会话（由 cookie 标识）及其当前受控的缓存版本。
// 空闲超过 idle 的会话不再阻止新版本激活。
type Clients struct {
	mu       sync.Mutex
	sessions map[string]*clientSession
	idle     time.Duration
	now      func() time.Time
}

type clientSession struct {
	lastSeen   time.Time
	controller string
}

// ClientStats 是诊断接口输出的会话统计。
type ClientStats struct {
	Total        int            `json:"total"`
	ByController map[string]int `json:"by_controller"`
}

func NewClients(idle time.Duration) *Clients {
	if idle <= 0 {
		idle = 5 * time.Minute
	}
	return &Clients{
		sessions: make(map[string]*clientSession),
		idle:     idle,
		now:      time.Now,
	}
}

// Touch 刷新会话的最近访问时间。新会话由 active 版本控制（为空表示未受控），
// 已有会话保持原来的控制者，直到被 Claim。返回会话当前的控制版本。
func (c *Clients) Touch(id, active string) string {
	if id == "" {
		return active
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	sess, ok := c.sessions[id]
	if !ok {
		sess = &clientSession{controller: active}
		c.sessions[id] = sess
	}
	sess.lastSeen = c.now()
	return sess.controller
}

// Claim 让所有存活会话改由 version 控制，返回被接管的会话数。
func (c *Clients) Claim(version string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked()
	for _, sess := range c.sessions {
		sess.controller = version
	}
	return len(c.sessions)
}

// Controlled 返回由 version 控制的存活会话数。
func (c *Clients) Controlled(version string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked()
	count := 0
	for _, sess := range c.sessions {
		if sess.controller == version {
			count++
		}
	}
	return count
}

// Prune 清理空闲会话，返回清理数量。
func (c *Clients) Prune() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pruneLocked()
}

func (c *Clients) pruneLocked() int {
	cutoff := c.now().Add(-c.idle)
	removed := 0
	for id, sess := range c.sessions {
		if sess.lastSeen.Before(cutoff) {
			delete(c.sessions, id)
			removed++
		}
	}
	return removed
}

// Snapshot 返回当前会话统计。
func (c *Clients) Snapshot() ClientStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked()
	stats := ClientStats{Total: len(c.sessions), ByController: make(map[string]int)}
	for _, sess := range c.sessions {
		key := sess.controller
		if key == "" {
			key = "uncontrolled"
		}
		stats.ByController[key]++
	}
	return stats
}
