package cache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
)

// Storage 管理全部具名缓存（每个版本一个），对应 Open/Names/Delete 三个原语。
type Storage interface {
	// Open 返回指定名称的缓存句柄，不存在时自动创建。
	Open(ctx context.Context, name string) (Store, error)

	// Lookup 返回已存在缓存的句柄，缓存不存在时返回 ErrStoreUnavailable，从不创建。
	Lookup(ctx context.Context, name string) (Store, error)

	// Names 列出当前存在的所有缓存名称，按字典序排列。
	Names(ctx context.Context) ([]string, error)

	// Delete 删除整个具名缓存，返回删除前是否存在。
	Delete(ctx context.Context, name string) (bool, error)

	// Close 释放底层资源（数据库连接等）。
	Close() error
}

// Store 是单个具名缓存的句柄。所有写入都以整条 Entry 为单位覆盖。
type Store interface {
	Name() string

	// Match 返回与 key 完全匹配的响应快照；不存在时返回 ErrNotFound。
	Match(ctx context.Context, key Key) (*Response, error)

	// Put 覆盖写入单条响应。
	Put(ctx context.Context, key Key, resp *Response) error

	// PutAll 以批次方式写入：要么全部可见，要么全部不可见。
	PutAll(ctx context.Context, entries []Entry) error

	// Remove 删除单条响应，不存在时不报错。
	Remove(ctx context.Context, key Key) error
}

// Key 唯一标识一个请求（Method + 去掉 fragment 的绝对 URL）。
type Key struct {
	Method string
	URL    string
}

// NewKey 基于方法与 URL 构建 Key，方法为空时视为 GET。
func NewKey(method string, u *url.URL) Key {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = http.MethodGet
	}
	if u == nil {
		return Key{Method: method}
	}
	clean := *u
	clean.Fragment = ""
	clean.RawFragment = ""
	return Key{Method: method, URL: clean.String()}
}

func (k Key) String() string {
	return k.Method + " " + k.URL
}

// Entry 是批量写入时的一条记录。
type Entry struct {
	Key      Key
	Response *Response
}

var (
	// ErrNotFound 表示缓存条目不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrStoreUnavailable 表示具名缓存不可用（未创建、已被删除或后端打开失败）。
	ErrStoreUnavailable = errors.New("cache store unavailable")
)

// Backend 名称，对应配置项 StoreBackend。
const (
	BackendFS     = "fs"
	BackendSQLite = "sqlite"
)

// sqliteFileName 是 sqlite 后端在 StoragePath 下使用的数据库文件名。
const sqliteFileName = "offline-agent.db"

// NewStorage 根据后端类型构建 Storage，整进程复用一份实例。
func NewStorage(backend, basePath string) (Storage, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", BackendFS:
		return NewFileStorage(basePath)
	case BackendSQLite:
		if basePath == "" {
			return nil, errors.New("storage path required")
		}
		return NewSQLiteStorage(filepath.Join(basePath, sqliteFileName))
	default:
		return nil, fmt.Errorf("unsupported store backend: %s", backend)
	}
}
