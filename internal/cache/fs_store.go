package cache

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// NewFileStorage 以 basePath 为根目录构建磁盘缓存，每个具名缓存对应一个子目录：
//
//	<basePath>/<escaped name>/<sha1(key)>.json
func NewFileStorage(basePath string) (Storage, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &fileStorage{
		basePath: abs,
		locks:    make(map[string]*entryLock),
	}, nil
}

// fileStorage 通过 entryLock 避免同一条目并发写入，所有具名缓存共享锁表。
type fileStorage struct {
	basePath string

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

// fileRecord 是落盘格式，保留完整 key 以便校验哈希冲突。
type fileRecord struct {
	Key      string    `json:"key"`
	Response *Response `json:"response"`
}

func (s *fileStorage) Open(ctx context.Context, name string) (Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := s.storeDir(name)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return &fileStore{storage: s, name: name, dir: dir}, nil
}

func (s *fileStorage) Lookup(ctx context.Context, name string) (Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := s.storeDir(name)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrStoreUnavailable, name)
		}
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrStoreUnavailable, name)
	}
	return &fileStore{storage: s, name: name, dir: dir}, nil
}

func (s *fileStorage) Names(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	items, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(items))
	for _, item := range items {
		if !item.IsDir() || strings.HasPrefix(item.Name(), ".") {
			continue
		}
		name, err := url.PathUnescape(item.Name())
		if err != nil {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *fileStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	dir, err := s.storeDir(name)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if err := os.RemoveAll(dir); err != nil {
		return false, err
	}
	return true, nil
}

func (s *fileStorage) Close() error {
	return nil
}

func (s *fileStorage) storeDir(name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", errors.New("store name required")
	}
	escaped := url.PathEscape(name)
	if escaped == "." || escaped == ".." || strings.HasPrefix(escaped, ".") {
		return "", fmt.Errorf("invalid store name: %s", name)
	}
	return filepath.Join(s.basePath, escaped), nil
}

func (s *fileStorage) lockEntry(key string) func() {
	s.mu.Lock()
	lock := s.locks[key]
	if lock == nil {
		lock = &entryLock{}
		s.locks[key] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

type fileStore struct {
	storage *fileStorage
	name    string
	dir     string
}

func (s *fileStore) Name() string {
	return s.name
}

func (s *fileStore) Match(ctx context.Context, key Key) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(s.entryPath(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	var record fileRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("decode cache entry: %w", err)
	}
	if record.Key != key.String() || record.Response == nil {
		return nil, ErrNotFound
	}
	return record.Response, nil
}

func (s *fileStore) Put(ctx context.Context, key Key, resp *Response) error {
	return s.PutAll(ctx, []Entry{{Key: key, Response: resp}})
}

// PutAll 先把全部条目写入临时文件，全部成功后再依次 rename；中途 rename 失败时回滚已提交的条目。
func (s *fileStore) PutAll(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}

	lockKeys := make([]string, 0, len(entries))
	seen := make(map[string]struct{}, len(entries))
	for _, entry := range entries {
		if entry.Response == nil {
			return fmt.Errorf("nil response for %s", entry.Key)
		}
		lk := s.lockKey(entry.Key)
		if _, ok := seen[lk]; ok {
			continue
		}
		seen[lk] = struct{}{}
		lockKeys = append(lockKeys, lk)
	}
	// 固定加锁顺序，避免两个批次交叉死锁。
	sort.Strings(lockKeys)
	for _, lk := range lockKeys {
		unlock := s.storage.lockEntry(lk)
		defer unlock()
	}

	pending := make([]stagedEntry, 0, len(entries))
	cleanup := func() {
		for _, item := range pending {
			os.Remove(item.temp)
		}
	}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			cleanup()
			return err
		}
		temp, err := s.writeTemp(entry)
		if err != nil {
			cleanup()
			return err
		}
		item := stagedEntry{temp: temp, target: s.entryPath(entry.Key)}
		if previous, err := os.ReadFile(item.target); err == nil {
			item.previous = previous
			item.existed = true
		}
		pending = append(pending, item)
	}

	for i, item := range pending {
		if err := os.Rename(item.temp, item.target); err != nil {
			for _, rest := range pending[i:] {
				os.Remove(rest.temp)
			}
			s.rollback(pending[:i])
			return err
		}
	}
	return nil
}

// stagedEntry 记录一条待提交的写入，以及目标文件被覆盖前的内容。
type stagedEntry struct {
	temp     string
	target   string
	previous []byte
	existed  bool
}

// rollback 撤销已经 rename 的条目：恢复旧内容或删除新文件。
func (s *fileStore) rollback(committed []stagedEntry) {
	for _, item := range committed {
		if !item.existed {
			os.Remove(item.target)
			continue
		}
		if err := s.restore(item); err != nil {
			os.Remove(item.target)
		}
	}
}

func (s *fileStore) restore(item stagedEntry) error {
	tempFile, err := os.CreateTemp(s.dir, ".cache-*")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()
	_, err = tempFile.Write(item.previous)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Rename(tempName, item.target)
	}
	if err != nil {
		os.Remove(tempName)
	}
	return err
}

func (s *fileStore) Remove(ctx context.Context, key Key) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	unlock := s.storage.lockEntry(s.lockKey(key))
	defer unlock()

	if err := os.Remove(s.entryPath(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// writeTemp 不会重新创建目录：缓存被 Delete 之后的迟到写入直接失败，避免旧版本“复活”。
func (s *fileStore) writeTemp(entry Entry) (string, error) {
	payload, err := json.Marshal(fileRecord{Key: entry.Key.String(), Response: entry.Response})
	if err != nil {
		return "", fmt.Errorf("encode cache entry: %w", err)
	}

	tempFile, err := os.CreateTemp(s.dir, ".cache-*")
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrStoreUnavailable, s.name)
		}
		return "", err
	}
	tempName := tempFile.Name()

	_, err = tempFile.Write(payload)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return "", err
	}
	return tempName, nil
}

func (s *fileStore) entryPath(key Key) string {
	sum := sha1.Sum([]byte(key.String()))
	return filepath.Join(s.dir, hex.EncodeToString(sum[:])+".json")
}

func (s *fileStore) lockKey(key Key) string {
	return s.name + "::" + key.String()
}
