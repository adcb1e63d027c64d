package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// sqliteStorage 把全部具名缓存放在同一个数据库里：stores 记录名称，entries 保存快照。
type sqliteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage 打开（或创建）filename 指向的数据库；filename 为空时使用内存库。
func NewSQLiteStorage(filename string) (Storage, error) {
	if filename == "" {
		filename = "file::memory:?cache=shared"
	} else if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	// 单连接串行化所有读写，避免 SQLITE_BUSY。
	db.SetMaxOpenConns(1)

	statements := []string{
		`CREATE TABLE IF NOT EXISTS stores (
			name TEXT PRIMARY KEY,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS entries (
			store TEXT NOT NULL,
			key TEXT NOT NULL,
			response BLOB NOT NULL,
			stored_at INTEGER NOT NULL,
			PRIMARY KEY (store, key)
		)`,
		"PRAGMA journal_mode=WAL",
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("init sqlite schema: %w", err)
		}
	}

	return &sqliteStorage{db: db}, nil
}

func (s *sqliteStorage) Open(ctx context.Context, name string) (Store, error) {
	if strings.TrimSpace(name) == "" {
		return nil, errors.New("store name required")
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO stores (name, created_at) VALUES (?, ?)",
		name, time.Now().Unix())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return &sqliteStore{db: s.db, name: name}, nil
}

func (s *sqliteStorage) Lookup(ctx context.Context, name string) (Store, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(1) FROM stores WHERE name = ?", name).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if exists == 0 {
		return nil, fmt.Errorf("%w: %s", ErrStoreUnavailable, name)
	}
	return &sqliteStore{db: s.db, name: name}, nil
}

func (s *sqliteStorage) Names(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM stores ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *sqliteStorage) Delete(ctx context.Context, name string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM entries WHERE store = ?", name); err != nil {
		return false, err
	}
	res, err := tx.ExecContext(ctx, "DELETE FROM stores WHERE name = ?", name)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *sqliteStorage) Close() error {
	return s.db.Close()
}

type sqliteStore struct {
	db   *sql.DB
	name string
}

func (s *sqliteStore) Name() string {
	return s.name
}

func (s *sqliteStore) Match(ctx context.Context, key Key) (*Response, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT response FROM entries WHERE store = ? AND key = ?",
		s.name, key.String()).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	var resp Response
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, fmt.Errorf("decode cache entry: %w", err)
	}
	return &resp, nil
}

func (s *sqliteStore) Put(ctx context.Context, key Key, resp *Response) error {
	return s.PutAll(ctx, []Entry{{Key: key, Response: resp}})
}

// PutAll 在单个事务里写入整批条目；缓存已被删除时整体失败并回滚。
func (s *sqliteStore) PutAll(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, "SELECT COUNT(1) FROM stores WHERE name = ?", s.name).Scan(&exists)
	if err != nil {
		return err
	}
	if exists == 0 {
		return fmt.Errorf("%w: %s", ErrStoreUnavailable, s.name)
	}

	for _, entry := range entries {
		if entry.Response == nil {
			return fmt.Errorf("nil response for %s", entry.Key)
		}
		payload, err := json.Marshal(entry.Response)
		if err != nil {
			return fmt.Errorf("encode cache entry: %w", err)
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO entries (store, key, response, stored_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (store, key) DO UPDATE SET
				response = excluded.response,
				stored_at = excluded.stored_at`,
			s.name, entry.Key.String(), payload, time.Now().Unix())
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) Remove(ctx context.Context, key Key) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM entries WHERE store = ? AND key = ?",
		s.name, key.String())
	return err
}
