// Package jobcache master 端的任务缓存，salt-api 每次 local 调用后写入，供 /jobs 查询。
package jobcache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"saltapi/pkg/model"
)

// ErrNotFound jid 不在缓存里
var ErrNotFound = errors.New("job not found in cache")

// Job 一条缓存的任务
type Job struct {
	JID       string         `json:"jid"`
	Function  model.FunSpec  `json:"Function"`
	Arguments []any          `json:"Arguments"`
	Target    string         `json:"Target"`
	TgtType   model.TgtType  `json:"Target-type"`
	User      string         `json:"User"`
	Minions   []string       `json:"Minions"`
	StartTime time.Time      `json:"StartTime"`
	Result    map[string]any `json:"Result,omitempty"`
}

type Cache struct {
	db *sql.DB
}

// Open 打开 (不存在则创建) sqlite 文件并建表
func Open(ctx context.Context, path string) (*Cache, error) {
	if path == "" {
		return nil, fmt.Errorf("job cache path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create job cache directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(pctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	if err := bootstrap(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Cache{db: db}, nil
}

func bootstrap(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS jids (
  jid        TEXT PRIMARY KEY,
  fun        JSON NOT NULL,
  arg        JSON NOT NULL,
  tgt        TEXT NOT NULL,
  tgt_type   TEXT NOT NULL,
  username   TEXT NOT NULL DEFAULT '',
  minions    JSON NOT NULL,
  created_at TEXT NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS returns (
  id         TEXT PRIMARY KEY,
  jid        TEXT NOT NULL,
  minion     TEXT NOT NULL,
  ret        JSON,
  created_at TEXT NOT NULL,
  UNIQUE (jid, minion)
);`,
		`CREATE INDEX IF NOT EXISTS jids_created_at_idx ON jids(created_at);`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap job cache: %w", err)
		}
	}
	return nil
}

func (c *Cache) Close() error {
	return c.db.Close()
}

// SaveJob 记录一次发布，重复的 jid 忽略
func (c *Cache) SaveJob(ctx context.Context, job *model.Job, user string) error {
	fun, err := json.Marshal(job.Fun)
	if err != nil {
		return err
	}
	arg, err := marshalList(job.Arg)
	if err != nil {
		return err
	}
	minions, err := json.Marshal(nonNil(job.Minions))
	if err != nil {
		return err
	}
	created := job.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}

	_, err = c.db.ExecContext(ctx, `INSERT INTO jids (jid, fun, arg, tgt, tgt_type, username, minions, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(jid) DO NOTHING;`,
		job.JID, string(fun), string(arg), job.Tgt, string(job.TgtType), user, string(minions),
		created.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("save job %s: %w", job.JID, err)
	}
	return nil
}

// SaveResult 记录每个 minion 的返回，同一个 minion 以最后一次为准
func (c *Cache) SaveResult(ctx context.Context, jid string, returns map[string]any) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for minion, ret := range returns {
		data, err := json.Marshal(ret)
		if err != nil {
			return fmt.Errorf("encode return of %s: %w", minion, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO returns (id, jid, minion, ret, created_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(jid, minion) DO UPDATE SET ret = excluded.ret, created_at = excluded.created_at;`,
			uuid.NewString(), jid, minion, string(data), now); err != nil {
			return fmt.Errorf("save return %s/%s: %w", jid, minion, err)
		}
	}
	return tx.Commit()
}

// ListJobs 最近的任务，新的在前；limit <= 0 不限制
func (c *Cache) ListJobs(ctx context.Context, limit int) ([]*Job, error) {
	query := `SELECT jid, fun, arg, tgt, tgt_type, username, minions, created_at FROM jids ORDER BY created_at DESC, jid DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// GetJob 任务详情加上所有返回
func (c *Cache) GetJob(ctx context.Context, jid string) (*Job, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT jid, fun, arg, tgt, tgt_type, username, minions, created_at FROM jids WHERE jid = ?`, jid)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, jid)
	}
	if err != nil {
		return nil, err
	}

	rows, err := c.db.QueryContext(ctx, `SELECT minion, ret FROM returns WHERE jid = ?`, jid)
	if err != nil {
		return nil, fmt.Errorf("load returns of %s: %w", jid, err)
	}
	defer rows.Close()

	job.Result = make(map[string]any)
	for rows.Next() {
		var minion string
		var data sql.NullString
		if err := rows.Scan(&minion, &data); err != nil {
			return nil, err
		}
		var ret any
		if data.Valid {
			if err := json.Unmarshal([]byte(data.String), &ret); err != nil {
				return nil, fmt.Errorf("decode return of %s: %w", minion, err)
			}
		}
		job.Result[minion] = ret
	}
	return job, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(s scanner) (*Job, error) {
	var (
		job                       Job
		fun, arg, minions, tgtTyp string
		created                   string
	)
	if err := s.Scan(&job.JID, &fun, &arg, &job.Target, &tgtTyp, &job.User, &minions, &created); err != nil {
		return nil, err
	}
	job.TgtType = model.TgtType(tgtTyp)
	if err := json.Unmarshal([]byte(fun), &job.Function); err != nil {
		return nil, fmt.Errorf("decode fun of %s: %w", job.JID, err)
	}
	if err := json.Unmarshal([]byte(arg), &job.Arguments); err != nil {
		return nil, fmt.Errorf("decode arg of %s: %w", job.JID, err)
	}
	if err := json.Unmarshal([]byte(minions), &job.Minions); err != nil {
		return nil, fmt.Errorf("decode minions of %s: %w", job.JID, err)
	}
	t, err := time.Parse(time.RFC3339Nano, created)
	if err != nil {
		return nil, fmt.Errorf("parse created_at of %s: %w", job.JID, err)
	}
	job.StartTime = t
	return &job, nil
}

func marshalList(v []any) ([]byte, error) {
	if v == nil {
		v = []any{}
	}
	return json.Marshal(v)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	out := append([]string(nil), s...)
	sort.Strings(out)
	return out
}
