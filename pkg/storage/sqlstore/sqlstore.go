// Package sqlstore 实现基于关系数据库的总线存储，支持 SQLite (modernc.org/sqlite，无需CGO)
// 和 PostgreSQL (pgx stdlib) 两种方言。
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/hewenyu/prestalab-esb/pkg/model"
	"github.com/hewenyu/prestalab-esb/pkg/storage"
)

// Dialect SQL方言
type Dialect string

const (
	// DialectSQLite SQLite 方言，占位符为 ?
	DialectSQLite Dialect = "sqlite"
	// DialectPostgres PostgreSQL 方言，占位符为 $n
	DialectPostgres Dialect = "postgres"
)

const timeLayout = time.RFC3339Nano

// Store 基于 database/sql 的存储实现
type Store struct {
	db      *sql.DB
	dialect Dialect
}

var _ storage.Store = (*Store)(nil)

// OpenSQLite 打开 SQLite 数据库文件，":memory:" 表示内存数据库
func OpenSQLite(path string) (*Store, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, fmt.Errorf("打开sqlite失败: %w", err)
	}
	// SQLite 只允许单写者，单连接可以避免 SQLITE_BUSY，同时让 :memory: 数据库在连接间共享
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout=3000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("设置sqlite busy_timeout失败: %w", err)
	}
	return &Store{db: db, dialect: DialectSQLite}, nil
}

// OpenPostgres 使用 pgx 驱动打开 PostgreSQL 连接，不会立即建立连接
func OpenPostgres(dsn string) (*Store, error) {
	d := strings.TrimSpace(dsn)
	if d == "" {
		return nil, errors.New("empty postgres DSN")
	}
	db, err := sql.Open("pgx", d)
	if err != nil {
		return nil, fmt.Errorf("打开postgres失败: %w", err)
	}
	return &Store{db: db, dialect: DialectPostgres}, nil
}

// Dialect 返回当前方言
func (s *Store) Dialect() Dialect {
	return s.dialect
}

// EnsureSchema 创建 services、message_log、counters 三张表
func (s *Store) EnsureSchema(ctx context.Context) error {
	logID := "id INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.dialect == DialectPostgres {
		logID = "id BIGSERIAL PRIMARY KEY"
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS services(
			service_name TEXT PRIMARY KEY,
			service_url TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			version TEXT NOT NULL DEFAULT '',
			endpoints TEXT NOT NULL DEFAULT '[]',
			status TEXT NOT NULL,
			last_heartbeat TEXT NULL,
			registered_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS message_log(
			` + logID + `,
			occurred_at TEXT NOT NULL,
			service TEXT NOT NULL,
			method TEXT NOT NULL,
			endpoint TEXT NOT NULL,
			outcome TEXT NOT NULL,
			status_code INTEGER NULL,
			error TEXT NULL,
			latency_ms DOUBLE PRECISION NOT NULL DEFAULT 0,
			trace_id TEXT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS counters(
			name TEXT PRIMARY KEY,
			value BIGINT NOT NULL
		);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("初始化表结构失败: %w", err)
		}
	}
	return nil
}

// UpsertService 插入或覆盖服务记录
func (s *Store) UpsertService(ctx context.Context, rec model.ServiceRecord) error {
	if err := storage.ValidateRecord(rec); err != nil {
		return err
	}
	endpoints := rec.Endpoints
	if endpoints == nil {
		endpoints = []string{}
	}
	endpointsJSON, err := json.Marshal(endpoints)
	if err != nil {
		return storage.NewInternalError(fmt.Sprintf("序列化endpoints失败: %v", err))
	}

	_, err = s.exec(ctx, `
		INSERT INTO services(service_name, service_url, description, version, endpoints, status, last_heartbeat, registered_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(service_name) DO UPDATE SET
			service_url=excluded.service_url,
			description=excluded.description,
			version=excluded.version,
			endpoints=excluded.endpoints,
			status=excluded.status,
			last_heartbeat=excluded.last_heartbeat,
			registered_at=excluded.registered_at;`,
		rec.Name, rec.Address, rec.Description, rec.Version, string(endpointsJSON),
		string(rec.Status), nullTime(rec.LastHeartbeat), formatTime(rec.RegisteredAt))
	if err != nil {
		return storage.NewInternalError(fmt.Sprintf("写入服务失败: %v", err))
	}
	return nil
}

// DeleteService 删除服务记录
func (s *Store) DeleteService(ctx context.Context, name string) (bool, error) {
	if name == "" {
		return false, storage.NewInvalidArgumentError("服务名称不能为空")
	}
	res, err := s.exec(ctx, `DELETE FROM services WHERE service_name=?;`, name)
	if err != nil {
		return false, storage.NewInternalError(fmt.Sprintf("删除服务失败: %v", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storage.NewInternalError(fmt.Sprintf("读取影响行数失败: %v", err))
	}
	return n > 0, nil
}

// UpdateHeartbeat 更新心跳时间并将状态置为 ACTIVE
func (s *Store) UpdateHeartbeat(ctx context.Context, name string, at time.Time) error {
	res, err := s.exec(ctx, `UPDATE services SET last_heartbeat=?, status=? WHERE service_name=?;`,
		formatTime(at), string(model.StatusActive), name)
	return s.expectOne(res, err, name)
}

// UpdateStatus 更新服务状态
func (s *Store) UpdateStatus(ctx context.Context, name string, status model.ServiceStatus) error {
	if !status.Valid() {
		return storage.NewInvalidArgumentError("无效的服务状态: " + string(status))
	}
	res, err := s.exec(ctx, `UPDATE services SET status=? WHERE service_name=?;`, string(status), name)
	return s.expectOne(res, err, name)
}

// ListServices 返回所有服务记录，按名称排序
func (s *Store) ListServices(ctx context.Context) ([]model.ServiceRecord, error) {
	rows, err := s.query(ctx, `
		SELECT service_name, service_url, description, version, endpoints, status, last_heartbeat, registered_at
		FROM services
		ORDER BY service_name;`)
	if err != nil {
		return nil, storage.NewInternalError(fmt.Sprintf("查询服务失败: %v", err))
	}
	defer func() { _ = rows.Close() }()

	var out []model.ServiceRecord
	for rows.Next() {
		var (
			rec           model.ServiceRecord
			endpointsJSON string
			status        string
			heartbeat     sql.NullString
			registeredAt  string
		)
		if err := rows.Scan(&rec.Name, &rec.Address, &rec.Description, &rec.Version,
			&endpointsJSON, &status, &heartbeat, &registeredAt); err != nil {
			return nil, storage.NewInternalError(fmt.Sprintf("读取服务失败: %v", err))
		}
		if err := json.Unmarshal([]byte(endpointsJSON), &rec.Endpoints); err != nil || rec.Endpoints == nil {
			rec.Endpoints = []string{}
		}
		rec.Status = model.ParseServiceStatus(status)
		if heartbeat.Valid {
			if t, err := parseTime(heartbeat.String); err == nil {
				rec.LastHeartbeat = &t
			}
		}
		rec.RegisteredAt, _ = parseTime(registeredAt)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.NewInternalError(fmt.Sprintf("遍历服务失败: %v", err))
	}
	return out, nil
}

// AppendLog 在同一事务中插入日志并删除超出 capacity 的旧记录
func (s *Store) AppendLog(ctx context.Context, entry model.MessageLogEntry, capacity int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storage.NewInternalError(fmt.Sprintf("开启事务失败: %v", err))
	}
	defer func() { _ = tx.Rollback() }()

	var statusCode sql.NullInt64
	if entry.StatusCode != nil {
		statusCode = sql.NullInt64{Int64: int64(*entry.StatusCode), Valid: true}
	}
	if _, err := tx.ExecContext(ctx, s.rebind(`
		INSERT INTO message_log(occurred_at, service, method, endpoint, outcome, status_code, error, latency_ms, trace_id)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?);`),
		formatTime(entry.Timestamp), entry.Service, entry.Method, entry.Endpoint, string(entry.Outcome),
		statusCode, nullString(entry.Error), entry.LatencyMs, nullString(entry.TraceID)); err != nil {
		return storage.NewInternalError(fmt.Sprintf("写入日志失败: %v", err))
	}

	if capacity > 0 {
		if _, err := tx.ExecContext(ctx, s.rebind(`
			DELETE FROM message_log
			WHERE id NOT IN (SELECT id FROM message_log ORDER BY id DESC LIMIT ?);`), capacity); err != nil {
			return storage.NewInternalError(fmt.Sprintf("裁剪日志失败: %v", err))
		}
	}

	if err := tx.Commit(); err != nil {
		return storage.NewInternalError(fmt.Sprintf("提交事务失败: %v", err))
	}
	return nil
}

// RecentLogs 返回最近 limit 条日志，最新的在前；limit<=0 返回全部
func (s *Store) RecentLogs(ctx context.Context, limit int) ([]model.MessageLogEntry, error) {
	q := `
		SELECT id, occurred_at, service, method, endpoint, outcome, status_code, error, latency_ms, trace_id
		FROM message_log
		ORDER BY id DESC`
	var args []any
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.query(ctx, q+";", args...)
	if err != nil {
		return nil, storage.NewInternalError(fmt.Sprintf("查询日志失败: %v", err))
	}
	defer func() { _ = rows.Close() }()

	var out []model.MessageLogEntry
	for rows.Next() {
		var (
			e          model.MessageLogEntry
			occurredAt string
			outcome    string
			statusCode sql.NullInt64
			errText    sql.NullString
			traceID    sql.NullString
		)
		if err := rows.Scan(&e.ID, &occurredAt, &e.Service, &e.Method, &e.Endpoint, &outcome,
			&statusCode, &errText, &e.LatencyMs, &traceID); err != nil {
			return nil, storage.NewInternalError(fmt.Sprintf("读取日志失败: %v", err))
		}
		e.Timestamp, _ = parseTime(occurredAt)
		e.Outcome = model.Outcome(outcome)
		if statusCode.Valid {
			code := int(statusCode.Int64)
			e.StatusCode = &code
		}
		e.Error = errText.String
		e.TraceID = traceID.String
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.NewInternalError(fmt.Sprintf("遍历日志失败: %v", err))
	}
	return out, nil
}

// IncrementCounter 使用 upsert 原子地累加计数器
func (s *Store) IncrementCounter(ctx context.Context, key string, delta int64) error {
	if key == "" {
		return storage.NewInvalidArgumentError("计数器名称不能为空")
	}
	_, err := s.exec(ctx, `
		INSERT INTO counters(name, value) VALUES(?, ?)
		ON CONFLICT(name) DO UPDATE SET value=counters.value + excluded.value;`, key, delta)
	if err != nil {
		return storage.NewInternalError(fmt.Sprintf("更新计数器失败: %v", err))
	}
	return nil
}

// Counters 返回全部计数器
func (s *Store) Counters(ctx context.Context) (map[string]int64, error) {
	rows, err := s.query(ctx, `SELECT name, value FROM counters;`)
	if err != nil {
		return nil, storage.NewInternalError(fmt.Sprintf("查询计数器失败: %v", err))
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]int64)
	for rows.Next() {
		var (
			name  string
			value int64
		)
		if err := rows.Scan(&name, &value); err != nil {
			return nil, storage.NewInternalError(fmt.Sprintf("读取计数器失败: %v", err))
		}
		out[name] = value
	}
	return out, rows.Err()
}

// Close 关闭数据库连接
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(q), args...)
}

func (s *Store) query(ctx context.Context, q string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(q), args...)
}

func (s *Store) expectOne(res sql.Result, err error, name string) error {
	if err != nil {
		return storage.NewInternalError(fmt.Sprintf("更新服务失败: %v", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storage.NewInternalError(fmt.Sprintf("读取影响行数失败: %v", err))
	}
	if n == 0 {
		return storage.NewNotFoundError("服务不存在: " + name)
	}
	return nil
}

// rebind 将 ? 占位符转换为当前方言的形式
func (s *Store) rebind(q string) string {
	if s.dialect != DialectPostgres {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
