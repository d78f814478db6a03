package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"gateway/internal/infra"
	"gateway/internal/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Logger 将管理操作写入 audit_logs 表。
//
// 采用裸 SQL 而非 ORM：审计写入留在管理操作的事务语境之外，
// 失败不阻断业务流程，但会以 Warn 日志上报。
type Logger struct {
	db infra.DB
}

// NewLogger 创建审计日志记录器。
func NewLogger(db infra.DB) *Logger {
	return &Logger{db: db}
}

// EnsureSchema 建表与索引
// 开发与测试环境使用；生产环境建议交由迁移工具管理。
func (l *Logger) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS audit_logs (
			id TEXT PRIMARY KEY,
			actor_id TEXT NOT NULL,
			action TEXT NOT NULL,
			resource TEXT NOT NULL,
			details TEXT,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_logs_created_at ON audit_logs(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_logs_action ON audit_logs(action)`,
	}
	for _, stmt := range stmts {
		if _, err := l.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Record 落一条管理操作审计
// 写入失败不向上抛错，避免业务流程因审计失败而中断。
func (l *Logger) Record(ctx context.Context, actorID string, event EventType, resource string, details any) {
	if ctx == nil || actorID == "" {
		return
	}

	var detailsJSON []byte
	if details != nil {
		if b, err := json.Marshal(details); err == nil {
			detailsJSON = b
		}
	}

	const q = `
		INSERT INTO audit_logs (id, actor_id, action, resource, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := l.db.ExecContext(ctx, q,
		uuid.New().String(),
		actorID,
		string(event),
		resource,
		jsonOrNull(detailsJSON),
		time.Now().UTC(),
	)
	if err != nil {
		logger.WithContext(ctx).Warn("审计写入失败",
			zap.String("action", string(event)),
			zap.String("resource", resource),
			zap.Error(err))
	}
}

// Entry 审计条目
type Entry struct {
	ID        string    `json:"id"`
	ActorID   string    `json:"actorId"`
	Action    string    `json:"action"`
	Resource  string    `json:"resource"`
	Details   any       `json:"details,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Filter 审计日志查询条件
type Filter struct {
	ActorID  string
	Action   string
	Resource string
	From     *time.Time
	To       *time.Time
	Limit    int
	Offset   int
}

// Query 按筛选条件查询审计日志，按时间倒序。
func (l *Logger) Query(ctx context.Context, f Filter) ([]Entry, error) {
	where := "WHERE 1=1"
	args := []any{}
	idx := 1

	if f.ActorID != "" {
		where += " AND actor_id = $" + itoa(idx)
		args = append(args, f.ActorID)
		idx++
	}
	if f.Action != "" {
		where += " AND action = $" + itoa(idx)
		args = append(args, f.Action)
		idx++
	}
	if f.Resource != "" {
		where += " AND resource = $" + itoa(idx)
		args = append(args, f.Resource)
		idx++
	}
	if f.From != nil {
		where += " AND created_at >= $" + itoa(idx)
		args = append(args, *f.From)
		idx++
	}
	if f.To != nil {
		where += " AND created_at <= $" + itoa(idx)
		args = append(args, *f.To)
		idx++
	}

	limit := f.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	query := "SELECT id, actor_id, action, resource, details, created_at FROM audit_logs " +
		where + " ORDER BY created_at DESC LIMIT $" + itoa(idx) + " OFFSET $" + itoa(idx+1)
	args = append(args, limit, offset)

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			id       string
			actorID  string
			action   string
			resource string
			details  sql.NullString
			created  time.Time
		)
		if err := rows.Scan(&id, &actorID, &action, &resource, &details, &created); err != nil {
			return nil, err
		}

		var detailsAny any
		if details.Valid && details.String != "" {
			_ = json.Unmarshal([]byte(details.String), &detailsAny)
		}

		entries = append(entries, Entry{
			ID:        id,
			ActorID:   actorID,
			Action:    action,
			Resource:  resource,
			Details:   detailsAny,
			CreatedAt: created,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return entries, nil
}

// jsonOrNull 空内容以 NULL 落库，否则以 TEXT 存 JSON。
func jsonOrNull(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

// itoa 最小化整数转字符串，避免为占位符拼接引入 fmt。
func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	neg := false
	if i < 0 {
		neg = true
		i = -i
	}
	buf := [20]byte{}
	pos := len(buf)
	for i > 0 {
		pos--
		buf[pos] = byte('0' + i%10)
		i /= 10
	}
	if neg {
		pos--
		buf[pos] = '-'
	}
	return string(buf[pos:])
}
