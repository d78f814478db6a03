package infra

import (
	"context"
	"database/sql"
)

// DB 原生 SQL 执行接口
// *sql.DB 与 *sql.Tx 均满足，依赖方只暴露最小查询面。
type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}
