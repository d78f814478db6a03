package infra

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	gormLogger "gorm.io/gorm/logger"
)

// gormZapLogger GORM 日志适配器（输出到 Zap）
// Trace 会截断超长 SQL，凭据密文一类的大参数不应整段进日志。
type gormZapLogger struct {
	log           *zap.Logger
	level         gormLogger.LogLevel
	slowThreshold time.Duration
	skipNotFound  bool
	maxSQLLen     int
}

// newGormLogger 构造 GORM 日志适配器
func newGormLogger(zl *zap.Logger, level gormLogger.LogLevel) gormLogger.Interface {
	return &gormZapLogger{
		log:           zl,
		level:         level,
		slowThreshold: 200 * time.Millisecond,
		skipNotFound:  true,
		maxSQLLen:     1024,
	}
}

// LogMode 设置日志级别
func (l *gormZapLogger) LogMode(level gormLogger.LogLevel) gormLogger.Interface {
	clone := *l
	clone.level = level
	return &clone
}

func (l *gormZapLogger) Info(ctx context.Context, msg string, data ...interface{}) {
	if l.level >= gormLogger.Info {
		l.log.Sugar().Infof(msg, data...)
	}
}

func (l *gormZapLogger) Warn(ctx context.Context, msg string, data ...interface{}) {
	if l.level >= gormLogger.Warn {
		l.log.Sugar().Warnf(msg, data...)
	}
}

func (l *gormZapLogger) Error(ctx context.Context, msg string, data ...interface{}) {
	if l.level >= gormLogger.Error {
		l.log.Sugar().Errorf(msg, data...)
	}
}

// Trace SQL 执行日志
func (l *gormZapLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= gormLogger.Silent {
		return
	}

	elapsed := time.Since(begin)
	sql, rows := fc()

	fields := []zap.Field{
		zap.Duration("elapsed", elapsed),
		zap.String("sql", l.truncate(sql)),
		zap.Int64("rows", rows),
	}

	switch {
	case err != nil && !(l.skipNotFound && errors.Is(err, gormLogger.ErrRecordNotFound)):
		fields = append(fields, zap.Error(err))
		l.log.Error("SQL 执行失败", fields...)
	case l.slowThreshold > 0 && elapsed > l.slowThreshold:
		l.log.Warn("SQL 慢查询", fields...)
	case l.level >= gormLogger.Info:
		l.log.Debug("SQL 执行", fields...)
	}
}

func (l *gormZapLogger) truncate(sql string) string {
	if l.maxSQLLen <= 0 || len(sql) <= l.maxSQLLen {
		return sql
	}
	return sql[:l.maxSQLLen] + "...(truncated)"
}
