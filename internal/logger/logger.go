package logger

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	global *zap.Logger
	// helper 供包级便捷方法使用，跳过一层调用栈让 caller 指向业务代码
	helper *zap.Logger
)

type contextKey string

const traceIDKey contextKey = "trace_id"

// Init 初始化日志系统
// format 支持 json(生产)与 console(开发)，outputPath 支持 stdout/stderr/文件路径。
func Init(level, format, outputPath string) error {
	zapLevel, err := zapcore.ParseLevel(level)
	if err != nil {
		zapLevel = zapcore.InfoLevel
	}

	writer, toTerminal, err := openSink(outputPath)
	if err != nil {
		return err
	}

	core := zapcore.NewCore(buildEncoder(format, toTerminal), writer, zapLevel)
	global = zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	helper = global.WithOptions(zap.AddCallerSkip(1))
	return nil
}

func buildEncoder(format string, toTerminal bool) zapcore.Encoder {
	if format == "json" {
		cfg := zap.NewProductionEncoderConfig()
		cfg.EncodeTime = zapcore.ISO8601TimeEncoder
		return zapcore.NewJSONEncoder(cfg)
	}

	cfg := zap.NewDevelopmentEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	if toTerminal {
		cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		// 写文件时不带 ANSI 颜色
		cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	}
	return zapcore.NewConsoleEncoder(cfg)
}

func openSink(outputPath string) (zapcore.WriteSyncer, bool, error) {
	switch outputPath {
	case "", "stdout":
		return zapcore.AddSync(os.Stdout), true, nil
	case "stderr":
		return zapcore.AddSync(os.Stderr), true, nil
	default:
		file, err := os.OpenFile(outputPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, false, fmt.Errorf("打开日志文件失败: %w", err)
		}
		return zapcore.AddSync(file), false, nil
	}
}

// Get 获取全局 Logger
func Get() *zap.Logger {
	if global == nil {
		panic("日志系统未初始化，请先调用 Init()")
	}
	return global
}

// WithTraceID 创建带 TraceID 的上下文
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// GetTraceID 从上下文获取 TraceID
func GetTraceID(ctx context.Context) string {
	if traceID, ok := ctx.Value(traceIDKey).(string); ok {
		return traceID
	}
	return ""
}

// WithContext 创建带上下文信息的 Logger
func WithContext(ctx context.Context) *zap.Logger {
	l := Get()
	if traceID := GetTraceID(ctx); traceID != "" {
		l = l.With(zap.String("trace_id", traceID))
	}
	return l
}

// Debug 便捷方法
func Debug(msg string, fields ...zap.Field) {
	helperLogger().Debug(msg, fields...)
}

// Info 便捷方法
func Info(msg string, fields ...zap.Field) {
	helperLogger().Info(msg, fields...)
}

// Warn 便捷方法
func Warn(msg string, fields ...zap.Field) {
	helperLogger().Warn(msg, fields...)
}

// Error 便捷方法
func Error(msg string, fields ...zap.Field) {
	helperLogger().Error(msg, fields...)
}

// Fatal 便捷方法
func Fatal(msg string, fields ...zap.Field) {
	helperLogger().Fatal(msg, fields...)
}

func helperLogger() *zap.Logger {
	if helper == nil {
		panic("日志系统未初始化，请先调用 Init()")
	}
	return helper
}

// Sync 刷新日志缓冲区
func Sync() error {
	if global != nil {
		return global.Sync()
	}
	return nil
}
