// internal/pkg/logger/logger.go
package logger

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"nexus-shipping/internal/pkg/tracing"
)

// Init 配置全局 zerolog：统一的时间格式、级别以及 service 字段。
// 没有挂载 logger 的 context 也会落到这个全局 logger 上。
func Init(serviceName, level string) {
	InitWithWriter(os.Stdout, serviceName, level)
}

// InitWithWriter 与 Init 相同，但允许指定输出（测试用）。
func InitWithWriter(w io.Writer, serviceName, level string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	zerolog.SetGlobalLevel(parseLevel(level))

	zlog.Logger = zerolog.New(w).With().Timestamp().Str("service", serviceName).Logger()
	zerolog.DefaultContextLogger = &zlog.Logger
}

// Ctx 返回 context 中的 logger；如果当前存在有效的 span，会附带 trace_id。
func Ctx(ctx context.Context) *zerolog.Logger {
	l := zerolog.Ctx(ctx)
	traceID := tracing.GetTraceIDFromContext(ctx)
	if traceID == "" {
		return l
	}
	withTrace := l.With().Str("trace_id", traceID).Logger()
	return &withTrace
}

// WithContext 把 logger 存入 context，供后续 handler 使用
func WithContext(ctx context.Context, l zerolog.Logger) context.Context {
	return l.WithContext(ctx)
}

func parseLevel(lvl string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(lvl)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
