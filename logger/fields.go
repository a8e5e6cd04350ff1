package logger

import (
	"time"

	"go.uber.org/zap"
)

func Provider(v string) zap.Field { return zap.String("provider", v) }

func Slug(v string) zap.Field { return zap.String("slug", v) }

func Owner(v string) zap.Field { return zap.String("owner", v) }

func Status(v int) zap.Field { return zap.Int("status", v) }

func Method(v string) zap.Field { return zap.String("method", v) }

func Path(v string) zap.Field { return zap.String("path", v) }

func Duration(v time.Duration) zap.Field { return zap.Duration("duration", v) }

func RequestID(v string) zap.Field { return zap.String("request_id", v) }

// Body logs a provider response body, truncated to keep log lines bounded.
func Body(v string) zap.Field {
	const max = 2048
	if len(v) > max {
		v = v[:max] + "...(truncated)"
	}
	return zap.String("body", v)
}

func Err(err error) zap.Field { return zap.Error(err) }
