package logging

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	Log   *zap.Logger
	Sugar *zap.SugaredLogger
)

func init() {
	// Quiet no-op until Init runs; serve replaces it.
	Log = zap.NewNop()
	Sugar = Log.Sugar()
}

// Init configures the global JSON logger. Level comes from
// DESKBOT_LOG_LEVEL (debug|info|warn|error), default info.
func Init() {
	level := zapcore.InfoLevel
	if v := strings.TrimSpace(os.Getenv("DESKBOT_LOG_LEVEL")); v != "" {
		if parsed, err := zapcore.ParseLevel(v); err == nil {
			level = parsed
		}
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder

	encoder := zapcore.NewJSONEncoder(encoderConfig)
	writer := zapcore.AddSync(os.Stdout)
	core := zapcore.NewCore(encoder, writer, level)

	Log = zap.New(core, zap.AddCaller())
	Sugar = Log.Sugar()
}

var secretLike = regexp.MustCompile(`(?i)[a-z0-9_\-]{20,}`)

// Mask redacts a value that may be a credential, keeping head and tail
// for correlation. Values of 8 chars or fewer are fully hidden.
func Mask(s string) string {
	n := len(s)
	if n == 0 {
		return ""
	}
	if n <= 8 {
		return "***"
	}
	return fmt.Sprintf("%s***%s", s[:4], s[n-4:])
}

// MaskIfSecret redacts only values that look like credentials: bearer
// prefixes, provider key prefixes, or long opaque strings.
func MaskIfSecret(s string) string {
	lower := strings.ToLower(s)
	if strings.HasPrefix(lower, "bearer ") {
		parts := strings.SplitN(s, " ", 2)
		return "Bearer " + Mask(parts[1])
	}
	if strings.HasPrefix(s, "sk-") || secretLike.MatchString(s) {
		return Mask(s)
	}
	return s
}
