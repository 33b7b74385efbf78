// Package logging builds the process-wide structured logger: a
// log/slog.Logger backed by zap, per SPEC_FULL.md's Ambient Stack
// ("structured logging via log/slog, with a bridge to go.uber.org/zap as
// the backing handler"). zapslog.NewHandler is zap's own documented
// slog-bridge API — no in-pack file actually constructs one (the same
// gap already documented for internal/metrics' otel wiring), so this
// follows zap's own docs rather than a pack example.
package logging

import (
	"log/slog"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/exp/zapslog"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// New builds a *slog.Logger writing JSON lines to file (stderr if empty)
// at the given level ("debug", "info", "warn", "error"). A configured file
// is rotated by lumberjack (100MB/file, 5 backups, 28 days) rather than
// growing unbounded across restarts; the returned closer flushes the
// rotator on shutdown.
func New(level, file string) (*slog.Logger, func() error, error) {
	var sink zapcore.WriteSyncer = os.Stderr
	closer := func() error { return nil }

	if file != "" {
		rotator := &lumberjack.Logger{Filename: file, MaxSize: 100, MaxBackups: 5, MaxAge: 28}
		sink = zapcore.AddSync(rotator)
		closer = rotator.Close
	}

	core := zapcore.NewCore(zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()), sink, parseLevel(level))
	zl := zap.New(core, zap.AddCaller())

	return slog.New(zapslog.NewHandler(zl.Core())), closer, nil
}

func parseLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
