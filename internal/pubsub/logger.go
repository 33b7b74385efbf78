package pubsub

import (
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
)

// slogAdapter satisfies watermill.LoggerAdapter over the ambient slog
// logger, the same bridging shape the rest of this module uses for every
// other third-party component's own logging contract.
type slogAdapter struct {
	logger *slog.Logger
	fields watermill.LogFields
}

func (a *slogAdapter) attrs(fields watermill.LogFields) []any {
	attrs := make([]any, 0, 2*(len(a.fields)+len(fields)))
	for k, v := range a.fields {
		attrs = append(attrs, slog.Any(k, v))
	}
	for k, v := range fields {
		attrs = append(attrs, slog.Any(k, v))
	}
	return attrs
}

func (a *slogAdapter) Error(msg string, err error, fields watermill.LogFields) {
	a.logger.Error(msg, append(a.attrs(fields), slog.Any("err", err))...)
}

func (a *slogAdapter) Info(msg string, fields watermill.LogFields) {
	a.logger.Info(msg, a.attrs(fields)...)
}

func (a *slogAdapter) Debug(msg string, fields watermill.LogFields) {
	a.logger.Debug(msg, a.attrs(fields)...)
}

func (a *slogAdapter) Trace(msg string, fields watermill.LogFields) {
	a.logger.Debug(msg, a.attrs(fields)...)
}

func (a *slogAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	merged := make(watermill.LogFields, len(a.fields)+len(fields))
	for k, v := range a.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &slogAdapter{logger: a.logger, fields: merged}
}
