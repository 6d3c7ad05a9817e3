package buildsys

import (
	"context"

	"github.com/rs/zerolog"
)

// log returns the logger attached with WithLogger. Without one, nothing is logged.
func log(ctx context.Context) *zerolog.Logger {
	return zerolog.Ctx(ctx)
}

// WithLogger attaches the given logger to the context
func WithLogger(ctx context.Context, logger *zerolog.Logger) context.Context {
	return logger.WithContext(ctx)
}
