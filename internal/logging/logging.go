package logging

import (
	"context"
	"io"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

type contextKey struct{}

func FromContext(ctx context.Context) logrus.FieldLogger {
	if logger, ok := ctx.Value(contextKey{}).(logrus.FieldLogger); ok {
		return logger
	}
	l := logrus.New()
	l.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339Nano,
	})
	return l
}

func IntoContext(ctx context.Context, logger logrus.FieldLogger) context.Context {
	return context.WithValue(ctx, contextKey{}, logger)
}

// New returns a logger writing to out. Terminals get coloured text, anything else
// gets JSON.
func New(out io.Writer, debug bool) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(out)
	if debug {
		l.SetLevel(logrus.DebugLevel)
	}
	if IsTerminal(out) {
		l.SetFormatter(&logrus.TextFormatter{
			ForceColors:     true,
			FullTimestamp:   true,
			TimestampFormat: "15:04:05.000",
		})
	} else {
		l.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
		})
	}
	return l
}

// IsTerminal tells whether w is a terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(interface{ Fd() uintptr })
	return ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()))
}
