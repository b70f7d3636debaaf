package qconn

import (
	"log/slog"
	"sync/atomic"
)

// loggerPtr holds the package-level structured logger, grounded on the
// log/slog idiom the fluxquery-backend example pack uses in its
// reactor hub ("Dashboard Connected", "total_connections", n). It may
// be replaced wholesale with SetLogger before any Connection is opened.
var loggerPtr atomic.Pointer[slog.Logger]

func init() {
	loggerPtr.Store(slog.Default())
}

// SetLogger overrides the package-level logger used for connection
// lifecycle, reader-task failures and handler-dispatch errors.
func SetLogger(l *slog.Logger) {
	if l == nil {
		l = slog.Default()
	}
	loggerPtr.Store(l)
}

func logger() *slog.Logger {
	return loggerPtr.Load()
}
