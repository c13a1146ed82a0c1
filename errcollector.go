package sblist

import (
	"context"
	"fmt"

	"github.com/AdguardTeam/golibs/log"
)

// ErrorCollector reports non-fatal errors encountered while updating or
// looking up a list, so a caller monitoring many lists gets a signal for
// each failure rather than only the error returned from the call in
// progress.
//
// Grounded on AdGuardDNS's internal/agd.ErrorCollector /
// internal/errcoll.Interface.
type ErrorCollector interface {
	Collect(ctx context.Context, err error)
}

// Collectf logs err at debug level and forwards it to c, mirroring
// AdGuardDNS's errcoll.Collectf.
func Collectf(ctx context.Context, c ErrorCollector, format string, args ...any) {
	log.Debug(format, args...)
	c.Collect(ctx, fmt.Errorf(format, args...))
}

// LogErrorCollector logs every error at error level and otherwise
// discards it. It's the fallback used by New when the caller configures no
// collector.
type LogErrorCollector struct{}

// Collect implements the ErrorCollector interface for LogErrorCollector.
func (LogErrorCollector) Collect(_ context.Context, err error) {
	log.Error("sblist: %s", err)
}

// NopErrorCollector discards every error.
type NopErrorCollector struct{}

// Collect implements the ErrorCollector interface for NopErrorCollector.
func (NopErrorCollector) Collect(_ context.Context, _ error) {}
