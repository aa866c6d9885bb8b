// Package store registers completed scan results with the configured backends.
package store

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/rs/zerolog"

	"perforay/internal/model"
	"perforay/internal/observability"
)

var ErrNotFound = errors.New("store: result not found")

// Backend is one destination for completed results
type Backend interface {
	Name() string
	Create(ctx context.Context, result *model.ScanResult) error
}

// Pinger is implemented by backends that can report their health
type Pinger interface {
	Ping(ctx context.Context) error
}

// Fanout hands every result to all backends. A failing backend does not stop
// the others; all failures are joined into the returned error.
type Fanout struct {
	backends []Backend
	logger   zerolog.Logger
}

func NewFanout(logger zerolog.Logger, backends ...Backend) *Fanout {
	return &Fanout{backends: backends, logger: logger}
}

func (f *Fanout) Backends() []Backend {
	return f.backends
}

func (f *Fanout) Create(ctx context.Context, result *model.ScanResult) error {
	var errs []error
	for _, b := range f.backends {
		if err := b.Create(ctx, result); err != nil {
			observability.RecordStoreError(b.Name())
			f.logger.Warn().Err(err).Str("backend", b.Name()).Str("result_id", result.ID).Msg("store failed")
			errs = append(errs, fmt.Errorf("%s: %w", b.Name(), err))
			continue
		}
		f.logger.Debug().Str("backend", b.Name()).Str("result_id", result.ID).Msg("result stored")
	}
	return errors.Join(errs...)
}

// Ping checks every backend that supports it, keyed by backend name
func (f *Fanout) Ping(ctx context.Context) map[string]error {
	out := make(map[string]error, len(f.backends))
	for _, b := range f.backends {
		if p, ok := b.(Pinger); ok {
			out[b.Name()] = p.Ping(ctx)
		}
	}
	return out
}

// HostOf returns the lower-cased host of a target URI, without port
func HostOf(target string) string {
	u, err := url.Parse(target)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
