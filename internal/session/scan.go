package session

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"

	"golang.org/x/sync/errgroup"

	"perforay/internal/model"
	"perforay/internal/protocol"
)

var ErrScanFailed = errors.New("session: scan failed")

// Engine performs one scan. It pushes events onto events in the order they
// happen, selecting on ctx.Done() for every send, and must not touch events
// after Scan returns.
type Engine interface {
	Scan(ctx context.Context, target *url.URL, events chan<- model.ScanEvent) (*model.ScanResult, error)
}

// RunScan runs engine against target and relays its events through sender.
// The events channel is unbuffered and each relay send waits for the write,
// so the engine is never more than one event ahead of the wire.
func RunScan(ctx context.Context, engine Engine, sender *Sender, target *url.URL) (*model.ScanResult, error) {
	events := make(chan model.ScanEvent)
	g, gctx := errgroup.WithContext(ctx)

	var result *model.ScanResult
	g.Go(func() (err error) {
		defer close(events)
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("%w: engine panic: %v", ErrScanFailed, r)
			}
		}()
		res, err := engine.Scan(gctx, target, events)
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("%w: %v", protocol.ErrCancelled, ctx.Err())
			}
			return fmt.Errorf("%w: %w", ErrScanFailed, err)
		}
		if res == nil {
			return fmt.Errorf("%w: engine returned no result", ErrScanFailed)
		}
		result = res
		return nil
	})

	g.Go(func() error {
		for ev := range events {
			msg, err := protocol.EventMessage(ev)
			if err != nil {
				return err
			}
			if err := sender.Send(gctx, msg); err != nil {
				return err
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return result, nil
}

// SortPages orders pages by descending download time, keeping the scan order
// of equal times.
func SortPages(pages []model.DocumentResult) {
	sort.SliceStable(pages, func(i, j int) bool {
		return pages[i].DownloadTime > pages[j].DownloadTime
	})
}
