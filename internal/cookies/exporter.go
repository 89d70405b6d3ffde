package cookies

import (
	"context"
	"sync"
	"time"
)

// Exporter refreshes the cookie dump at startup and then on a fixed interval.
type Exporter struct {
	store    *Store
	dest     string
	interval time.Duration
	onResult func(time.Duration, error)

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewExporter builds an exporter writing store dumps to dest. A zero interval
// exports once at Start only. onResult, if set, sees every run.
func NewExporter(store *Store, dest string, interval time.Duration, onResult func(time.Duration, error)) *Exporter {
	return &Exporter{store: store, dest: dest, interval: interval, onResult: onResult}
}

// Start runs the first export synchronously and schedules the rest. A failed
// export is reported through onResult and does not fail Start.
func (e *Exporter) Start(ctx context.Context) error {
	e.run(ctx)
	if e.interval <= 0 {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		return nil
	}
	runCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.done = make(chan struct{})
	go e.loop(runCtx, e.done)
	return nil
}

// Stop cancels scheduled exports and waits for a running one to finish.
func (e *Exporter) Stop(ctx context.Context) error {
	e.mu.Lock()
	cancel, done := e.cancel, e.done
	e.cancel, e.done = nil, nil
	e.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Exporter) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.run(ctx)
		}
	}
}

func (e *Exporter) run(ctx context.Context) {
	start := time.Now()
	err := e.store.Export(ctx, e.dest)
	if e.onResult != nil {
		e.onResult(time.Since(start), err)
	}
}
