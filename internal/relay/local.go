package relay

import (
	"context"
	"log/slog"
	"sync"
)

// LocalDialer serves every dialed stream in-process with Serve. Tests and
// the conformance harness use it in place of a network transport.
type LocalDialer struct {
	factory Factory
	buffer  int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	dials map[string]int
}

var _ Dialer = (*LocalDialer)(nil)

// NewLocalDialer creates a dialer whose streams are handled by factory.
func NewLocalDialer(factory Factory) *LocalDialer {
	ctx, cancel := context.WithCancel(context.Background())
	return &LocalDialer{
		factory: factory,
		buffer:  DefaultBuffer,
		ctx:     ctx,
		cancel:  cancel,
		dials:   make(map[string]int),
	}
}

// Dial implements Dialer.
func (d *LocalDialer) Dial(ctx context.Context, entityID string) (Stream, error) {
	if err := d.ctx.Err(); err != nil {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	client, server := Pipe(d.buffer)
	d.mu.Lock()
	d.dials[entityID]++
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := Serve(d.ctx, server, d.factory); err != nil {
			slog.Debug("local relay stream ended", "entity", entityID, "error", err)
		}
	}()
	return client, nil
}

// Dials returns how many streams have been opened for entityID.
func (d *LocalDialer) Dials(entityID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials[entityID]
}

// Close stops every server loop and waits for them to exit.
func (d *LocalDialer) Close() error {
	d.cancel()
	d.wg.Wait()
	return nil
}
