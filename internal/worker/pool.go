package worker

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log"
	"sync"
	"time"

	"github.com/andresmejia3/rollcall/internal/types"
)

// DefaultPoolSize is used when a non-positive size is requested.
const DefaultPoolSize = 1

// ErrPoolClosed is returned by Acquire after Close.
var ErrPoolClosed = errors.New("worker pool is closed")

// ErrPoolExhausted is returned when every engine has died and none could be
// restarted.
var ErrPoolExhausted = errors.New("worker pool has no live engines")

// Engine is one exclusive oracle connection.
type Engine interface {
	DetectAndEmbed(ctx context.Context, img image.Image) ([]types.Face, error)
	Close() error
}

// Factory starts engine number id.
type Factory func(id int) (Engine, error)

// CommandFactory starts oracle subprocesses running command.
func CommandFactory(command []string) Factory {
	return func(id int) (Engine, error) {
		return New(id, command)
	}
}

// PoolStats is a snapshot of pool activity.
type PoolStats struct {
	Size            int
	Alive           int
	InUse           int
	TotalAcquired   int64
	TotalReleased   int64
	Restarts        int64
	AcquireFailures int64
	WaitTime        time.Duration
}

// Pool shares a fixed number of engines between concurrent callers. An engine
// that fails at the transport level is closed and replaced.
type Pool struct {
	engines   chan Engine
	exhausted chan struct{}
	size      int
	factory   Factory
	logger    *log.Logger

	mu         sync.Mutex
	closed     bool
	alive      int
	nextID     int
	stats      PoolStats
	lastErrors []error
}

// NewPool starts size engines. If any fails to start, the ones already
// running are closed.
func NewPool(size int, factory Factory, logger *log.Logger) (*Pool, error) {
	if size <= 0 {
		size = DefaultPoolSize
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	p := &Pool{
		engines:   make(chan Engine, size),
		exhausted: make(chan struct{}),
		size:      size,
		factory:   factory,
		logger:    logger,
	}

	for i := 0; i < size; i++ {
		e, err := factory(p.nextID)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("failed to start engine %d: %w", i, err)
		}
		p.nextID++
		p.alive++
		p.engines <- e
	}
	return p, nil
}

// Acquire takes an engine, waiting until one is free or ctx is done.
func (p *Pool) Acquire(ctx context.Context) (Engine, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	p.mu.Unlock()

	start := time.Now()
	defer func() {
		p.mu.Lock()
		p.stats.WaitTime += time.Since(start)
		p.mu.Unlock()
	}()

	select {
	case e, ok := <-p.engines:
		if !ok {
			return nil, ErrPoolClosed
		}
		p.mu.Lock()
		p.stats.InUse++
		p.stats.TotalAcquired++
		p.mu.Unlock()
		return e, nil
	case <-p.exhausted:
		p.mu.Lock()
		p.stats.AcquireFailures++
		p.mu.Unlock()
		return nil, ErrPoolExhausted
	case <-ctx.Done():
		p.mu.Lock()
		p.stats.AcquireFailures++
		p.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Release returns a healthy engine to the pool.
func (p *Pool) Release(e Engine) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stats.InUse--
	p.stats.TotalReleased++
	if p.closed {
		e.Close()
		return
	}
	p.engines <- e
}

// discard closes a broken engine and tries to start a replacement. The
// replacement is started without holding the lock.
func (p *Pool) discard(e Engine, cause error) {
	e.Close()
	if cl, ok := e.(interface{ CrashLog() string }); ok {
		if logs := cl.CrashLog(); logs != "" {
			p.logger.Printf("oracle engine crashed (%v):\n%s", cause, logs)
		}
	}

	p.mu.Lock()
	p.stats.InUse--
	p.stats.TotalReleased++
	if p.closed {
		p.mu.Unlock()
		return
	}
	id := p.nextID
	p.nextID++
	p.mu.Unlock()

	replacement, err := p.factory(id)

	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		p.recordError(fmt.Errorf("restart engine %d: %w", id, err))
		p.alive--
		if p.alive == 0 {
			close(p.exhausted)
		}
		return
	}
	if p.closed {
		replacement.Close()
		return
	}
	p.stats.Restarts++
	p.engines <- replacement
}

func (p *Pool) recordError(err error) {
	p.logger.Printf("%v", err)
	p.lastErrors = append(p.lastErrors, err)
	if len(p.lastErrors) > 10 {
		p.lastErrors = p.lastErrors[1:]
	}
}

// DetectAndEmbed runs one request on a free engine. Errors reported by the
// oracle itself leave the engine in service; anything else replaces it.
func (p *Pool) DetectAndEmbed(ctx context.Context, img image.Image) ([]types.Face, error) {
	e, err := p.Acquire(ctx)
	if err != nil {
		return nil, &types.OracleError{Err: err}
	}

	faces, err := e.DetectAndEmbed(ctx, img)
	var remote *RemoteError
	// Context errors come from the engine's check before any I/O, so the
	// stream is still in sync.
	if err == nil || errors.As(err, &remote) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		p.Release(e)
	} else {
		p.discard(e, err)
	}
	return faces, err
}

// Close stops every idle engine. Engines still in use are closed when released.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true
	close(p.engines)

	for e := range p.engines {
		e.Close()
	}
}

// Stats returns a snapshot of the pool's counters.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stats
	s.Size = p.size
	s.Alive = p.alive
	return s
}

// LastErrors returns the most recent restart failures.
func (p *Pool) LastErrors() []error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]error(nil), p.lastErrors...)
}
