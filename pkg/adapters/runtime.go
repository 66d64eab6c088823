package adapters

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/engram-dev/engram/pkg/config"
	"github.com/engram-dev/engram/pkg/errs"
	"github.com/engram-dev/engram/pkg/models"
)

// fanInBuffer is the capacity of the merged event channel. Intake stalls
// rather than drops once the ingestion consumer falls this far behind.
const fanInBuffer = 256

const (
	defaultReconnectBase = time.Second
	defaultReconnectMax  = time.Minute
)

// supervised pairs an adapter with its supervision state. The state fields
// are written only by the adapter's supervisor goroutine.
type supervised struct {
	adapter Adapter

	mu       sync.RWMutex
	state    State
	lastErr  string
	restarts int
}

func (s *supervised) setState(state State, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
	if err != nil {
		s.lastErr = err.Error()
		s.restarts++
	} else if state == StateConnected {
		s.lastErr = ""
	}
}

func (s *supervised) status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Status{
		Name:     s.adapter.Name(),
		State:    s.state,
		Error:    s.lastErr,
		Restarts: s.restarts,
	}
}

// Runtime supervises registered adapters. Start launches one supervisor and
// one forwarder per adapter; the supervisor reconnects a failed adapter with
// exponential backoff, and the forwarder pumps the adapter's events into the
// shared fan-in channel. Stop tears everything down and closes the fan-in
// channel, which ends the ingestion consumer.
type Runtime struct {
	base time.Duration
	max  time.Duration

	mu       sync.Mutex
	adapters []*supervised
	byName   map[string]*supervised
	started  bool
	cancel   context.CancelFunc

	out chan models.IncomingEvent
	wg  sync.WaitGroup
}

// NewRuntime creates an empty runtime with the configured restart backoff.
func NewRuntime(cfg config.AdaptersConfig) *Runtime {
	base := cfg.ReconnectBaseDelay
	if base <= 0 {
		base = defaultReconnectBase
	}
	max := cfg.ReconnectMaxDelay
	if max <= 0 {
		max = defaultReconnectMax
	}
	return &Runtime{
		base:   base,
		max:    max,
		byName: make(map[string]*supervised),
		out:    make(chan models.IncomingEvent, fanInBuffer),
	}
}

// Register adds an adapter. Registration is only allowed before Start.
func (r *Runtime) Register(adapter Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return errs.Validationf("runtime already started, cannot register %q", adapter.Name())
	}
	if _, ok := r.byName[adapter.Name()]; ok {
		return errs.Duplicatef("adapter %q already registered", adapter.Name())
	}
	s := &supervised{adapter: adapter, state: StateDisconnected}
	r.adapters = append(r.adapters, s)
	r.byName[adapter.Name()] = s
	return nil
}

// Events returns the fan-in channel carrying every adapter's output. It is
// closed after Stop, once all supervisors have exited.
func (r *Runtime) Events() <-chan models.IncomingEvent {
	return r.out
}

// Start launches supervision for every registered adapter.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return errs.Validationf("runtime already started")
	}
	r.started = true
	ctx, r.cancel = context.WithCancel(ctx)
	adapters := make([]*supervised, len(r.adapters))
	copy(adapters, r.adapters)
	r.mu.Unlock()

	for _, s := range adapters {
		r.wg.Add(2)
		go r.supervise(ctx, s)
		go r.forward(ctx, s)
	}
	go func() {
		r.wg.Wait()
		close(r.out)
	}()

	slog.Info("Adapter runtime started", "adapters", len(adapters))
	return nil
}

// Stop cancels supervision, stops every adapter, and waits for the
// goroutines to drain. Safe to call once.
func (r *Runtime) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.cancel = nil
	adapters := make([]*supervised, len(r.adapters))
	copy(adapters, r.adapters)
	r.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	for _, s := range adapters {
		if err := s.adapter.Stop(); err != nil {
			slog.Warn("Adapter stop failed", "adapter", s.adapter.Name(), "error", err)
		}
	}
	r.wg.Wait()
	slog.Info("Adapter runtime stopped")
}

// Statuses returns a snapshot per adapter, in registration order.
func (r *Runtime) Statuses() []Status {
	r.mu.Lock()
	adapters := make([]*supervised, len(r.adapters))
	copy(adapters, r.adapters)
	r.mu.Unlock()

	statuses := make([]Status, 0, len(adapters))
	for _, s := range adapters {
		statuses = append(statuses, s.status())
	}
	return statuses
}

// supervise runs one adapter's connect/receive cycle until the runtime
// context ends. A connect failure or a dead stream is retried with doubling
// backoff; a successful connect resets the delay.
func (r *Runtime) supervise(ctx context.Context, s *supervised) {
	defer r.wg.Done()
	name := s.adapter.Name()
	backoff := r.base

	for {
		if ctx.Err() != nil {
			s.setState(StateDisconnected, nil)
			return
		}

		s.setState(StateConnecting, nil)
		if err := s.adapter.Connect(ctx); err != nil {
			s.setState(StateError, err)
			slog.Warn("Adapter connect failed", "adapter", name, "error", err, "backoff", backoff)
			if !sleep(ctx, backoff) {
				s.setState(StateDisconnected, nil)
				return
			}
			backoff = min(backoff*2, r.max)
			continue
		}

		s.setState(StateConnected, nil)
		slog.Info("Adapter connected", "adapter", name)
		backoff = r.base

		err := s.adapter.Start(ctx)
		if derr := s.adapter.Disconnect(); derr != nil {
			slog.Warn("Adapter disconnect failed", "adapter", name, "error", derr)
		}
		if ctx.Err() != nil || err == nil {
			// Shutdown, or the adapter stopped itself.
			s.setState(StateDisconnected, nil)
			return
		}

		s.setState(StateError, err)
		slog.Error("Adapter stream failed, restarting", "adapter", name, "error", err, "backoff", backoff)
		if !sleep(ctx, backoff) {
			s.setState(StateDisconnected, nil)
			return
		}
		backoff = min(backoff*2, r.max)
	}
}

// forward pumps one adapter's events into the fan-in channel.
func (r *Runtime) forward(ctx context.Context, s *supervised) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-s.adapter.Events():
			if !ok {
				return
			}
			select {
			case r.out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}

// sleep waits for d or the context, reporting false on cancellation.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
