package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Component represents a unit of work managed by the supervisor.
type Component interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Supervisor coordinates the lifecycle of registered components.
type Supervisor struct {
	mu         sync.Mutex
	components []Component
	started    []Component
	running    bool
	log        zerolog.Logger
}

// New creates an empty supervisor.
func New(log zerolog.Logger) *Supervisor {
	return &Supervisor{log: log.With().Str("component", "supervisor").Logger()}
}

// Register adds a component to the supervisor. Registration is only allowed
// before Start is called.
func (s *Supervisor) Register(c Component) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		panic("supervisor: cannot register component after start")
	}
	s.components = append(s.components, c)
}

// Start invokes Start on each component in registration order. If any
// component fails, the ones already started are stopped in reverse order and
// the error is returned.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	comps := append([]Component(nil), s.components...)
	s.mu.Unlock()

	started := make([]Component, 0, len(comps))
	for _, c := range comps {
		if err := c.Start(ctx); err != nil {
			s.log.Error().Err(err).Str("name", c.Name()).Msg("component failed to start")
			for i := len(started) - 1; i >= 0; i-- {
				if stopErr := started[i].Stop(ctx); stopErr != nil {
					s.log.Warn().Err(stopErr).Str("name", started[i].Name()).Msg("rollback stop failed")
				}
			}
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
			return fmt.Errorf("start %s: %w", c.Name(), err)
		}
		s.log.Debug().Str("name", c.Name()).Msg("component started")
		started = append(started, c)
	}

	s.mu.Lock()
	s.started = started
	s.mu.Unlock()
	return nil
}

// Stop stops the started components in reverse order. It is safe to call even
// if Start was never invoked or failed.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	comps := s.started
	s.started = nil
	s.running = false
	s.mu.Unlock()

	var errs []error
	for i := len(comps) - 1; i >= 0; i-- {
		if err := comps[i].Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", comps[i].Name(), err))
			continue
		}
		s.log.Debug().Str("name", comps[i].Name()).Msg("component stopped")
	}
	return errors.Join(errs...)
}
