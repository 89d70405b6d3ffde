package bus

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog"

	"appdatabackupd/internal/loop"
)

// MaxPayloadBytes bounds the size of an inbound call payload.
const MaxPayloadBytes = 1 << 20

// Service is a registered bus identity.
type Service struct {
	bus  *Bus
	name string
	log  zerolog.Logger
	lock *flock.Flock

	mu         sync.Mutex
	categories map[string]Methods
	middleware []Middleware
	aux        map[string]http.Handler
	loop       *loop.Loop
	srv        *http.Server
	client     *Client
	closing    chan struct{}
	closed     bool
}

func newService(b *Bus, name string, lock *flock.Flock) *Service {
	return &Service{
		bus:        b,
		name:       name,
		log:        b.log.With().Str("service", name).Logger(),
		lock:       lock,
		categories: make(map[string]Methods),
		aux:        make(map[string]http.Handler),
		closing:    make(chan struct{}),
	}
}

// Name returns the registered service name.
func (s *Service) Name() string { return s.name }

// RegisterCategory publishes methods under category, which must be "/" or a
// clean absolute path. Categories are fixed once the service is attached.
func (s *Service) RegisterCategory(category string, methods Methods) error {
	if !validCategory(category) {
		return fmt.Errorf("bus: invalid category %q", category)
	}
	if len(methods) == 0 {
		return fmt.Errorf("bus: category %s has no methods", category)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrUnregistered
	}
	if s.loop != nil {
		return fmt.Errorf("bus: register category %s: %w", category, ErrAlreadyAttached)
	}
	if _, exists := s.categories[category]; exists {
		return fmt.Errorf("bus: category %s already registered", category)
	}
	table := make(Methods, len(methods))
	for name, h := range methods {
		if name == "" || h == nil {
			return fmt.Errorf("bus: category %s has an empty method entry", category)
		}
		table[name] = h
	}
	s.categories[category] = table
	return nil
}

// Use appends a middleware to the dispatch chain of every method.
func (s *Service) Use(m Middleware) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.middleware = append(s.middleware, m)
}

// HandleHTTP exposes h for GET requests on path, next to the bus methods.
// Auxiliary handlers run on the connection goroutine, not the loop.
func (s *Service) HandleHTTP(path string, h http.Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aux[path] = h
}

// Attach starts serving calls. Every handler invocation is posted to l.
func (s *Service) Attach(l *loop.Loop) error {
	if l == nil {
		return ErrNoLoop
	}
	if l.Stopped() {
		return ErrLoopStopped
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrUnregistered
	}
	if s.loop != nil {
		return ErrAlreadyAttached
	}

	sock := s.bus.socketPath(s.name)
	// The name lock is held, so any socket left behind belongs to a dead owner.
	if err := os.Remove(sock); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("bus: remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", sock)
	if err != nil {
		return fmt.Errorf("bus: listen %s: %w", sock, err)
	}

	s.loop = l
	s.srv = &http.Server{
		Handler:           s.newEngine(),
		ReadHeaderTimeout: 10 * time.Second,
		ConnContext: func(ctx context.Context, c net.Conn) context.Context {
			return context.WithValue(ctx, credentialsKey{}, peerCredentials(c))
		},
	}
	srv := s.srv
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn().Err(err).Msg("bus listener stopped")
		}
	}()
	s.client = s.bus.Client()
	s.log.Info().Str("socket", sock).Msg("service attached")
	return nil
}

// PrivateConnection returns the handle the service uses for calls it
// initiates. It is nil until the service is attached and after unregistering.
func (s *Service) PrivateConnection() *Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client
}

// Unregister stops serving, removes the socket and releases the name. It is
// safe to call more than once.
func (s *Service) Unregister(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.closing)
	srv := s.srv
	attached := s.loop != nil
	s.client = nil
	s.mu.Unlock()

	var errs []error
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs = append(errs, fmt.Errorf("bus: shutdown: %w", err))
		}
	}
	if attached {
		if err := os.Remove(s.bus.socketPath(s.name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, fmt.Errorf("bus: remove socket: %w", err))
		}
	}
	if err := s.lock.Unlock(); err != nil {
		errs = append(errs, fmt.Errorf("bus: release name: %w", err))
	}
	s.log.Info().Msg("service unregistered")
	return errors.Join(errs...)
}

func (s *Service) lookup(category, method string) (Handler, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	table, ok := s.categories[category]
	if !ok {
		return nil, false
	}
	h, ok := table[method]
	if !ok {
		return nil, false
	}
	final := h
	for i := len(s.middleware) - 1; i >= 0; i-- {
		mw := s.middleware[i]
		next := final
		final = HandlerFunc(func(msg *Message) { mw(msg, next) })
	}
	return final, true
}

// Dispatch runs the handler for msg on the attached loop without going
// through the socket. The caller reads the reply from msg.Response.
func (s *Service) Dispatch(msg *Message) error {
	h, ok := s.lookup(msg.Category, msg.Method)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoMethod, msg.URI())
	}
	s.mu.Lock()
	l := s.loop
	s.mu.Unlock()
	if l == nil {
		return ErrNoLoop
	}
	if !l.Post(func() { h.Serve(msg) }) {
		return ErrLoopStopped
	}
	return nil
}
