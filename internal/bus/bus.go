// Package bus implements the local service bus: services claim a dotted name,
// publish categories of methods and answer JSON calls over a unix socket in
// the bus directory. Handlers always run on the loop the service is attached
// to.
package bus

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog"
)

var (
	ErrNameTaken       = errors.New("bus: service name already registered")
	ErrUnregistered    = errors.New("bus: service unregistered")
	ErrAlreadyAttached = errors.New("bus: service already attached")
	ErrNoLoop          = errors.New("bus: no loop to attach to")
	ErrLoopStopped     = errors.New("bus: loop stopped")
	ErrNoMethod        = errors.New("bus: unknown method")
)

// Bus is a directory of service sockets.
type Bus struct {
	dir string
	log zerolog.Logger
}

// New returns a bus rooted at dir.
func New(dir string, log zerolog.Logger) *Bus {
	return &Bus{dir: filepath.Clean(dir), log: log.With().Str("component", "bus").Logger()}
}

// Dir returns the bus directory.
func (b *Bus) Dir() string { return b.dir }

func (b *Bus) socketPath(name string) string { return filepath.Join(b.dir, name+".sock") }
func (b *Bus) lockPath(name string) string   { return filepath.Join(b.dir, name+".lock") }

// Register claims name for the calling process. The claim lasts until the
// service is unregistered or the process exits.
func (b *Bus) Register(name string) (*Service, error) {
	if err := validateName(name); err != nil {
		return nil, fmt.Errorf("bus: register: %w", err)
	}
	if err := os.MkdirAll(b.dir, 0o755); err != nil {
		return nil, fmt.Errorf("bus: create bus dir: %w", err)
	}
	lock := flock.New(b.lockPath(name))
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("bus: lock %s: %w", name, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNameTaken, name)
	}
	b.log.Debug().Str("service", name).Msg("service name claimed")
	return newService(b, name, lock), nil
}

// Client returns a handle for calling services on this bus.
func (b *Bus) Client() *Client { return newClient(b.dir) }
