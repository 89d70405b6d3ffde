// Package daemon assembles the backup participant process: the main loop, the
// bus service, the cookie export schedule and their health reporting.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	sd "github.com/coreos/go-systemd/v22/daemon"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"appdatabackupd/internal/backup"
	"appdatabackupd/internal/bus"
	"appdatabackupd/internal/config"
	"appdatabackupd/internal/cookies"
	"appdatabackupd/internal/events"
	"appdatabackupd/internal/health"
	"appdatabackupd/internal/logging"
	"appdatabackupd/internal/loop"
	"appdatabackupd/internal/metrics"
	"appdatabackupd/internal/runtime/supervisor"
	"appdatabackupd/internal/state/paths"
)

// Health component names.
const (
	ComponentBus          = "bus"
	ComponentParticipant  = "backup-participant"
	ComponentCookieExport = "cookie-export"
)

// Notifier reports service state to the init system.
type Notifier func(state string) (bool, error)

// Daemon owns every long-lived component of the process.
type Daemon struct {
	cfg    *config.Config
	log    zerolog.Logger
	notify Notifier

	events      *events.Bus
	loop        *loop.Loop
	bus         *bus.Bus
	participant *backup.Participant
	exporter    *cookies.Exporter
	health      *health.Tracker
	supervisor  *supervisor.Supervisor

	loopErr chan error
}

// Option customises a Daemon.
type Option func(*Daemon)

// WithNotifier replaces the systemd notifier.
func WithNotifier(n Notifier) Option { return func(d *Daemon) { d.notify = n } }

// New wires a daemon from cfg. Nothing is started until Run.
func New(cfg *config.Config, log zerolog.Logger, opts ...Option) *Daemon {
	d := &Daemon{
		cfg:        cfg,
		log:        logging.Component(log, "daemon"),
		notify:     func(state string) (bool, error) { return sd.SdNotify(false, state) },
		events:     events.NewBus(),
		loop:       loop.New(0),
		health:     health.NewTracker(),
		supervisor: supervisor.New(log),
		loopErr:    make(chan error, 1),
	}
	for _, opt := range opts {
		opt(d)
	}
	gin.SetMode(gin.ReleaseMode)

	busDir := cfg.Bus.Dir
	if busDir == "" {
		busDir = paths.BusDir()
	}
	d.bus = bus.New(busDir, log)

	exportPath := cfg.Cookies.ExportPath
	if exportPath == "" {
		exportPath = backup.CookieExportPath
	}
	d.participant = backup.New(d.bus, log,
		backup.WithIncludeFiles(cfg.Backup.IncludeFiles),
		backup.WithIncludeCookies(cfg.Backup.IncludeCookies),
		backup.WithCookieExportPath(exportPath),
		backup.WithEvents(d.events),
		backup.WithMiddleware(metrics.ObserveCall),
		backup.WithHTTPHandler("/metrics", metrics.Handler()),
		backup.WithHTTPHandler("/health", d.healthHandler()),
	)
	if cfg.Cookies.Database != "" {
		store := cookies.NewStore(cfg.Cookies.Database, backup.CookieAppID, d.events, log)
		d.exporter = cookies.NewExporter(store, exportPath, cfg.Cookies.ExportInterval, d.recordExport)
	}

	d.supervisor.Register(supervisor.NewComponent("loop", d.startLoop, d.stopLoop))
	d.supervisor.Register(supervisor.NewComponent(ComponentParticipant, d.startParticipant, d.participant.Close))
	if d.exporter != nil {
		d.supervisor.Register(supervisor.NewComponent(ComponentCookieExport, d.exporter.Start, d.exporter.Stop))
	} else {
		d.health.Setf(ComponentCookieExport, health.LevelOK, "disabled")
	}
	return d
}

// Health exposes the tracker for status reporting.
func (d *Daemon) Health() *health.Tracker { return d.health }

// Participant returns the backup participant.
func (d *Daemon) Participant() *backup.Participant { return d.participant }

// Run starts every component, blocks until ctx is cancelled or the loop dies,
// then shuts down within the configured timeout.
func (d *Daemon) Run(ctx context.Context) error {
	observed := d.participant.ObserveDatabaseEvents(d.events)
	defer func() {
		d.events.Close()
		<-observed
	}()

	if err := d.supervisor.Start(ctx); err != nil {
		return fmt.Errorf("failed to start runtime components: %w", err)
	}

	if d.health.Ready(ComponentBus, ComponentParticipant) {
		if sent, err := d.notify(sd.SdNotifyReady); err != nil {
			d.log.Warn().Err(err).Msg("failed to notify systemd of readiness")
		} else if sent {
			d.log.Info().Msg("notified systemd that service is ready")
		}
	}
	d.log.Info().Str("bus_dir", d.bus.Dir()).Msg("appdatabackupd running")

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-d.loopErr:
		if err != nil {
			runErr = fmt.Errorf("main loop: %w", err)
		}
	}

	if _, err := d.notify(sd.SdNotifyStopping); err != nil {
		d.log.Debug().Err(err).Msg("failed to notify systemd of shutdown")
	}
	stopCtx, cancel := context.WithTimeout(context.Background(), d.cfg.Bus.ShutdownTimeout)
	defer cancel()
	if err := d.supervisor.Stop(stopCtx); err != nil {
		d.log.Warn().Err(err).Msg("failed to stop components cleanly")
		runErr = errors.Join(runErr, err)
	}
	return runErr
}

func (d *Daemon) startLoop(context.Context) error {
	go func() {
		d.loopErr <- d.loop.Run(context.Background())
	}()
	return nil
}

func (d *Daemon) stopLoop(ctx context.Context) error {
	d.loop.Quit()
	select {
	case <-d.loop.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Daemon) startParticipant(context.Context) error {
	err := d.participant.Init(d.loop)
	if err != nil {
		var regErr *backup.RegistrationError
		if errors.As(err, &regErr) && regErr.Stage == backup.StageRegister {
			d.health.Setf(ComponentBus, health.LevelError, "%v", err)
		}
		d.health.Setf(ComponentParticipant, health.LevelError, "%v", err)
		return err
	}
	d.health.Setf(ComponentBus, health.LevelOK, "serving %s", d.bus.Dir())
	d.health.Setf(ComponentParticipant, health.LevelOK, "registered %s", backup.ServiceName)
	return nil
}

func (d *Daemon) recordExport(took time.Duration, err error) {
	metrics.RecordCookieExport(took, err)
	if err != nil {
		d.health.Setf(ComponentCookieExport, health.LevelWarn, "export failed: %v", err)
		return
	}
	d.health.Setf(ComponentCookieExport, health.LevelOK, "exported in %s", took.Round(time.Millisecond))
}

type healthReport struct {
	Overall    health.Level       `json:"overall"`
	Ready      bool               `json:"ready"`
	Components []health.Component `json:"components"`
}

func (d *Daemon) healthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		report := healthReport{
			Overall:    d.health.Overall(),
			Ready:      d.health.Ready(ComponentBus, ComponentParticipant),
			Components: d.health.Components(),
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(report)
	})
}
