// Package backup implements the appDataBackup participant: the bus service the
// system backup orchestrator queries for the files to archive before a backup
// and notifies once files have been restored.
package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"

	"github.com/rs/zerolog"

	"appdatabackupd/internal/bus"
	"appdatabackupd/internal/events"
	"appdatabackupd/internal/loop"
	"appdatabackupd/internal/schema"
)

const (
	ServiceName       = "com.palm.appDataBackup"
	Category          = "/"
	MethodPreBackup   = "preBackup"
	MethodPostRestore = "postRestore"

	ManifestDescription = "Backup of LunaSysMgr files for launcher, quicklaunch, dockmode and sysmgr cookies"
	ManifestVersion     = "1.0"

	// CookieAppID identifies the cookie store to the database dump subsystem.
	CookieAppID = "com.palm.luna-sysmgr.cookies"
	// CookieExportPath is where the cookie store dump is written before a backup.
	CookieExportPath = "/tmp/com.palm.luna-sysmgr.cookies-html5-backup.sql"
)

var (
	ErrAlreadyInitialized  = errors.New("backup: participant already initialized")
	ErrNoPrivateConnection = errors.New("backup: no private bus connection")
)

// Stage names the Init step that failed.
type Stage string

const (
	StageRegister          Stage = "register"
	StageCategory          Stage = "category"
	StageAttach            Stage = "attach"
	StagePrivateConnection Stage = "private-connection"
)

// RegistrationError reports why Init could not put the participant on the bus.
type RegistrationError struct {
	Stage Stage
	Err   error
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("backup: %s failed: %v", e.Stage, e.Err)
}

func (e *RegistrationError) Unwrap() error { return e.Err }

// Manifest is the preBackup reply.
type Manifest struct {
	Description string   `json:"description"`
	Version     string   `json:"version"`
	Files       []string `json:"files"`
}

// RestoreRequest is the validated postRestore payload.
type RestoreRequest struct {
	Files []string
}

type restoreReply struct {
	ReturnValue bool `json:"returnValue"`
}

// State is a read-only view of the participant.
type State struct {
	Registered     bool
	IncludeFiles   bool
	IncludeCookies bool
}

// RequestHandler is the capability bound to the participant's bus methods.
type RequestHandler interface {
	PreBackup(msg *bus.Message)
	PostRestore(msg *bus.Message)
}

// Methods builds the bus method table for h.
func Methods(h RequestHandler) bus.Methods {
	return bus.Methods{
		MethodPreBackup:   bus.HandlerFunc(h.PreBackup),
		MethodPostRestore: bus.HandlerFunc(h.PostRestore),
	}
}

// {"files": array}
var restoreSchema = schema.Object(schema.Required("files", schema.Array()))

// Participant is the appDataBackup service. Create one per process with New
// and put it on the bus with Init.
type Participant struct {
	bus            *bus.Bus
	log            zerolog.Logger
	events         *events.Bus
	cookiePath     string
	includeFiles   bool
	includeCookies bool
	middleware     []bus.Middleware
	httpHandlers   map[string]http.Handler
	marshal        func(any) ([]byte, error)

	mu          sync.Mutex
	initialized bool
	registered  bool
	service     *bus.Service
	client      *bus.Client
}

// Option configures a Participant at construction.
type Option func(*Participant)

// WithIncludeFiles sets whether regular settings files are reported.
func WithIncludeFiles(v bool) Option { return func(p *Participant) { p.includeFiles = v } }

// WithIncludeCookies sets whether the cookie store dump is reported.
func WithIncludeCookies(v bool) Option { return func(p *Participant) { p.includeCookies = v } }

// WithCookieExportPath overrides where the cookie store dump is looked up.
func WithCookieExportPath(path string) Option { return func(p *Participant) { p.cookiePath = path } }

// WithEvents publishes registration on the given event bus.
func WithEvents(b *events.Bus) Option { return func(p *Participant) { p.events = b } }

// WithMiddleware adds bus dispatch middleware to the participant's service.
func WithMiddleware(m bus.Middleware) Option {
	return func(p *Participant) { p.middleware = append(p.middleware, m) }
}

// WithHTTPHandler exposes h on the participant's socket for GET path.
func WithHTTPHandler(path string, h http.Handler) Option {
	return func(p *Participant) { p.httpHandlers[path] = h }
}

// New constructs an unregistered participant on b.
func New(b *bus.Bus, log zerolog.Logger, opts ...Option) *Participant {
	p := &Participant{
		bus:            b,
		log:            log.With().Str("component", "backup-participant").Logger(),
		cookiePath:     CookieExportPath,
		includeFiles:   true,
		includeCookies: true,
		httpHandlers:   make(map[string]http.Handler),
		marshal:        json.Marshal,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Init registers ServiceName, binds preBackup and postRestore on the root
// category and attaches the service to l. It may be called once; a failed
// Init releases whatever it had registered.
func (p *Participant) Init(l *loop.Loop) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.initialized {
		return ErrAlreadyInitialized
	}
	p.initialized = true

	svc, err := p.bus.Register(ServiceName)
	if err != nil {
		p.log.Warn().Err(err).Msg("failed registering on service bus")
		return &RegistrationError{Stage: StageRegister, Err: err}
	}

	if err := svc.RegisterCategory(Category, Methods(p)); err != nil {
		p.log.Warn().Err(err).Msg("failed registering with service bus category")
		p.release(svc)
		return &RegistrationError{Stage: StageCategory, Err: err}
	}
	for _, mw := range p.middleware {
		svc.Use(mw)
	}
	for path, h := range p.httpHandlers {
		svc.HandleHTTP(path, h)
	}

	if err := svc.Attach(l); err != nil {
		p.log.Warn().Err(err).Msg("failed attaching to service bus")
		p.release(svc)
		return &RegistrationError{Stage: StageAttach, Err: err}
	}

	client := svc.PrivateConnection()
	if client == nil {
		p.log.Warn().Msg("unable to get private handle to the backup service")
		p.release(svc)
		return &RegistrationError{Stage: StagePrivateConnection, Err: ErrNoPrivateConnection}
	}

	p.service = svc
	p.client = client
	p.registered = true
	p.log.Info().Str("service", ServiceName).Msg("backup participant registered")
	if p.events != nil {
		p.events.Publish(events.Event{Topic: events.TopicParticipantRegistered, Payload: events.ParticipantRegistered{Service: ServiceName}})
	}
	return nil
}

func (p *Participant) release(svc *bus.Service) {
	if err := svc.Unregister(context.Background()); err != nil {
		p.log.Warn().Err(err).Msg("failed releasing partial registration")
	}
}

// Close unregisters the service. The participant is not reusable afterwards.
func (p *Participant) Close(ctx context.Context) error {
	p.mu.Lock()
	svc := p.service
	p.service = nil
	p.client = nil
	p.registered = false
	p.mu.Unlock()
	if svc == nil {
		return nil
	}
	if err := svc.Unregister(ctx); err != nil {
		p.log.Warn().Err(err).Msg("failed unregistering backup service")
		return err
	}
	return nil
}

// State returns the participant's flags and registration status.
func (p *Participant) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return State{Registered: p.registered, IncludeFiles: p.includeFiles, IncludeCookies: p.includeCookies}
}

// Client is the private connection for calls the participant initiates. It is
// nil unless the participant is registered.
func (p *Participant) Client() *bus.Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.client
}

// BuildManifest lists what the orchestrator should archive right now.
func (p *Participant) BuildManifest() Manifest {
	m := Manifest{
		Description: ManifestDescription,
		Version:     ManifestVersion,
		Files:       []string{},
	}
	if p.includeCookies && isRegularFile(p.cookiePath) {
		m.Files = append(m.Files, p.cookiePath)
		p.log.Debug().Str("file", p.cookiePath).Msg("added cookies file to the backup list")
	}
	return m
}

// PreBackup answers with the manifest. The incrementalKey, maxTempBytes and
// tempDir request members are accepted and ignored.
func (p *Participant) PreBackup(msg *bus.Message) {
	payload, err := p.marshal(p.BuildManifest())
	if err != nil {
		p.log.Warn().Err(err).Msg("unable to encode preBackup response")
		return
	}
	p.log.Info().RawJSON("response", payload).Msg("sending response to preBackup")
	if err := msg.Reply(payload); err != nil {
		p.log.Warn().Err(err).Str("sender", msg.Sender.String()).Msg("can't send reply to preBackup")
	}
}

// PostRestore acknowledges restored files. Regular files need no work after a
// filesystem restore, so a well-formed request is always acknowledged.
func (p *Participant) PostRestore(msg *bus.Message) {
	req, verr := parseRestoreRequest(msg.Payload)
	if verr != nil {
		p.log.Warn().Err(verr).Str("sender", msg.Sender.String()).Msg("rejecting postRestore payload")
		if err := msg.Reply(bus.ErrorReply(bus.ErrorCodeGeneric, verr.Text(), verr.Details)); err != nil {
			p.log.Warn().Err(err).Msg("can't send reply to postRestore")
		}
		return
	}
	p.log.Info().Strs("files", req.Files).Msg("postRestore received")

	payload, err := p.marshal(restoreReply{ReturnValue: true})
	if err != nil {
		p.log.Warn().Err(err).Msg("unable to encode postRestore response")
		return
	}
	p.log.Info().RawJSON("response", payload).Msg("sending response to postRestore")
	if err := msg.Reply(payload); err != nil {
		p.log.Warn().Err(err).Str("sender", msg.Sender.String()).Msg("can't send reply to postRestore")
	}
}

func parseRestoreRequest(payload []byte) (RestoreRequest, *schema.Error) {
	res := schema.Validate(payload, restoreSchema)
	if !res.OK() {
		return RestoreRequest{}, res.Err
	}
	return RestoreRequest{Files: schema.Strings(res.Doc, "files")}, nil
}

// isRegularFile follows symlinks, so a link to a regular file qualifies and a
// dangling link does not.
func isRegularFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
