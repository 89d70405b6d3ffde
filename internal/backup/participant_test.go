package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"appdatabackupd/internal/bus"
	"appdatabackupd/internal/events"
	"appdatabackupd/internal/loop"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

type fixture struct {
	bus        *bus.Bus
	cookiePath string
	logs       *bytes.Buffer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	return &fixture{
		bus:        bus.New(filepath.Join(dir, "bus"), zerolog.Nop()),
		cookiePath: filepath.Join(dir, "cookies-html5-backup.sql"),
		logs:       &bytes.Buffer{},
	}
}

func (f *fixture) participant(opts ...Option) *Participant {
	all := append([]Option{WithCookieExportPath(f.cookiePath)}, opts...)
	return New(f.bus, zerolog.New(f.logs), all...)
}

func runLoop(t *testing.T) *loop.Loop {
	t.Helper()
	l := loop.New(8)
	ctx, cancel := context.WithCancel(context.Background())
	go l.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-l.Done()
	})
	return l
}

func call(t *testing.T, h func(*bus.Message), payload string) []byte {
	t.Helper()
	msg := bus.NewMessage(context.Background(), ServiceName, Category, "test", []byte(payload))
	h(msg)
	select {
	case reply := <-msg.Response():
		return reply
	default:
		t.Fatalf("handler did not reply to %s", payload)
		return nil
	}
}

func decodeManifest(t *testing.T, data []byte) Manifest {
	t.Helper()
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("decode manifest: %v", err)
	}
	return m
}

func TestPreBackupWithoutCookieExport(t *testing.T) {
	f := newFixture(t)
	p := f.participant()

	reply := call(t, p.PreBackup, `{}`)
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(reply, &raw); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(raw["files"]) != "[]" {
		t.Fatalf("expected empty files array, got %s", raw["files"])
	}
	m := decodeManifest(t, reply)
	if m.Description != ManifestDescription || m.Version != "1.0" {
		t.Fatalf("unexpected manifest %+v", m)
	}
}

func TestPreBackupWithCookieExport(t *testing.T) {
	f := newFixture(t)
	if err := os.WriteFile(f.cookiePath, []byte("BEGIN TRANSACTION;\nCOMMIT;\n"), 0o600); err != nil {
		t.Fatalf("write cookie export: %v", err)
	}
	p := f.participant()

	m := decodeManifest(t, call(t, p.PreBackup, `{"incrementalKey":{},"maxTempBytes":10485760,"tempDir":"/tmp/backup"}`))
	if !reflect.DeepEqual(m.Files, []string{f.cookiePath}) {
		t.Fatalf("expected cookie file, got %v", m.Files)
	}
	if !strings.Contains(f.logs.String(), "added cookies file") {
		t.Fatalf("expected debug log for cookie file, got %q", f.logs.String())
	}
}

func TestPreBackupCookieFlagOff(t *testing.T) {
	f := newFixture(t)
	if err := os.WriteFile(f.cookiePath, []byte("x"), 0o600); err != nil {
		t.Fatalf("write cookie export: %v", err)
	}
	p := f.participant(WithIncludeCookies(false))
	if m := decodeManifest(t, call(t, p.PreBackup, `{}`)); len(m.Files) != 0 {
		t.Fatalf("expected no files with cookies disabled, got %v", m.Files)
	}
}

func TestPreBackupIgnoresNonRegularCookiePath(t *testing.T) {
	t.Run("directory", func(t *testing.T) {
		f := newFixture(t)
		if err := os.Mkdir(f.cookiePath, 0o700); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if m := decodeManifest(t, call(t, f.participant().PreBackup, `{}`)); len(m.Files) != 0 {
			t.Fatalf("expected directory to be skipped, got %v", m.Files)
		}
	})
	t.Run("dangling symlink", func(t *testing.T) {
		f := newFixture(t)
		if err := os.Symlink(filepath.Join(filepath.Dir(f.cookiePath), "absent"), f.cookiePath); err != nil {
			t.Fatalf("symlink: %v", err)
		}
		if m := decodeManifest(t, call(t, f.participant().PreBackup, `{}`)); len(m.Files) != 0 {
			t.Fatalf("expected dangling symlink to be skipped, got %v", m.Files)
		}
	})
	t.Run("symlink to file", func(t *testing.T) {
		f := newFixture(t)
		target := filepath.Join(filepath.Dir(f.cookiePath), "real.sql")
		if err := os.WriteFile(target, []byte("x"), 0o600); err != nil {
			t.Fatalf("write: %v", err)
		}
		if err := os.Symlink(target, f.cookiePath); err != nil {
			t.Fatalf("symlink: %v", err)
		}
		if m := decodeManifest(t, call(t, f.participant().PreBackup, `{}`)); len(m.Files) != 1 {
			t.Fatalf("expected symlinked file to be included, got %v", m.Files)
		}
	})
}

func TestPreBackupIsIdempotent(t *testing.T) {
	f := newFixture(t)
	p := f.participant()
	first := call(t, p.PreBackup, `{}`)
	second := call(t, p.PreBackup, `{}`)
	if !bytes.Equal(first, second) {
		t.Fatalf("expected identical replies:\n%s\n%s", first, second)
	}

	if err := os.WriteFile(f.cookiePath, []byte("x"), 0o600); err != nil {
		t.Fatalf("write cookie export: %v", err)
	}
	third := call(t, p.PreBackup, `{}`)
	fourth := call(t, p.PreBackup, `{}`)
	if !bytes.Equal(third, fourth) {
		t.Fatalf("expected identical replies:\n%s\n%s", third, fourth)
	}
}

func TestPreBackupEncodingFailureDropsReply(t *testing.T) {
	f := newFixture(t)
	p := f.participant()
	p.marshal = func(any) ([]byte, error) { return nil, errors.New("out of memory") }

	msg := bus.NewMessage(context.Background(), ServiceName, Category, MethodPreBackup, []byte(`{}`))
	p.PreBackup(msg)
	if msg.Replied() {
		t.Fatal("expected no reply when encoding fails")
	}
	if !strings.Contains(f.logs.String(), "unable to encode preBackup response") {
		t.Fatalf("expected encoding failure to be logged, got %q", f.logs.String())
	}
}

func TestPreBackupReplyToAbandonedCallerIsLogged(t *testing.T) {
	f := newFixture(t)
	p := f.participant()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	msg := bus.NewMessage(ctx, ServiceName, Category, MethodPreBackup, []byte(`{}`))
	p.PreBackup(msg)
	if !strings.Contains(f.logs.String(), "can't send reply to preBackup") {
		t.Fatalf("expected reply failure to be logged, got %q", f.logs.String())
	}
}

func TestPostRestoreAcknowledges(t *testing.T) {
	f := newFixture(t)
	p := f.participant()
	for _, payload := range []string{
		`{"files":[]}`,
		`{"files":["/var/luna/preferences/used-first-card","/var/palm/user-exhibition-apps.json"]}`,
		`{"files":[1,true]}`,
	} {
		if got := string(call(t, p.PostRestore, payload)); got != `{"returnValue":true}` {
			t.Fatalf("payload %s: expected acknowledgment, got %s", payload, got)
		}
	}
}

func TestPostRestoreRejectsMalformed(t *testing.T) {
	f := newFixture(t)
	p := f.participant()
	cases := map[string]string{
		"not an array": `{"files":"not-an-array"}`,
		"missing":      `{}`,
		"other member": `{"paths":[]}`,
		"not json":     `files`,
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			reply := call(t, p.PostRestore, payload)
			var got bus.ErrorPayload
			if err := json.Unmarshal(reply, &got); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if got.ReturnValue {
				t.Fatalf("expected schema error, got %s", reply)
			}
			if got.ErrorCode != bus.ErrorCodeGeneric || got.ErrorText == "" {
				t.Fatalf("expected standard error payload, got %s", reply)
			}
		})
	}
}

func TestParseRestoreRequest(t *testing.T) {
	req, err := parseRestoreRequest([]byte(`{"files":["/a",2,"/b"]}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !reflect.DeepEqual(req.Files, []string{"/a", "/b"}) {
		t.Fatalf("unexpected files %v", req.Files)
	}
}

func TestInitRegistersAndServes(t *testing.T) {
	f := newFixture(t)
	evts := events.NewBus()
	registered := evts.Subscribe(events.TopicParticipantRegistered, 1)
	p := f.participant(WithEvents(evts))
	defer p.Close(context.Background())

	if p.State().Registered {
		t.Fatal("expected unregistered before Init")
	}
	if err := p.Init(runLoop(t)); err != nil {
		t.Fatalf("init: %v", err)
	}
	st := p.State()
	if !st.Registered || !st.IncludeFiles || !st.IncludeCookies {
		t.Fatalf("unexpected state %+v", st)
	}
	if p.Client() == nil {
		t.Fatal("expected private connection")
	}
	select {
	case evt := <-registered:
		if evt.Payload.(events.ParticipantRegistered).Service != ServiceName {
			t.Fatalf("unexpected event %#v", evt)
		}
	default:
		t.Fatal("expected registration event")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client := f.bus.Client()
	reply, err := client.Call(ctx, "luna://"+ServiceName+"/"+MethodPreBackup, []byte(`{}`))
	if err != nil {
		t.Fatalf("preBackup call: %v", err)
	}
	if m := decodeManifest(t, reply); m.Version != ManifestVersion {
		t.Fatalf("unexpected manifest %+v", m)
	}
	reply, err = client.Call(ctx, "luna://"+ServiceName+"/"+MethodPostRestore, []byte(`{"files":[]}`))
	if err != nil {
		t.Fatalf("postRestore call: %v", err)
	}
	if string(reply) != `{"returnValue":true}` {
		t.Fatalf("unexpected postRestore reply %s", reply)
	}
}

func TestInitTwiceFails(t *testing.T) {
	f := newFixture(t)
	p := f.participant()
	defer p.Close(context.Background())
	l := runLoop(t)
	if err := p.Init(l); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := p.Init(l); !errors.Is(err, ErrAlreadyInitialized) {
		t.Fatalf("expected ErrAlreadyInitialized, got %v", err)
	}
	if !p.State().Registered {
		t.Fatal("first registration should remain active")
	}
}

func TestInitNameTaken(t *testing.T) {
	f := newFixture(t)
	holder, err := f.bus.Register(ServiceName)
	if err != nil {
		t.Fatalf("register holder: %v", err)
	}
	defer holder.Unregister(context.Background())

	p := f.participant()
	err = p.Init(runLoop(t))
	var regErr *RegistrationError
	if !errors.As(err, &regErr) || regErr.Stage != StageRegister {
		t.Fatalf("expected register-stage failure, got %v", err)
	}
	if !errors.Is(err, bus.ErrNameTaken) {
		t.Fatalf("expected ErrNameTaken in chain, got %v", err)
	}
	if p.State().Registered {
		t.Fatal("participant must not report registered")
	}
}

func TestInitAttachFailureReleasesName(t *testing.T) {
	f := newFixture(t)
	p := f.participant()
	stopped := loop.New(1)
	stopped.Quit()

	err := p.Init(stopped)
	var regErr *RegistrationError
	if !errors.As(err, &regErr) || regErr.Stage != StageAttach {
		t.Fatalf("expected attach-stage failure, got %v", err)
	}
	if p.Client() != nil {
		t.Fatal("expected no private connection after failure")
	}
	if err := p.Init(runLoop(t)); !errors.Is(err, ErrAlreadyInitialized) {
		t.Fatalf("expected second Init to fail fast, got %v", err)
	}

	other := f.participant()
	defer other.Close(context.Background())
	if err := other.Init(runLoop(t)); err != nil {
		t.Fatalf("expected name to be free after failed Init: %v", err)
	}
}

func TestCloseUnregisters(t *testing.T) {
	f := newFixture(t)
	p := f.participant()
	if err := p.Init(runLoop(t)); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := p.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if p.State().Registered || p.Client() != nil {
		t.Fatal("expected participant to be unregistered")
	}
	if err := p.Close(context.Background()); err != nil {
		t.Fatalf("second close: %v", err)
	}
	svc, err := f.bus.Register(ServiceName)
	if err != nil {
		t.Fatalf("expected name to be free after close: %v", err)
	}
	svc.Unregister(context.Background())
}
