package main

import (
	"bytes"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"

	_ "modernc.org/sqlite"
)

func runRoot(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func isolateConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Chdir(wd) })
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "xdg"))
	t.Setenv("HOME", dir)
	return dir
}

func TestVersionCommand(t *testing.T) {
	out, err := runRoot(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if strings.TrimSpace(out) != version {
		t.Fatalf("unexpected version output %q", out)
	}
}

func TestRenderReply(t *testing.T) {
	reply := []byte(`{"returnValue":true,"files":["/tmp/a"]}`)

	var js bytes.Buffer
	if err := renderReply(&js, reply, "json"); err != nil {
		t.Fatalf("json: %v", err)
	}
	if !strings.Contains(js.String(), "\"returnValue\": true") {
		t.Fatalf("unexpected json output %s", js.String())
	}

	var ym bytes.Buffer
	if err := renderReply(&ym, reply, "yaml"); err != nil {
		t.Fatalf("yaml: %v", err)
	}
	if !strings.Contains(ym.String(), "returnValue: true") || !strings.Contains(ym.String(), "- /tmp/a") {
		t.Fatalf("unexpected yaml output %s", ym.String())
	}

	if err := renderReply(&ym, reply, "xml"); err == nil {
		t.Fatalf("expected unknown format error")
	}
	if err := renderReply(&ym, []byte("nope"), "json"); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestCookiesExportImportCommands(t *testing.T) {
	dir := isolateConfig(t)
	dbPath := filepath.Join(dir, "cookies.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec(`CREATE TABLE c (k TEXT); INSERT INTO c VALUES ('v')`); err != nil {
		t.Fatal(err)
	}
	db.Close()

	dump := filepath.Join(dir, "dump.sql")
	out, err := runRoot(t, "cookies", "export", "--database", dbPath, "--output", dump)
	if err != nil {
		t.Fatalf("export: %v (%s)", err, out)
	}
	if strings.TrimSpace(out) != dump {
		t.Fatalf("expected dump path printed, got %q", out)
	}

	restored := filepath.Join(dir, "restored.db")
	if out, err := runRoot(t, "cookies", "import", "--database", restored, dump); err != nil {
		t.Fatalf("import: %v (%s)", err, out)
	}
	if _, err := os.Stat(restored); err != nil {
		t.Fatalf("restored database missing: %v", err)
	}
}

func TestCookiesRequiresDatabase(t *testing.T) {
	isolateConfig(t)
	t.Setenv("APPDATABACKUP_COOKIES_DATABASE", "")
	if _, err := runRoot(t, "cookies", "export"); err == nil {
		t.Fatalf("expected error without a database")
	}
}
