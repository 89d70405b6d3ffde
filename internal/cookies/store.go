// Package cookies dumps the SQLite cookie store to the SQL text file the
// backup participant reports, and replays such a dump after a restore.
package cookies

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver

	"appdatabackupd/internal/events"
)

// Status codes carried in events.DbBackupStatus.Err.
const (
	StatusOK       = 0
	StatusFailed   = 1
	StatusNotFound = 2
)

var ErrNoDatabase = errors.New("cookies: no cookie database configured")

// Store is a SQLite cookie database identified on the event bus by AppID.
type Store struct {
	database string
	appID    string
	events   *events.Bus
	log      zerolog.Logger
}

// NewStore returns a Store for the database at path. evts may be nil.
func NewStore(path, appID string, evts *events.Bus, log zerolog.Logger) *Store {
	return &Store{
		database: path,
		appID:    appID,
		events:   evts,
		log:      log.With().Str("component", "cookies").Logger(),
	}
}

// Database returns the path of the cookie database.
func (s *Store) Database() string { return s.database }

// Export writes an SQL dump of the database to dest, replacing any previous
// dump atomically. Dump started/stopped statuses are published around it.
func (s *Store) Export(ctx context.Context, dest string) error {
	s.publish(events.TopicDbDumpStarted, StatusOK)
	err := s.export(ctx, dest)
	s.publish(events.TopicDbDumpStopped, statusFor(err))
	if err != nil {
		s.log.Warn().Err(err).Str("dest", dest).Msg("cookie export failed")
		return err
	}
	s.log.Debug().Str("dest", dest).Msg("cookie database exported")
	return nil
}

// Import rebuilds the database from the SQL dump at src. The previous database
// is replaced only once the dump has been replayed successfully.
func (s *Store) Import(ctx context.Context, src string) error {
	s.publish(events.TopicDbRestoreStarted, StatusOK)
	err := s.restore(ctx, src)
	s.publish(events.TopicDbRestoreStopped, statusFor(err))
	if err != nil {
		s.log.Warn().Err(err).Str("src", src).Msg("cookie import failed")
		return err
	}
	s.log.Info().Str("src", src).Msg("cookie database restored")
	return nil
}

func (s *Store) publish(topic events.Topic, code int) {
	if s.events == nil {
		return
	}
	s.events.Publish(events.Event{Topic: topic, Payload: events.DbBackupStatus{URL: s.appID, Err: code}})
}

func statusFor(err error) int {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, os.ErrNotExist), errors.Is(err, ErrNoDatabase):
		return StatusNotFound
	default:
		return StatusFailed
	}
}

func (s *Store) export(ctx context.Context, dest string) error {
	if s.database == "" {
		return ErrNoDatabase
	}
	if _, err := os.Stat(s.database); err != nil {
		return fmt.Errorf("cookies: stat database: %w", err)
	}
	db, err := sql.Open("sqlite", buildSQLiteDSN(s.database, true))
	if err != nil {
		return fmt.Errorf("cookies: open database: %w", err)
	}
	defer db.Close()

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".cookies-export-*.sql")
	if err != nil {
		return err
	}
	success := false
	defer func() {
		if !success {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	w := bufio.NewWriter(tmp)
	if err := dumpDatabase(ctx, db, w); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return err
	}
	success = true
	return nil
}

func (s *Store) restore(ctx context.Context, src string) error {
	if s.database == "" {
		return ErrNoDatabase
	}
	script, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("cookies: read dump: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.database), 0o755); err != nil {
		return err
	}
	tmpPath := s.database + ".restore-tmp"
	os.Remove(tmpPath)
	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	db, err := sql.Open("sqlite", buildSQLiteDSN(tmpPath, false))
	if err != nil {
		return fmt.Errorf("cookies: create database: %w", err)
	}
	if _, err := db.ExecContext(ctx, string(script)); err != nil {
		db.Close()
		return fmt.Errorf("cookies: replay dump: %w", err)
	}
	if err := db.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, s.database); err != nil {
		return err
	}
	success = true
	return nil
}

type schemaEntry struct {
	kind string
	name string
	sql  string
}

// dumpDatabase writes tables (schema then rows), the AUTOINCREMENT counters,
// then indexes, views and triggers, wrapped in a single transaction.
func dumpDatabase(ctx context.Context, db *sql.DB, w io.Writer) error {
	rows, err := db.QueryContext(ctx, `SELECT type, name, sql FROM sqlite_master
		WHERE sql IS NOT NULL AND name NOT LIKE 'sqlite_%'
		ORDER BY CASE type WHEN 'table' THEN 0 ELSE 1 END, name`)
	if err != nil {
		return fmt.Errorf("cookies: read schema: %w", err)
	}
	var entries []schemaEntry
	for rows.Next() {
		var e schemaEntry
		if err := rows.Scan(&e.kind, &e.name, &e.sql); err != nil {
			rows.Close()
			return err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	if _, err := io.WriteString(w, "PRAGMA foreign_keys=OFF;\nBEGIN TRANSACTION;\n"); err != nil {
		return err
	}
	sequenceDone := false
	for _, e := range entries {
		if e.kind != "table" && !sequenceDone {
			if err := dumpSequence(ctx, db, w); err != nil {
				return err
			}
			sequenceDone = true
		}
		if _, err := fmt.Fprintf(w, "%s;\n", e.sql); err != nil {
			return err
		}
		if e.kind != "table" {
			continue
		}
		if err := dumpRows(ctx, db, e.name, w); err != nil {
			return err
		}
	}
	if !sequenceDone {
		if err := dumpSequence(ctx, db, w); err != nil {
			return err
		}
	}
	_, err = io.WriteString(w, "COMMIT;\n")
	return err
}

// dumpSequence carries sqlite_sequence over so AUTOINCREMENT keys of deleted
// rows are not reused after a restore. The table is created implicitly by the
// AUTOINCREMENT tables replayed before it.
func dumpSequence(ctx context.Context, db *sql.DB, w io.Writer) error {
	var n int
	if err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'sqlite_sequence'`).Scan(&n); err != nil {
		return fmt.Errorf("cookies: read sqlite_sequence: %w", err)
	}
	if n == 0 {
		return nil
	}
	if _, err := io.WriteString(w, "DELETE FROM sqlite_sequence;\n"); err != nil {
		return err
	}
	return dumpRows(ctx, db, "sqlite_sequence", w)
}

func dumpRows(ctx context.Context, db *sql.DB, table string, w io.Writer) error {
	ident := quoteIdent(table)
	rows, err := db.QueryContext(ctx, "SELECT * FROM "+ident)
	if err != nil {
		return fmt.Errorf("cookies: read %s: %w", table, err)
	}
	defer rows.Close()
	cols, err := rows.Columns()
	if err != nil {
		return err
	}
	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return err
		}
		literals := make([]string, len(values))
		for i, v := range values {
			literals[i] = sqlLiteral(v)
		}
		if _, err := fmt.Fprintf(w, "INSERT INTO %s VALUES(%s);\n", ident, strings.Join(literals, ",")); err != nil {
			return err
		}
	}
	return rows.Err()
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func quoteString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func sqlLiteral(v any) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return realLiteral(x)
	case bool:
		if x {
			return "1"
		}
		return "0"
	case []byte:
		return "X'" + hex.EncodeToString(x) + "'"
	case string:
		return quoteString(x)
	case time.Time:
		return quoteString(x.Format(time.RFC3339Nano))
	default:
		return quoteString(fmt.Sprint(x))
	}
}

// realLiteral keeps REAL values REAL on replay: the text always has a '.' or
// an exponent, and infinities use the overflowing literals sqlite3 reads back
// as Inf.
func realLiteral(f float64) string {
	switch {
	case math.IsInf(f, 1):
		return "9e999"
	case math.IsInf(f, -1):
		return "-9e999"
	case math.IsNaN(f):
		return "NULL"
	}
	s := strconv.FormatFloat(f, 'g', -1, 64)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return s
}

func buildSQLiteDSN(path string, readOnly bool) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	abs = filepath.ToSlash(abs)
	if !strings.HasPrefix(abs, "/") {
		abs = "/" + abs
	}
	u := &url.URL{Scheme: "file", Path: abs}
	if readOnly {
		u.RawQuery = "mode=ro"
	}
	return u.String()
}
