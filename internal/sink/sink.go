/*
Copyright (c) Facebook, Inc. and its affiliates.
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at
    http://www.apache.org/licenses/LICENSE-2.0
Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package sink implements the Sink Fanout of spec.md §4.8: every grouped
// batch is written to each enabled sink independently, so one sink's
// failure never blocks another or the pipeline behind it. The driver
// selection for the optional remote relational sink is the same factory
// shape as dnsrocks/db/db.go's Open(name, driver string) — there switching
// on "cdb"/"rocksdb", here on "postgres"/"mysql" — right down to rejecting
// an unrecognized driver name rather than silently picking one.
package sink

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	log "github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
	"golang.org/x/time/rate"

	"github.com/netwatchd/netwatchd/internal/errs"
	"github.com/netwatchd/netwatchd/internal/model"
)

// schemaDDL is the fixed column order of spec.md §6's embedded/remote sink
// table and text sink line.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS connections (
	window_start_ts INTEGER,
	exe             TEXT,
	name            TEXT,
	cmdline         TEXT,
	sha256          TEXT,
	domain          TEXT,
	ip              TEXT,
	port            INTEGER,
	uid             INTEGER,
	parent_exe      TEXT,
	parent_name     TEXT,
	parent_cmdline  TEXT,
	parent_sha256   TEXT,
	conn_count      INTEGER,
	bytes_sent      INTEGER,
	bytes_received  INTEGER
)`

const insertDML = `INSERT INTO connections
	(window_start_ts, exe, name, cmdline, sha256, domain, ip, port, uid,
	 parent_exe, parent_name, parent_cmdline, parent_sha256,
	 conn_count, bytes_sent, bytes_received)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// Sink is one fanout destination.
type Sink interface {
	// Write persists a batch. Errors are the caller's (Fanout's) concern to
	// retry; Write itself must not retry internally.
	Write(ctx context.Context, batch []model.ConnectionRecord) error
	Close() error
	Name() string
}

// Fanout owns a set of Sinks and writes every batch to each of them
// independently, retrying a failing sink with exponential backoff without
// blocking the others (spec.md §4.8).
type Fanout struct {
	sinks []Sink

	mu      sync.Mutex
	backoff map[string]time.Duration
}

// NewFanout builds a Fanout over the given sinks.
func NewFanout(sinks ...Sink) *Fanout {
	return &Fanout{sinks: sinks, backoff: make(map[string]time.Duration)}
}

const (
	minBackoff = 500 * time.Millisecond
	maxBackoff = 30 * time.Second
)

// Write dispatches batch to every sink concurrently. A sink's failure is
// logged and its backoff is advanced; the Fanout itself never returns an
// error, matching "must not block other sinks or the pipeline".
func (f *Fanout) Write(ctx context.Context, batch []model.ConnectionRecord) {
	var wg sync.WaitGroup
	for _, s := range f.sinks {
		s := s
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.writeOne(ctx, s, batch)
		}()
	}
	wg.Wait()
}

func (f *Fanout) writeOne(ctx context.Context, s Sink, batch []model.ConnectionRecord) {
	f.mu.Lock()
	wait := f.backoff[s.Name()]
	f.mu.Unlock()
	if wait > 0 {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return
		}
	}

	if err := s.Write(ctx, batch); err != nil {
		log.WithError(err).WithField("sink", s.Name()).Warn("sink: write failed, backing off")
		f.mu.Lock()
		next := f.backoff[s.Name()] * 2
		if next < minBackoff {
			next = minBackoff
		}
		if next > maxBackoff {
			next = maxBackoff
		}
		f.backoff[s.Name()] = next
		f.mu.Unlock()
		return
	}

	f.mu.Lock()
	delete(f.backoff, s.Name())
	f.mu.Unlock()
}

// Close tears down every sink, collecting (not short-circuiting on) errors.
func (f *Fanout) Close() error {
	var firstErr error
	for _, s := range f.sinks {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// sqlSink is the shared implementation behind both the embedded SQLite sink
// and the optional remote relational sink: both speak database/sql against
// the fixed schema above, differing only in driver name and DSN.
type sqlSink struct {
	name string
	db   *sql.DB
}

// OpenEmbedded opens (creating if absent) the embedded SQLite store at path.
// The daemon opens it when db.sql_log is set, which is the default.
func OpenEmbedded(path string) (Sink, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errs.Wrap(errs.KindSinkFailure, err).With("path", path)
	}
	if _, err := db.Exec(schemaDDL); err != nil {
		db.Close()
		return nil, errs.Wrap(errs.KindSinkFailure, err).With("path", path)
	}
	return &sqlSink{name: "embedded", db: db}, nil
}

// OpenRemote opens the optional remote relational sink, selecting the
// database/sql driver by name. Exactly mirrors dnsrocks/db.Open's
// unknown-driver rejection (spec.md §9 Open Question: "reject unknown
// driver names with a config error rather than silently picking one").
func OpenRemote(driver, dsn string) (Sink, error) {
	var sqlDriverName string
	switch driver {
	case "postgres":
		sqlDriverName = "postgres"
	case "mysql":
		sqlDriverName = "mysql"
	default:
		return nil, errs.New(errs.KindConfigInvalid,
			fmt.Sprintf("%s: invalid argument; valid values are: postgres, mysql", driver))
	}
	db, err := sql.Open(sqlDriverName, dsn)
	if err != nil {
		return nil, errs.Wrap(errs.KindSinkFailure, err).With("driver", driver)
	}
	if _, err := db.Exec(schemaDDL); err != nil {
		db.Close()
		return nil, errs.Wrap(errs.KindSinkFailure, err).With("driver", driver)
	}
	return &sqlSink{name: "remote-" + driver, db: db}, nil
}

// DBProvider is implemented by sinks that expose their underlying
// *sql.DB for maintenance tasks outside the Sink interface itself, such as
// the embedded store's retention sweep (spec.md §4.8).
type DBProvider interface {
	DB() *sql.DB
}

// DB returns the underlying connection, satisfying DBProvider.
func (s *sqlSink) DB() *sql.DB { return s.db }

func (s *sqlSink) Name() string { return s.name }

func (s *sqlSink) Write(ctx context.Context, batch []model.ConnectionRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.Wrap(errs.KindSinkFailure, err).With("sink", s.name)
	}
	stmt, err := tx.PrepareContext(ctx, insertDML)
	if err != nil {
		tx.Rollback()
		return errs.Wrap(errs.KindSinkFailure, err).With("sink", s.name)
	}
	defer stmt.Close()

	for _, rec := range batch {
		if _, err := stmt.ExecContext(ctx,
			rec.WindowStart.Unix(), rec.ExePath, rec.ExeName, rec.Cmdline, rec.ExeSHA256,
			rec.RemoteDom, rec.RemoteIP, rec.RemotePort, rec.Uid,
			rec.ParentExe, rec.ParentName, rec.ParentCmdline, rec.ParentSHA256,
			rec.ConnCount, rec.BytesSent, rec.BytesReceived,
		); err != nil {
			tx.Rollback()
			return errs.Wrap(errs.KindSinkFailure, err).With("sink", s.name)
		}
	}
	if err := tx.Commit(); err != nil {
		return errs.Wrap(errs.KindSinkFailure, err).With("sink", s.name)
	}
	return nil
}

func (s *sqlSink) Close() error {
	return s.db.Close()
}

// RunRetentionSweep periodically deletes rows older than retentionDays from
// the embedded sink, paced by a rate limiter the way
// gravwell-gravwell/ingest paces its own periodic maintenance work, so a
// very frequent sweep interval never monopolizes the embedded store's lock.
func RunRetentionSweep(ctx context.Context, db *sql.DB, retentionDays int, interval time.Duration) {
	if retentionDays <= 0 {
		return
	}
	limiter := rate.NewLimiter(rate.Every(interval), 1)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := limiter.Wait(ctx); err != nil {
				return
			}
			cutoff := time.Now().AddDate(0, 0, -retentionDays).Unix()
			if _, err := db.ExecContext(ctx, "DELETE FROM connections WHERE window_start_ts < ?", cutoff); err != nil {
				log.WithError(err).Warn("sink: retention sweep failed")
			}
		}
	}
}

// textSink appends one comma-separated line per record to a log file, in
// the exact field order spec.md §6 fixes for the embedded schema.
type textSink struct {
	path string
	mu   sync.Mutex
	f    *os.File
}

// OpenText opens (appending, creating if absent) the optional text sink.
func OpenText(path string) (Sink, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errs.Wrap(errs.KindSinkFailure, err).With("path", path)
	}
	return &textSink{path: path, f: f}, nil
}

func (t *textSink) Name() string { return "text" }

// stripDelimiters removes commas, newlines, and NULs from a value so a
// single malicious or malformed field can never desynchronize the fixed
// column order of a line (spec.md §4.8/§8).
func stripDelimiters(s string) string {
	replacer := strings.NewReplacer(",", "", "\n", "", "\r", "", "\x00", "")
	return replacer.Replace(s)
}

func (t *textSink) Write(_ context.Context, batch []model.ConnectionRecord) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var b strings.Builder
	for _, rec := range batch {
		fields := []string{
			fmt.Sprintf("%d", rec.WindowStart.Unix()),
			rec.ExePath, rec.ExeName, rec.Cmdline, rec.ExeSHA256,
			rec.RemoteDom, rec.RemoteIP, fmt.Sprintf("%d", rec.RemotePort), fmt.Sprintf("%d", rec.Uid),
			rec.ParentExe, rec.ParentName, rec.ParentCmdline, rec.ParentSHA256,
			fmt.Sprintf("%d", rec.ConnCount), fmt.Sprintf("%d", rec.BytesSent), fmt.Sprintf("%d", rec.BytesReceived),
		}
		for i, v := range fields {
			fields[i] = stripDelimiters(v)
		}
		b.WriteString(strings.Join(fields, ","))
		b.WriteByte('\n')
	}
	if _, err := t.f.WriteString(b.String()); err != nil {
		return errs.Wrap(errs.KindSinkFailure, err).With("path", t.path)
	}
	return nil
}

func (t *textSink) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.f.Close()
}
