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

package sink

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/netwatchd/netwatchd/internal/model"
)

func TestOpenRemoteRejectsUnknownDriver(t *testing.T) {
	_, err := OpenRemote("sqlite3-but-not-really", "dsn")
	require.Error(t, err)
}

func TestEmbeddedSinkWritesAndQueries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conns.db")
	s, err := OpenEmbedded(path)
	require.NoError(t, err)
	defer s.Close()

	batch := []model.ConnectionRecord{{
		WindowStart: time.Now(),
		ExePath:     "/usr/bin/curl",
		ExeName:     "curl",
		ExeSHA256:   "abc123",
		ConnCount:   3,
		BytesSent:   100,
	}}
	require.NoError(t, s.Write(context.Background(), batch))

	sqlSink := s.(*sqlSink)
	row := sqlSink.db.QueryRow("SELECT exe, conn_count FROM connections WHERE sha256 = ?", "abc123")
	var exe string
	var count int64
	require.NoError(t, row.Scan(&exe, &count))
	require.Equal(t, "/usr/bin/curl", exe)
	require.Equal(t, int64(3), count)
}

func TestTextSinkStripsDelimitersAndPreservesFieldOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conns.log")
	s, err := OpenText(path)
	require.NoError(t, err)

	batch := []model.ConnectionRecord{{
		ExePath:   "/usr/bin/evil,name\nwith\x00junk",
		ExeName:   "evil",
		ExeSHA256: "deadbeef",
		ConnCount: 1,
	}}
	require.NoError(t, s.Write(context.Background(), batch))
	require.NoError(t, s.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := splitLines(string(data))
	require.Len(t, lines, 1, "a newline embedded in a field value must not split the record into two lines")

	fields := splitLine(lines[0])
	require.Len(t, fields, 16, "field count must match the fixed schema order regardless of stripped content")
	require.NotContains(t, fields[1], "\x00")
	require.Equal(t, "/usr/bin/evilnamewithjunk", fields[1])
}

func splitLines(s string) []string {
	s = strings.TrimSuffix(s, "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

func splitLine(s string) []string {
	var fields []string
	start := 0
	for i, c := range s {
		if c == ',' {
			fields = append(fields, s[start:i])
			start = i + 1
		}
	}
	fields = append(fields, s[start:])
	return fields
}

func TestFanoutWriteDoesNotBlockOnFailingSink(t *testing.T) {
	good := &recordingSink{name: "good"}
	bad := &failingSink{name: "bad"}
	f := NewFanout(good, bad)

	done := make(chan struct{})
	go func() {
		f.Write(context.Background(), []model.ConnectionRecord{{ExeName: "x"}})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Write blocked despite a failing sink")
	}
	require.Equal(t, 1, good.writes)
}

type recordingSink struct {
	name   string
	writes int
}

func (r *recordingSink) Name() string { return r.name }
func (r *recordingSink) Write(_ context.Context, batch []model.ConnectionRecord) error {
	r.writes++
	return nil
}
func (r *recordingSink) Close() error { return nil }

type failingSink struct{ name string }

func (f *failingSink) Name() string { return f.name }
func (f *failingSink) Write(_ context.Context, _ []model.ConnectionRecord) error {
	return context.DeadlineExceeded
}
func (f *failingSink) Close() error { return nil }
