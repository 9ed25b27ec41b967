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

package monitor

import (
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/netwatchd/netwatchd/internal/model"
)

type fakeSink struct {
	mu   sync.Mutex
	recv []model.EnrichedEvent
}

func (f *fakeSink) Add(ev model.EnrichedEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recv = append(f.recv, ev)
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.recv)
}

func (f *fakeSink) last() model.EnrichedEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.recv[len(f.recv)-1]
}

func TestHandleRawResolvesSelfHash(t *testing.T) {
	if _, err := os.Readlink("/proc/self/exe"); err != nil {
		t.Skip("requires /proc")
	}
	sink := &fakeSink{}
	m := New(8, 2, nil, false, time.Second, sink, nil)
	defer m.Close()

	m.HandleRaw(model.RawEvent{
		Pid:        os.Getpid(),
		Direction:  model.DirSend,
		Bytes:      1024,
		RemotePort: 443,
	})

	require.Eventually(t, func() bool { return sink.count() >= 1 }, 2*time.Second, 10*time.Millisecond)
	ev := sink.last()
	require.NotEmpty(t, ev.Lineage.Self.ExeHash)
	require.Empty(t, ev.Lineage.Self.HashErr)
}

func TestHandleRawExecOnlyDroppedWithoutEveryExe(t *testing.T) {
	if _, err := os.Readlink("/proc/self/exe"); err != nil {
		t.Skip("requires /proc")
	}
	sink := &fakeSink{}
	m := New(8, 2, nil, false, time.Second, sink, nil)
	defer m.Close()

	m.HandleRaw(model.RawEvent{Pid: os.Getpid(), Direction: model.DirExecOnly})

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 0, sink.count())
}

func TestHandleRawExecOnlyForwardedWithEveryExe(t *testing.T) {
	if _, err := os.Readlink("/proc/self/exe"); err != nil {
		t.Skip("requires /proc")
	}
	sink := &fakeSink{}
	m := New(8, 2, nil, true, time.Second, sink, nil)
	defer m.Close()

	m.HandleRaw(model.RawEvent{Pid: os.Getpid(), Direction: model.DirExecOnly, RemotePort: -1})

	require.Eventually(t, func() bool { return sink.count() >= 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestSecondEventReusesCachedHash(t *testing.T) {
	if _, err := os.Readlink("/proc/self/exe"); err != nil {
		t.Skip("requires /proc")
	}
	sink := &fakeSink{}
	m := New(8, 2, nil, false, time.Second, sink, nil)
	defer m.Close()

	m.HandleRaw(model.RawEvent{Pid: os.Getpid(), Direction: model.DirSend, Bytes: 10, RemotePort: 1})
	require.Eventually(t, func() bool { return sink.count() >= 1 }, 2*time.Second, 10*time.Millisecond)
	firstHash := sink.last().Lineage.Self.ExeHash
	require.NotEmpty(t, firstHash)

	m.HandleRaw(model.RawEvent{Pid: os.Getpid(), Direction: model.DirSend, Bytes: 20, RemotePort: 1})
	require.Eventually(t, func() bool { return sink.count() >= 2 }, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, firstHash, sink.last().Lineage.Self.ExeHash)
}

// TestPendingEventFlushedWithHashTimeout holds an event for an ExeId whose
// hash never arrives and checks the window sweep flushes it with a
// HashTimeout marker rather than holding it forever (spec.md §4.2 step 2,
// §4.6: "never delay the window").
func TestPendingEventFlushedWithHashTimeout(t *testing.T) {
	sink := &fakeSink{}
	m := New(8, 2, nil, false, 5*time.Millisecond, sink, nil)
	defer m.Close()

	id := model.ExeId{Device: 999, Inode: 999}
	m.dispatch(model.EnrichedEvent{
		Raw: model.RawEvent{Pid: 1, Direction: model.DirSend, Bytes: 1},
		Lineage: model.Lineage{
			Self: model.ProcInfo{Pid: 1, ExeID: id, HashErr: pendingSentinel},
		},
	})

	require.Eventually(t, func() bool { return sink.count() >= 1 }, time.Second, 5*time.Millisecond)
	ev := sink.last()
	require.Empty(t, ev.Lineage.Self.ExeHash)
	require.Contains(t, ev.Lineage.Self.HashErr, "HashTimeout")
}
