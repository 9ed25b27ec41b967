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

package notify

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/netwatchd/netwatchd/internal/model"
)

type recordingNotifier struct {
	events []Event
}

func (r *recordingNotifier) Notify(ev Event) {
	r.events = append(r.events, ev)
}

func TestDispatchDeliversToEveryNotifier(t *testing.T) {
	a, b := &recordingNotifier{}, &recordingNotifier{}
	d := New(time.Hour, a, b)

	d.Dispatch(Event{Kind: model.NoveltyNewExecutable, Subject: "/usr/bin/curl"})

	require.Len(t, a.events, 1)
	require.Len(t, b.events, 1)
}

func TestDispatchSuppressesWithinDedupWindow(t *testing.T) {
	a := &recordingNotifier{}
	d := New(time.Hour, a)

	ev := Event{Kind: model.NoveltyNewExecutable, Subject: "/usr/bin/curl"}
	d.Dispatch(ev)
	d.Dispatch(ev)

	require.Len(t, a.events, 1)
}

func TestDispatchDistinguishesSubjectsAndKinds(t *testing.T) {
	a := &recordingNotifier{}
	d := New(time.Hour, a)

	d.Dispatch(Event{Kind: model.NoveltyNewExecutable, Subject: "/usr/bin/curl"})
	d.Dispatch(Event{Kind: model.NoveltyNewHashForExecutable, Subject: "/usr/bin/curl"})
	d.Dispatch(Event{Kind: model.NoveltyNewExecutable, Subject: "/bin/bash"})
	d.Dispatch(Event{ErrorKind: "RingLoss", Subject: "probe"})

	require.Len(t, a.events, 4)
}

func TestDispatchAllowsRepeatAfterWindowElapses(t *testing.T) {
	a := &recordingNotifier{}
	d := New(time.Millisecond, a)

	ev := Event{Kind: model.NoveltyNewExecutable, Subject: "/usr/bin/curl"}
	d.Dispatch(ev)
	time.Sleep(5 * time.Millisecond)
	d.Dispatch(ev)

	require.Len(t, a.events, 2)
}

func TestLoggingNotifierDoesNotPanic(t *testing.T) {
	require.NotPanics(t, func() {
		Logging{}.Notify(Event{Kind: model.NoveltyNewExecutable, Subject: "/usr/bin/curl"})
		Logging{}.Notify(Event{ErrorKind: "RingLoss", Subject: "probe"})
	})
}
