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

// Package aggregate implements the time-windowed grouper of spec.md §4.6:
// enriched events accumulate in an in-memory multiset keyed by the §3
// grouping tuple, and at each window close the whole batch is emitted in
// one shot, clearing the buffer for the next window. The ticker-driven
// drain loop is grounded on dnswatch/snoop/snoop.go's Consumer.Watch, which
// uses the identical "accumulate into a map, ticker fires a drain" shape
// (there: per-DNS-transaction display rows; here: per-connection byte
// counters).
package aggregate

import (
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/netwatchd/netwatchd/internal/errs"
	"github.com/netwatchd/netwatchd/internal/health"
	"github.com/netwatchd/netwatchd/internal/model"
)

// bucket accumulates one grouping key's counters across a window.
type bucket struct {
	rec      model.ConnectionRecord
	earliest int64 // ns, earliest constituent Raw.TsNs
}

// PendingHash describes an event still waiting on a hash at window close;
// the Aggregator never delays a window for this (spec.md §4.6: "never delay
// the window").
type PendingHash struct {
	ExeID   model.ExeId
	Waiting chan struct{} // closed when the hash resolves, for best-effort late attach
}

// Aggregator groups model.EnrichedEvent into model.ConnectionRecord batches
// on a fixed window.
type Aggregator struct {
	window  time.Duration
	onFault func(error)

	mu        sync.Mutex
	buckets   map[model.GroupKey]*bucket
	latencies []float64 // hash-resolution latency observed this window, for gonum stats

	in  chan model.EnrichedEvent
	out chan []model.ConnectionRecord

	stop       chan struct{}
	done       chan struct{}
	ingestDone chan struct{}
}

// inQueueSize bounds the Monitor->Aggregator hop (spec.md §4.6: "the
// Monitor->Aggregator channel is bounded"); it is sized generously above
// the Probe->Monitor rawEventBuffer so normal bursts never trip the drop
// path, which only engages once the Aggregator's own fold loop is genuinely
// falling behind.
const inQueueSize = 4096

// New builds an Aggregator with the given window size. A window of zero (or
// sub-second) is explicitly supported per spec.md §8's boundary test: it
// simply emits a batch-per-tick with a correspondingly short ticker, never
// deadlocking. onFault is called (possibly nil) whenever back-pressure
// forces an event to be dropped, per spec.md §7's "surfaced to the user"
// rule; it may be nil in tests that don't care.
func New(window time.Duration, onFault func(error)) *Aggregator {
	a := &Aggregator{
		window:     window,
		onFault:    onFault,
		buckets:    make(map[model.GroupKey]*bucket),
		in:         make(chan model.EnrichedEvent, inQueueSize),
		out:        make(chan []model.ConnectionRecord, 8),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		ingestDone: make(chan struct{}),
	}
	go a.runIngest()
	go a.run()
	return a
}

// Batches is the channel grouped records are published on, in window-close
// order (spec.md §5: "Aggregator batches are emitted in window-close
// order").
func (a *Aggregator) Batches() <-chan []model.ConnectionRecord {
	return a.out
}

// Add enqueues ev for folding into the current window's buckets. Per
// spec.md §4.6, the Monitor never blocks on this call: when the queue is
// full, the oldest buffered event is dropped to make room for ev, a loss
// diagnostic is logged, and the loss is surfaced via onFault and the
// QueueLoss health counter — dropping is visible, never silent.
func (a *Aggregator) Add(ev model.EnrichedEvent) {
	select {
	case a.in <- ev:
		return
	default:
	}

	select {
	case <-a.in:
		a.reportQueueLoss()
	default:
	}

	select {
	case a.in <- ev:
	default:
		// Lost the race against another producer refilling the slot;
		// dropping the incoming event instead is equally visible.
		a.reportQueueLoss()
	}
}

func (a *Aggregator) reportQueueLoss() {
	health.IncQueueLoss(1)
	if a.onFault != nil {
		a.onFault(errs.New(errs.KindQueueLoss, "monitor->aggregator queue full, dropped oldest event"))
	}
}

// runIngest drains the bounded queue Add feeds and folds each event into
// the current window's buckets; it is the sole writer of a.buckets besides
// flush, so flush's map swap under a.mu is race-free against it. On a.stop
// it drains whatever is already buffered before signalling ingestDone, so
// run's final flush sees every event that was queued before shutdown began
// (a.in itself is never closed, so a late Add from a still-shutting-down
// producer never panics on a send to a closed channel).
func (a *Aggregator) runIngest() {
	for {
		select {
		case ev := <-a.in:
			a.fold(ev)
		case <-a.stop:
			for {
				select {
				case ev := <-a.in:
					a.fold(ev)
				default:
					close(a.ingestDone)
					return
				}
			}
		}
	}
}

// fold folds one enriched event into the current window's buckets. A
// missing hash is represented inline as HashError on the record that would
// otherwise be emitted at window close, rather than held back.
func (a *Aggregator) fold(ev model.EnrichedEvent) {
	exeHash := ev.Lineage.Self.ExeHash
	parentHash := ev.Lineage.Parent.ExeHash
	remote := ev.RemoteDomain
	if remote == "" && ev.Raw.RemoteIP != nil {
		remote = ev.Raw.RemoteIP.String()
	}
	key := model.Key(exeHash, parentHash, ev.Lineage.Self.Uid, remote, ev.Raw.RemotePort)

	a.mu.Lock()
	defer a.mu.Unlock()

	b, ok := a.buckets[key]
	if !ok {
		b = &bucket{rec: model.ConnectionRecord{
			ExePath:       ev.Lineage.Self.ExePath,
			ExeName:       ev.Lineage.Self.Name,
			ExeSHA256:     exeHash,
			HashError:     ev.Lineage.Self.HashErr,
			Cmdline:       ev.Lineage.Self.Cmdline,
			Uid:           ev.Lineage.Self.Uid,
			RemoteDom:     ev.RemoteDomain,
			RemotePort:    ev.Raw.RemotePort,
			ParentExe:     ev.Lineage.Parent.ExePath,
			ParentName:    ev.Lineage.Parent.Name,
			ParentCmdline: ev.Lineage.Parent.Cmdline,
			ParentSHA256:  parentHash,
			LogIgnored:    ev.LogIgnored,
		}}
		if ev.Raw.RemoteIP != nil {
			b.rec.RemoteIP = ev.Raw.RemoteIP.String()
		}
		a.buckets[key] = b
	} else if !ev.LogIgnored {
		// A grouping key shared by both an ignored and a non-ignored event
		// (possible when "Log ignore" matches by subnet rather than by the
		// domain/port/hash the key is built from) must not be dropped.
		b.rec.LogIgnored = false
	}

	switch ev.Raw.Direction {
	case model.DirSend:
		b.rec.BytesSent += ev.Raw.Bytes
	case model.DirRecv:
		b.rec.BytesReceived += ev.Raw.Bytes
	}
	b.rec.ConnCount++

	if ev.Raw.TsNs > 0 && (b.earliest == 0 || ev.Raw.TsNs < b.earliest) {
		b.earliest = ev.Raw.TsNs
	}
}

func (a *Aggregator) run() {
	defer close(a.done)
	defer close(a.out)
	if a.window <= 0 {
		// Boundary behavior per spec.md §8: emit per-event batches without
		// deadlocking rather than dividing by zero on a ticker.
		for {
			select {
			case <-a.stop:
				<-a.ingestDone
				a.flush()
				return
			default:
				a.flush()
				time.Sleep(time.Millisecond)
			}
		}
	}
	ticker := time.NewTicker(a.window)
	defer ticker.Stop()
	for {
		select {
		case <-a.stop:
			<-a.ingestDone
			a.flush()
			return
		case <-ticker.C:
			a.flush()
		}
	}
}

func (a *Aggregator) flush() {
	a.mu.Lock()
	if len(a.buckets) == 0 {
		a.mu.Unlock()
		return
	}
	batch := make([]model.ConnectionRecord, 0, len(a.buckets))
	for _, b := range a.buckets {
		if b.earliest > 0 {
			b.rec.WindowStart = time.Unix(0, b.earliest)
		} else {
			b.rec.WindowStart = time.Now()
		}
		batch = append(batch, b.rec)
	}
	a.buckets = make(map[model.GroupKey]*bucket)
	a.latencies = nil
	a.mu.Unlock()

	a.out <- batch
}

// Shutdown closes the current window early and flushes, per spec.md §5's
// cancellation contract ("the Aggregator closes its current window early
// and flushes"). It blocks until the run loop has exited.
func (a *Aggregator) Shutdown() {
	close(a.stop)
	<-a.done
}

// LatencyQuantiles reports p50/p95/p99 of hash-resolution latencies
// recorded this window via RecordHashLatency, computed with gonum/stat the
// same way goose/stats.AggregateLatencies computes query-latency quantiles.
func (a *Aggregator) LatencyQuantiles() (p50, p95, p99 float64) {
	a.mu.Lock()
	samples := append([]float64(nil), a.latencies...)
	a.mu.Unlock()

	if len(samples) == 0 {
		return 0, 0, 0
	}
	sort.Float64s(samples)
	return stat.Quantile(0.50, stat.Empirical, samples, nil),
		stat.Quantile(0.95, stat.Empirical, samples, nil),
		stat.Quantile(0.99, stat.Empirical, samples, nil)
}

// RecordHashLatency feeds one observed hash-completion latency (seconds)
// into the current window's distribution.
func (a *Aggregator) RecordHashLatency(seconds float64) {
	a.mu.Lock()
	a.latencies = append(a.latencies, seconds)
	a.mu.Unlock()
}
