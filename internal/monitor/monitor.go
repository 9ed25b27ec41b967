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

// Package monitor implements the Monitor of spec.md §4.2: for every raw
// event off the Kernel Probe it resolves the producing process's identity
// (and its parent's), asks the Exe Cache for a known hash or schedules one
// on the Hasher Pool, applies the configured log-ignore filter, and forwards
// an enriched event onward — without ever blocking the drain loop on a hash
// that hasn't come back yet. The drain-loop shape (one goroutine consuming a
// channel, dispatching to bounded worker pools, handing results to a
// downstream sink) is grounded on dnswatch/snoop/snoop.go's Consumer, which
// does the identical job for DNS packets instead of socket events.
package monitor

import (
	"os"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/netwatchd/netwatchd/internal/config"
	"github.com/netwatchd/netwatchd/internal/errs"
	"github.com/netwatchd/netwatchd/internal/execache"
	"github.com/netwatchd/netwatchd/internal/hash"
	"github.com/netwatchd/netwatchd/internal/health"
	"github.com/netwatchd/netwatchd/internal/model"
	"github.com/netwatchd/netwatchd/internal/procutil"
	"github.com/netwatchd/netwatchd/internal/tamper"
)

// Sink is whatever downstream consumes enriched events; the Aggregator
// satisfies this via its Add method.
type Sink interface {
	Add(model.EnrichedEvent)
}

// pending tracks an ExeId awaiting a hash result so any event for it, seen
// while the hash is still in flight, gets attached once the result lands
// rather than re-submitted. deadline is when the held events must instead
// be flushed with a HashTimeout marker, per spec.md §4.2/§4.6's "never
// delay the window" rule.
type pending struct {
	events   []model.EnrichedEvent
	deadline time.Time
}

// Monitor ties the Exe Cache, Hasher Pool, and Tamper Watcher together.
type Monitor struct {
	cache   *execache.Cache
	hashers *hash.Pool
	watcher *tamper.Watcher
	sink    Sink
	ignore  *config.LogIgnore

	everyExe bool
	window   time.Duration

	onFault func(error)

	mu            sync.Mutex
	pending       map[model.ExeId]*pending
	inFlightPaths map[model.ExeId]string

	stop chan struct{}
}

// New builds a Monitor. cacheSize bounds the Exe Cache (derived from the
// configured descriptor budget); hashWorkers sizes the Hasher Pool; window
// is the Aggregator's window size W, used to bound how long an event may be
// held waiting on its executable's hash before it is flushed with a
// HashTimeout marker instead (spec.md §4.2 step 2, §4.6).
func New(cacheSize, hashWorkers int, ignore *config.LogIgnore, everyExe bool, window time.Duration, sink Sink, onFault func(error)) *Monitor {
	m := &Monitor{
		sink:          sink,
		ignore:        ignore,
		everyExe:      everyExe,
		window:        window,
		onFault:       onFault,
		pending:       make(map[model.ExeId]*pending),
		inFlightPaths: make(map[model.ExeId]string),
		stop:          make(chan struct{}),
	}
	m.hashers = hash.NewPool(hashWorkers)
	m.watcher = tamper.New(m.onPathInvalidated, onFault)

	cache, err := execache.New(cacheSize, m.onEvict)
	if err != nil {
		// lru.NewWithEvict only fails on size <= 0, which execache.New
		// already clamps away; this branch exists purely so a future change
		// to that clamp fails loudly instead of panicking downstream.
		log.WithError(err).Fatal("monitor: failed to construct exe cache")
	}
	m.cache = cache

	if m.watcher.Degraded() {
		// spec.md §4.5's degrade path: the kernel notification facility is
		// unavailable or exhausted, so fall back to polling re-stat instead
		// of never detecting tamper at all.
		go m.watcher.RunFallbackLoop(m.stop, fallbackPollInterval, statExeID)
	}

	go m.drainHashResults()
	go m.runWindowSweep()
	return m
}

// fallbackPollInterval is how often RunFallbackLoop re-stats every watched
// path when the Tamper Watcher has degraded to polling.
const fallbackPollInterval = 2 * time.Second

// maxSweepInterval bounds how often runWindowSweep checks for expired
// pending hashes, independent of the configured window size, so a
// disabled (W=0) or unusually large window still flushes a stuck hash
// promptly rather than only at the next tick of W itself.
const maxSweepInterval = 200 * time.Millisecond

// pendingDeadline returns the minimum of m.window and maxSweepInterval, the
// effective amount of time an event may wait on its ExeId's hash before it
// is flushed with a HashTimeout marker.
func (m *Monitor) pendingDeadline() time.Duration {
	if m.window <= 0 || m.window > maxSweepInterval {
		return maxSweepInterval
	}
	return m.window
}

// runWindowSweep periodically flushes any event held past its window
// deadline with a HashTimeout marker, per spec.md §4.2 step 2 ("if not
// [resolved] within window, they are flushed at window close with an error
// marker") and §4.6 ("never delay the window").
func (m *Monitor) runWindowSweep() {
	interval := m.pendingDeadline()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.sweepExpiredPending()
		}
	}
}

// sweepExpiredPending flushes every pending entry whose deadline has
// passed. The hash job backing it keeps running; its eventual result still
// populates the Exe Cache via attachResult so later events for the same
// ExeId benefit from it, per spec.md §4.6.
func (m *Monitor) sweepExpiredPending() {
	now := time.Now()
	m.mu.Lock()
	var expired []*pending
	for id, p := range m.pending {
		if !p.deadline.After(now) {
			expired = append(expired, p)
			delete(m.pending, id)
		}
	}
	m.mu.Unlock()

	for _, p := range expired {
		m.flushTimedOut(p)
	}
}

// flushTimedOut emits every held event in p with a HashTimeout marker in
// place of its still-unresolved hash.
func (m *Monitor) flushTimedOut(p *pending) {
	for _, ev := range p.events {
		if ev.Lineage.Self.ExeHash == "" {
			ev.Lineage.Self.HashErr = errs.New(errs.KindHashTimeout,
				"hash not resolved before window close").Error()
		}
		if ev.Lineage.Parent.HashErr == pendingSentinel {
			ev.Lineage.Parent.HashErr = ""
		}
		m.sink.Add(ev)
	}
}

// statExeID stats path and returns its (device, inode) pair, the comparison
// tamper.Watcher's fallback loop uses to detect a same-path file replacement.
func statExeID(path string) (uint64, uint64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, 0, err
	}
	id := procutil.ExeIDFromStat(fi)
	return id.Device, id.Inode, nil
}

// onEvict fires when the Exe Cache drops an entry (LRU pressure or explicit
// invalidation); it tears down the now-orphaned tamper subscription, per
// spec.md §4.4's "removed at cache evict" contract.
func (m *Monitor) onEvict(_ model.ExeId, e execache.Entry) {
	m.watcher.Unsubscribe(e.Path)
}

// onPathInvalidated is the Tamper Watcher's callback: every ExeId sharing
// the modified path is evicted so the next event for it re-hashes.
func (m *Monitor) onPathInvalidated(path string) {
	ids := m.cache.InvalidateByPath(path)
	if len(ids) > 0 {
		log.WithField("path", path).WithField("count", len(ids)).
			Info("monitor: invalidated cached hashes after filesystem modification")
	}
}

// HandleRaw is the Kernel Probe's entry point into the Monitor: resolve
// identity and lineage for the producing process, consult the cache, and
// either attach a known hash immediately or schedule one and forward the
// event once it resolves.
func (m *Monitor) HandleRaw(raw model.RawEvent) {
	if raw.Direction == model.DirExecOnly && !m.everyExe {
		// Exec-only events are forwarded only in "every exe" mode; otherwise
		// they are dropped here without resolving anything, since they carry
		// no connection for the Aggregator to group on.
		return
	}

	self, err := m.resolveProc(raw.Pid)
	if err != nil {
		self = model.ProcInfo{Pid: raw.Pid, HashErr: err.Error()}
	}

	parent, partial := m.resolveParent(raw.Pid)

	ev := model.EnrichedEvent{
		Raw:     raw,
		Lineage: model.Lineage{Self: self, Parent: parent, Partial: partial},
	}

	if m.ignore != nil {
		ev.LogIgnored = m.ignore.MatchesIgnore(self.ExeHash, ev.RemoteDomain, raw.RemoteIP, raw.RemotePort)
	}

	m.dispatch(ev)
}

// resolveProc fills in path, identity, cmdline, and uid for pid, consulting
// the Exe Cache for a hash before falling back to scheduling one on the
// Hasher Pool. It never blocks on the hash: a cache miss returns ProcInfo
// with an empty ExeHash, and the caller's event is re-dispatched once the
// hash lands (see attachResult).
func (m *Monitor) resolveProc(pid int) (model.ProcInfo, error) {
	id, path, err := procutil.ExeID(pid)
	if err != nil {
		return model.ProcInfo{}, err
	}

	info := model.ProcInfo{Pid: pid, ExePath: path, ExeID: id}
	if cmdline, err := procutil.Cmdline(pid); err == nil {
		info.Cmdline = cmdline
	}
	if comm, err := procutil.Comm(pid); err == nil {
		info.Name = comm
	}
	if uid, err := procutil.Uid(pid); err == nil {
		info.Uid = uid
	}

	if entry, ok := m.cache.Get(id); ok {
		health.IncCacheHit()
		if entry.Path != path {
			// Non-unique inode collision (DESIGN.md Open Question 1): treat
			// as a loud, recoverable diagnostic, evict, and re-hash.
			log.WithFields(log.Fields{"exe_id": id, "cached_path": entry.Path, "observed_path": path}).
				Warn("monitor: exe id collision between distinct paths, evicting and re-hashing")
			if m.onFault != nil {
				m.onFault(errs.New(errs.KindInodeCollision, "exe id collision").
					With("exe_id", id).With("cached_path", entry.Path).With("observed_path", path))
			}
			m.cache.Invalidate(id)
		} else {
			info.ExeHash = entry.SHA256
			return info, nil
		}
	}

	health.IncCacheMiss()
	m.scheduleHash(pid, id, path)
	info.HashErr = pendingSentinel
	return info, nil
}

// pendingSentinel marks a ProcInfo whose hash has been scheduled but not yet
// resolved. It is never the kind of error model.ConnectionRecord.HashError
// exposes to a sink; dispatch holds self-pending events until the real
// outcome lands, and sanitizes a still-pending parent to an empty HashErr
// rather than surface the sentinel downstream.
const pendingSentinel = "pending"

// resolveParent resolves the immediate parent's lineage snapshot. Partial is
// true when the parent has already exited by the time it is read, per
// spec.md §3's best-effort contract for lineage under a vanished parent.
func (m *Monitor) resolveParent(pid int) (model.ProcInfo, bool) {
	ppid, err := procutil.ParentPid(pid)
	if err != nil {
		return model.ProcInfo{}, true
	}
	parent, err := m.resolveProc(ppid)
	if err != nil {
		return model.ProcInfo{Pid: ppid, HashErr: err.Error()}, true
	}
	return parent, false
}

// scheduleHash submits a hashing job if one is not already in flight for id,
// recording the caller's path in inFlightPaths so attachResult can install
// the Exe Cache entry once the result lands — even if the window sweep has
// already flushed every event that was waiting on it.
func (m *Monitor) scheduleHash(pid int, id model.ExeId, path string) {
	m.mu.Lock()
	if _, exists := m.inFlightPaths[id]; !exists {
		m.inFlightPaths[id] = path
	}
	m.mu.Unlock()
	m.hashers.Submit(hash.Job{Pid: pid, Expected: id, Path: path})
}

// dispatch holds an event for an ExeId whose hash is still pending, or
// forwards it immediately when the hash is already known (or permanently
// errored). A freshly-held event gets a deadline of m.pendingDeadline() from
// now; runWindowSweep flushes it with a HashTimeout marker if that deadline
// passes before the hash resolves (spec.md §4.2 step 2, §4.6).
func (m *Monitor) dispatch(ev model.EnrichedEvent) {
	if ev.Lineage.Parent.HashErr == pendingSentinel {
		// The parent's hash is best-effort; forwarding self never waits on
		// it, so an unresolved parent hash is reported as absent rather
		// than surfacing the internal sentinel.
		ev.Lineage.Parent.HashErr = ""
	}

	if ev.Lineage.Self.ExeHash != "" || (ev.Lineage.Self.HashErr != "" && ev.Lineage.Self.HashErr != pendingSentinel) {
		m.sink.Add(ev)
		return
	}

	m.mu.Lock()
	p, ok := m.pending[ev.Lineage.Self.ExeID]
	if !ok {
		p = &pending{deadline: time.Now().Add(m.pendingDeadline())}
		m.pending[ev.Lineage.Self.ExeID] = p
	}
	p.events = append(p.events, ev)
	m.mu.Unlock()
}

// drainHashResults attaches completed hashes to every event still held for
// that ExeId and populates the Exe Cache (installing the corresponding
// Tamper Watcher subscription), per spec.md §4.2's "never delay the window"
// rule: a window that closes before the hash resolves simply emits the
// record with HashError set via runWindowSweep, rather than waiting.
func (m *Monitor) drainHashResults() {
	for res := range m.hashers.Results() {
		if res.Err != nil {
			m.onHashFailure(res)
			continue
		}

		m.attachResult(res, res.SHA256, "")
	}
}

func (m *Monitor) onHashFailure(res hash.Result) {
	kind := errs.KindOf(res.Err)
	log.WithError(res.Err).WithField("exe_id", res.ExeID).WithField("kind", kind).
		Warn("monitor: hash resolution failed")
	m.attachResult(res, "", res.Err.Error())
}

// attachResult installs the Exe Cache entry (and tamper subscription) for a
// resolved hash using the path recorded by scheduleHash, then flushes every
// event still held pending for res.ExeID — if any; the window sweep may have
// already flushed them with a HashTimeout marker, in which case this is
// just the (still useful) cache population.
func (m *Monitor) attachResult(res hash.Result, sha256, hashErr string) {
	m.mu.Lock()
	p, ok := m.pending[res.ExeID]
	delete(m.pending, res.ExeID)
	path := m.inFlightPaths[res.ExeID]
	delete(m.inFlightPaths, res.ExeID)
	m.mu.Unlock()

	if sha256 != "" && path != "" {
		m.cache.Put(res.ExeID, execache.Entry{SHA256: sha256, Path: path})
		if err := m.watcher.Subscribe(path); err != nil {
			log.WithError(err).WithField("path", path).Warn("monitor: failed to subscribe tamper watch")
		}
	}

	if !ok {
		return
	}

	for _, ev := range p.events {
		if ev.Lineage.Self.ExeID == res.ExeID {
			ev.Lineage.Self.ExeHash = sha256
			ev.Lineage.Self.HashErr = hashErr
		}
		if ev.Lineage.Parent.ExeID == res.ExeID {
			ev.Lineage.Parent.ExeHash = sha256
			ev.Lineage.Parent.HashErr = hashErr
		}
		if ev.Lineage.Parent.HashErr == pendingSentinel {
			ev.Lineage.Parent.HashErr = ""
		}
		m.sink.Add(ev)
	}
}

// ResizeCache adjusts the Exe Cache capacity in response to descriptor
// pressure, per spec.md §5.
func (m *Monitor) ResizeCache(size int) {
	m.cache.Resize(size)
}

// Close tears down the Tamper Watcher.
func (m *Monitor) Close() error {
	close(m.stop)
	return m.watcher.Close()
}

// windowGrace is how long the Monitor waits, during a graceful shutdown,
// for in-flight hash jobs before giving up and flushing held events with a
// timeout error, matching the Aggregator's "close the current window early"
// behavior on cancellation (spec.md §5).
const windowGrace = 500 * time.Millisecond

// FlushPending waits up to windowGrace for in-flight hash jobs to release
// held events, then force-emits whatever is still held with a
// shutdown-timeout error, for use immediately before process exit.
func (m *Monitor) FlushPending() {
	deadline := time.Now().Add(windowGrace)
	for time.Now().Before(deadline) {
		m.mu.Lock()
		n := len(m.pending)
		m.mu.Unlock()
		if n == 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	m.mu.Lock()
	all := m.pending
	m.pending = make(map[model.ExeId]*pending)
	m.mu.Unlock()

	for _, p := range all {
		for _, ev := range p.events {
			if ev.Lineage.Self.ExeHash == "" {
				ev.Lineage.Self.HashErr = errs.New(errs.KindShutdownTimeout, "hash not resolved before shutdown").Error()
			}
			m.sink.Add(ev)
		}
	}
}
