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

// Package daemon wires the pipeline of spec.md §2 together: Kernel Probe ->
// Monitor -> Aggregator -> Record Store -> Sink Fanout, with the Scan
// Client and health/metrics endpoint attached to the Record Store and
// running alongside. It owns process-wide resources the individual stages
// don't: the RLIMIT_NOFILE budget that sizes the Exe Cache and Hasher Pool,
// and the goroutine group that supervises every long-lived worker.
//
// The supervision shape is grounded on dnswatch/snoop/snoop.go's Run, which
// starts a probe goroutine, a consumer goroutine, and an exporter goroutine
// behind a single errgroup.Group and tears all three down together on
// SIGINT/SIGTERM; this package generalizes that to the larger worker set
// spec.md §5 requires (Probe, Monitor hot path, Aggregator consumer, one
// writer per Sink, Scan Client, Tamper Watcher, health server).
package daemon

import (
	"context"
	"database/sql"
	"net"
	"os/exec"
	"runtime"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/netwatchd/netwatchd/internal/aggregate"
	"github.com/netwatchd/netwatchd/internal/config"
	"github.com/netwatchd/netwatchd/internal/errs"
	"github.com/netwatchd/netwatchd/internal/health"
	"github.com/netwatchd/netwatchd/internal/model"
	"github.com/netwatchd/netwatchd/internal/monitor"
	"github.com/netwatchd/netwatchd/internal/notify"
	"github.com/netwatchd/netwatchd/internal/probe"
	"github.com/netwatchd/netwatchd/internal/resolve"
	"github.com/netwatchd/netwatchd/internal/scan"
	"github.com/netwatchd/netwatchd/internal/sink"
	"github.com/netwatchd/netwatchd/internal/store"
)

// desktopNotifier shells out to notify-send, the de facto standard desktop
// notification transport on Linux. spec.md §1 specifies desktop
// notification delivery only as a pluggable external collaborator; this is
// the minimal implementation of that interface, not a reimplementation of
// any particular desktop environment's notification daemon.
type desktopNotifier struct{}

func (desktopNotifier) Notify(ev notify.Event) {
	summary := "netwatchd: novel executable"
	body := ev.Subject
	if ev.ErrorKind != "" {
		summary = "netwatchd: " + ev.ErrorKind
	}
	if err := exec.Command("notify-send", summary, body).Run(); err != nil {
		log.WithError(err).Debug("daemon: desktop notification delivery failed")
	}
}

// descriptorBudget resolves the file-descriptor budget the Exe Cache and
// Hasher Pool must fit inside, per spec.md §5: an explicit
// "Set RLIMIT_NOFILE" config value wins, and the soft limit is raised
// toward it (capped at the hard limit) when it is higher; otherwise the
// process's own RLIMIT_NOFILE soft limit is read and used unchanged.
func descriptorBudget(override uint64) (uint64, error) {
	if override > 0 {
		var rlim unix.Rlimit
		if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rlim); err == nil && override > rlim.Cur {
			raised := unix.Rlimit{Cur: override, Max: rlim.Max}
			if raised.Cur > raised.Max {
				raised.Cur = raised.Max
			}
			if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &raised); err != nil {
				log.WithError(err).Warn("daemon: unable to raise RLIMIT_NOFILE to configured value")
			}
		}
		return override, nil
	}

	var rlim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rlim); err != nil {
		return 0, errs.Wrap(errs.KindIoError, err)
	}
	return rlim.Cur, nil
}

// Pipeline owns every long-lived worker of spec.md §2 and the channels
// connecting them.
type Pipeline struct {
	cfg *config.Config

	probe       *probe.Probe
	monitor     *monitor.Monitor
	aggregator  *aggregate.Aggregator
	recordStore *store.Store
	fanout      *sink.Fanout
	embeddedDB  *sql.DB // nil unless cfg.DB.SQLLog; backs the retention sweep
	scanClient  *scan.Client
	notifier    *notify.Dispatcher
	resolver    resolve.Resolver
	healthSrv   *health.Server

	rawEvents chan model.RawEvent

	stop chan struct{}
	grp  *errgroup.Group
}

// hasherShare and cacheShare divide the descriptor budget between the
// Hasher Pool (each worker holds at most one /proc/<pid>/exe fd open at a
// time) and the Exe Cache (each cached entry holds one inotify watch via
// the Tamper Watcher), leaving headroom for sinks, the health listener, and
// the probe's own ring-buffer fds.
const (
	hasherShare = 4 // 1/4 of the budget, at least one fd per worker
	cacheShare  = 2 // 1/2 of the budget, one watch per cached entry
)

// New constructs every pipeline stage from cfg but starts nothing; call Run
// to start the workers.
func New(cfg *config.Config) (*Pipeline, error) {
	budget, err := descriptorBudget(cfg.RLimitNoFile)
	if err != nil {
		return nil, err
	}

	hashWorkers := int(budget / hasherShare)
	if hashWorkers < 1 {
		hashWorkers = 1
	}
	if max := runtime.NumCPU() * 4; hashWorkers > max {
		hashWorkers = max
	}
	cacheSize := int(budget / cacheShare)
	if cacheSize < 1 {
		cacheSize = 1
	}

	recordStore, err := store.New(recordStorePath(cfg), 10*time.Minute)
	if err != nil {
		return nil, err
	}

	notifiers := []notify.Notifier{notify.Logging{}}
	if cfg.DesktopNotifications {
		notifiers = append(notifiers, desktopNotifier{})
	}
	notifier := notify.New(dedupWindow, notifiers...)

	fanout, embeddedDB, err := buildFanout(cfg)
	if err != nil {
		return nil, err
	}

	var scanClient *scan.Client
	if cfg.VT.APIKey != "" {
		scanClient = scan.New(scan.Config{
			APIKey:          cfg.VT.APIKey,
			FileUpload:      cfg.VT.FileUpload,
			RequestInterval: time.Duration(cfg.VT.RequestLimitSec) * time.Second,
		}, recordStore)
	}

	p := &Pipeline{
		cfg:         cfg,
		recordStore: recordStore,
		fanout:      fanout,
		embeddedDB:  embeddedDB,
		scanClient:  scanClient,
		notifier:    notifier,
		resolver:    buildResolver(cfg),
		healthSrv:   health.New(cfg.HealthListen),
		rawEvents:   make(chan model.RawEvent, rawEventBuffer),
		stop:        make(chan struct{}),
	}

	p.aggregator = aggregate.New(cfg.Window(), p.onFault)
	p.monitor = monitor.New(cacheSize, hashWorkers, &cfg.LogIgnore, cfg.EveryExe, cfg.Window(), p.aggregator, p.onFault)
	p.probe = probe.New(probe.Config{RingBufferPages: cfg.PerfRingBufferPages})
	return p, nil
}

const (
	dedupWindow       = 5 * time.Minute
	rawEventBuffer    = 4096
	retentionInterval = 6 * time.Hour
)

func recordStorePath(cfg *config.Config) string {
	return "/var/lib/netwatchd/known_executables.json"
}

func buildResolver(cfg *config.Config) resolve.Resolver {
	// Passive DNS-answer sniffing requires naming an interface; without one
	// configured, fall back to active reverse lookups only.
	return resolve.NewActiveResolver("", 5*time.Minute)
}

func buildFanout(cfg *config.Config) (*sink.Fanout, *sql.DB, error) {
	var sinks []sink.Sink
	var embeddedDB *sql.DB

	if cfg.DB.SQLLog {
		embedded, err := sink.OpenEmbedded(cfg.DB.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, embedded)
		if provider, ok := embedded.(sink.DBProvider); ok {
			embeddedDB = provider.DB()
		}
	}
	if cfg.DB.SQLServer {
		remote, err := sink.OpenRemote(cfg.DB.SQLDriver, cfg.DB.SQLDSN)
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, remote)
	}
	if cfg.DB.TextLog {
		text, err := sink.OpenText(cfg.DB.TextLogPath)
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, text)
	}

	return sink.NewFanout(sinks...), embeddedDB, nil
}

// onFault is the callback every stage uses to surface an error.Fault up to
// the notification dispatcher, per spec.md §7: "any error that implies
// potential event loss or potential mis-attribution is surfaced to the user
// via the error log and a notification".
func (p *Pipeline) onFault(err error) {
	kind := errs.KindOf(err)
	log.WithError(err).WithField("kind", kind).Error("pipeline: fault")
	p.notifier.Dispatch(notify.Event{ErrorKind: kind.String(), Subject: err.Error()})
}

// Run starts every worker and blocks until ctx is cancelled. It does not
// tear workers down itself — callers cancel ctx (typically on SIGINT/
// SIGTERM) and then call Shutdown with a deadline to drain them.
func (p *Pipeline) Run(ctx context.Context) error {
	grp, ctx := errgroup.WithContext(ctx)
	p.grp = grp

	grp.Go(func() error {
		return p.probe.Run(p.stop, p.rawEvents, func(loss probe.RingLoss) {
			health.IncRingLoss(loss.Count)
			p.onFault(errs.New(errs.KindRingLoss, "kernel ring buffer overflow").With("count", loss.Count))
		})
	})

	grp.Go(func() error {
		p.drainRawEvents()
		return nil
	})

	grp.Go(func() error {
		p.consumeBatches(ctx)
		return nil
	})

	if p.scanClient != nil {
		grp.Go(func() error {
			p.scanClient.Run(ctx, p.stop)
			return nil
		})
	}

	grp.Go(func() error {
		p.healthSrv.Run()
		return nil
	})

	if p.embeddedDB != nil {
		grp.Go(func() error {
			sink.RunRetentionSweep(ctx, p.embeddedDB, p.cfg.DB.RetentionDays, retentionInterval)
			return nil
		})
	}

	<-ctx.Done()
	return nil
}

// drainRawEvents is the hot-path loop of spec.md §4.2: read one raw event
// off the Kernel Probe at a time and hand it to the Monitor, which never
// blocks this loop on a hash that hasn't resolved yet. Back-pressure on the
// Monitor->Aggregator hop itself (spec.md §4.6) is handled inside
// aggregate.Aggregator.Add, not here.
func (p *Pipeline) drainRawEvents() {
	for {
		select {
		case <-p.stop:
			return
		case ev, ok := <-p.rawEvents:
			if !ok {
				return
			}
			p.monitor.HandleRaw(ev)
		}
	}
}

// consumeBatches is the Record Store + Sink Fanout stage: each Aggregator
// batch is evaluated for novelty, persisted, notified, and fanned out.
func (p *Pipeline) consumeBatches(ctx context.Context) {
	for batch := range p.aggregator.Batches() {
		for i := range batch {
			rec := &batch[i]
			if p.resolver != nil && rec.RemoteDom == "" && rec.RemoteIP != "" {
				if domain, ok := p.resolver.Resolve(net.ParseIP(rec.RemoteIP)); ok {
					rec.RemoteDom = domain
				}
			}

			decision := p.recordStore.Evaluate(*rec)
			if decision.Kind != model.NoveltyNone && !decision.Suppressed {
				p.notifier.Dispatch(notify.Event{Kind: decision.Kind, Subject: rec.ExePath, ID: decision.ID})
				if p.scanClient != nil {
					p.scanClient.Enqueue(rec.ExeSHA256)
				}
			}
		}

		if err := p.recordStore.Persist(); err != nil {
			p.onFault(err)
		}

		p.fanout.Write(ctx, filterLogIgnored(batch))

		health.SetKnownExecutables(p.recordStore.Len())
		if p.scanClient != nil {
			health.SetScanQueueDepth(p.scanClient.QueueLen())
		}
		p50, p95, p99 := p.aggregator.LatencyQuantiles()
		health.SetHashLatencyQuantiles(p50, p95, p99)
	}
}

// filterLogIgnored drops records that matched the "Log ignore" filter from
// the connection sinks, per spec.md §4.2 step 4 — novelty evaluation (done
// before this call, in consumeBatches) still sees every record.
func filterLogIgnored(batch []model.ConnectionRecord) []model.ConnectionRecord {
	out := make([]model.ConnectionRecord, 0, len(batch))
	for _, rec := range batch {
		if rec.LogIgnored {
			continue
		}
		out = append(out, rec)
	}
	return out
}

// Shutdown signals every worker to stop and waits up to deadline, logging
// ShutdownTimeout if that deadline is exceeded (spec.md §5).
func (p *Pipeline) Shutdown(deadline time.Duration) error {
	close(p.stop)

	healthCtx, healthCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer healthCancel()
	if err := p.healthSrv.Close(healthCtx); err != nil {
		log.WithError(err).Warn("daemon: error closing health server")
	}

	// Held events are handed to the Aggregator before it stops, so they land
	// in its final flush instead of a queue nothing drains any more.
	p.monitor.FlushPending()

	// Closes the Aggregator's batch channel once its final flush has been
	// sent, which is what lets consumeBatches's range loop (and therefore
	// this Pipeline's batch-consumer goroutine) return.
	p.aggregator.Shutdown()

	if err := p.monitor.Close(); err != nil {
		log.WithError(err).Warn("daemon: error closing tamper watcher")
	}

	done := make(chan struct{})
	go func() {
		if p.grp != nil {
			p.grp.Wait()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(deadline):
		err := errs.New(errs.KindShutdownTimeout, "pipeline did not stop within deadline").With("deadline", deadline)
		log.Error(err.Error())
		return err
	}

	if err := p.fanout.Close(); err != nil {
		log.WithError(err).Warn("daemon: error closing sinks")
	}
	if err := p.recordStore.Persist(); err != nil {
		log.WithError(err).Warn("daemon: error persisting record store on shutdown")
	}
	return nil
}
