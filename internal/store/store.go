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

// Package store implements the Record Store of spec.md §4.7: an
// append-mostly "known executables" record used to classify every incoming
// batch as novel or not, persisted with an atomic write-temp-then-rename so
// a crash mid-write never leaves a torn file behind. Persistence is modeled
// on dnsrocks/db/db.go's Reload, which swaps in a freshly-built immutable
// structure under a refcount rather than mutating one in place; the Record
// Store does the analogous thing for a small JSON record instead of a large
// compiled DB file.
package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/netwatchd/netwatchd/internal/errs"
	"github.com/netwatchd/netwatchd/internal/model"
	"github.com/netwatchd/netwatchd/internal/scan"
)

// known is the on-disk shape of a single known-executable record, keyed by
// SHA256 in the in-memory index but serialized as a slice for stable
// ordering across rewrites (a map would reorder every time, producing noisy
// diffs for anyone inspecting the file).
type known struct {
	SHA256        string    `json:"sha256"`
	Names         []string  `json:"names"`
	FirstSeen     time.Time `json:"first_seen"`
	LastSeen      time.Time `json:"last_seen"`
	ScanMalicious int       `json:"scan_malicious,omitempty"`
	ScanTotal     int       `json:"scan_total,omitempty"`
	ScannedAt     time.Time `json:"scanned_at,omitempty"`
}

// record is the full persisted document.
type record struct {
	Executables []known `json:"executables"`
}

// notifyKey dedups notifications per executable: once any novelty has been
// raised for a given hash, further novelty for that same hash is suppressed
// until the window elapses, regardless of which novelty kind it is.
type notifyKey = string

// Store owns the known-executables record and the novelty dedup window.
type Store struct {
	path string

	mu            sync.Mutex
	byHash        map[string]*known
	namesSeen     map[string]map[string]struct{} // sha256 -> set of names ever seen for it
	hashesForName map[string]map[string]struct{} // name -> set of sha256 ever seen for it

	dedupWindow time.Duration
	lastNotify  map[notifyKey]time.Time
}

// Decision is the Record Store's verdict on one ConnectionRecord, and the
// notification the caller should raise (if any).
type Decision struct {
	Kind       model.NoveltyKind
	Suppressed bool // true if this executable (hash) already notified within the dedup window, whatever the kind
	ID         string
}

// New loads path if it exists, or starts empty, matching spec.md §4.7's
// "starts empty on first run" contract.
func New(path string, dedupWindow time.Duration) (*Store, error) {
	s := &Store{
		path:          path,
		byHash:        make(map[string]*known),
		namesSeen:     make(map[string]map[string]struct{}),
		hashesForName: make(map[string]map[string]struct{}),
		dedupWindow:   dedupWindow,
		lastNotify:    make(map[notifyKey]time.Time),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, errs.Wrap(errs.KindIoError, err).With("path", path)
	}

	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, errs.Wrap(errs.KindIoError, err).With("path", path)
	}
	for i := range r.Executables {
		k := r.Executables[i]
		s.byHash[k.SHA256] = &k
		names := make(map[string]struct{}, len(k.Names))
		for _, n := range k.Names {
			names[n] = struct{}{}
			if s.hashesForName[n] == nil {
				s.hashesForName[n] = make(map[string]struct{})
			}
			s.hashesForName[n][k.SHA256] = struct{}{}
		}
		s.namesSeen[k.SHA256] = names
	}
	return s, nil
}

// Evaluate classifies rec against the known-executables record, updates the
// record in memory (the caller must call Persist to flush it), and decides
// whether a notification should fire given the dedup window. A HashError'd
// record (no ExeSHA256) is never considered for novelty — spec.md §4.7:
// "records with a hash error are excluded from novelty comparisons".
func (s *Store) Evaluate(rec model.ConnectionRecord) Decision {
	if rec.ExeSHA256 == "" {
		return Decision{Kind: model.NoveltyNone}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	_, hashKnown := s.byHash[rec.ExeSHA256]
	_, nameKnownForHash := s.namesSeen[rec.ExeSHA256][rec.ExeName]
	_, nameSeenAtAll := s.hashesForName[rec.ExeName]

	var kind model.NoveltyKind
	switch {
	case !hashKnown && !nameSeenAtAll:
		// Neither this hash nor this process name has ever been observed:
		// a genuinely new executable (spec.md §4.7, 1st case).
		kind = model.NoveltyNewExecutable
	case !hashKnown:
		// The name is already familiar (it has run other hash(es) before)
		// but this hash has never been seen under any name: the on-disk
		// binary changed under a name we already track — end-to-end
		// scenario 3's "file replaced ... new hash for executable" case
		// (spec.md §4.7, 2nd case).
		kind = model.NoveltyNewHashForExecutable
	case !nameKnownForHash && nameSeenAtAll:
		// This hash is already known (under some other name), and this
		// name already has a history of its own running different
		// hash(es): a familiar name now backed by a different known
		// executable (spec.md §4.7, 4th case).
		kind = model.NoveltyNewExecutableForName
	case !nameKnownForHash:
		// This hash is already known, and this exact name has never run
		// anything before: the same executable simply picked up a fresh
		// name (spec.md §4.7, 3rd case).
		kind = model.NoveltyNewNameForExecutable
	default:
		kind = model.NoveltyNone
	}

	s.record(rec, now)

	decision := Decision{Kind: kind}
	if kind == model.NoveltyNone {
		return decision
	}

	key := notifyKey(rec.ExeSHA256)
	if last, ok := s.lastNotify[key]; ok && now.Sub(last) < s.dedupWindow {
		decision.Suppressed = true
		return decision
	}
	s.lastNotify[key] = now
	decision.ID = uuid.NewString()
	return decision
}

// record folds rec into the in-memory known-executables index.
func (s *Store) record(rec model.ConnectionRecord, now time.Time) {
	k, ok := s.byHash[rec.ExeSHA256]
	if !ok {
		k = &known{SHA256: rec.ExeSHA256, FirstSeen: now}
		s.byHash[rec.ExeSHA256] = k
		s.namesSeen[rec.ExeSHA256] = make(map[string]struct{})
	}
	k.LastSeen = now

	if _, ok := s.namesSeen[rec.ExeSHA256][rec.ExeName]; !ok {
		s.namesSeen[rec.ExeSHA256][rec.ExeName] = struct{}{}
		k.Names = append(k.Names, rec.ExeName)
	}
	if s.hashesForName[rec.ExeName] == nil {
		s.hashesForName[rec.ExeName] = make(map[string]struct{})
	}
	s.hashesForName[rec.ExeName][rec.ExeSHA256] = struct{}{}
}

// Persist atomically rewrites the record file: write to a temp file in the
// same directory, fsync, then rename over the target, so a crash mid-write
// never corrupts the previous good copy.
func (s *Store) Persist() error {
	s.mu.Lock()
	r := record{Executables: make([]known, 0, len(s.byHash))}
	for _, k := range s.byHash {
		r.Executables = append(r.Executables, *k)
	}
	s.mu.Unlock()
	sort.Slice(r.Executables, func(i, j int) bool {
		return r.Executables[i].SHA256 < r.Executables[j].SHA256
	})

	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return errs.Wrap(errs.KindIoError, err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".netwatchd-store-*.tmp")
	if err != nil {
		return errs.Wrap(errs.KindIoError, err).With("path", s.path)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errs.Wrap(errs.KindIoError, err).With("path", s.path)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errs.Wrap(errs.KindIoError, err).With("path", s.path)
	}
	if err := tmp.Close(); err != nil {
		return errs.Wrap(errs.KindIoError, err).With("path", s.path)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return errs.Wrap(errs.KindIoError, err).With("path", s.path)
	}
	log.WithField("path", s.path).WithField("count", len(r.Executables)).
		Debug("store: persisted known executables record")
	return nil
}

// Len reports the number of distinct known executables, for health
// reporting.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byHash)
}

// ReportVerdict implements scan.Reporter: it attaches a reputation verdict
// to the known-executable entry for v.SHA256, if that hash is still known.
// A verdict for a hash the Store has since forgotten (it never evicts, so
// this only happens if the hash was never recorded) is dropped rather than
// creating a bare entry with no executable history behind it.
func (s *Store) ReportVerdict(v scan.Verdict) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.byHash[v.SHA256]
	if !ok {
		return
	}
	k.ScanMalicious = v.Malicious
	k.ScanTotal = v.Total
	k.ScannedAt = v.ScannedAt
}
