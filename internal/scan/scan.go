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

// Package scan implements the Scan Client of spec.md §4.9: a queue of
// hashes not yet submitted to an external reputation service, dequeued one
// at a time at a configured pace. The pacing is grounded on
// goose/query/query.go's use of go.uber.org/ratelimit.Limiter to throttle
// DNS query issuance to a fixed rate; the Scan Client reuses the same
// limiter to throttle reputation-service submissions instead.
package scan

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"go.uber.org/ratelimit"

	"github.com/netwatchd/netwatchd/internal/errs"
)

// Verdict is the outcome of a scan, attached back to the Record Store entry
// for the scanned hash.
type Verdict struct {
	SHA256    string
	Malicious int
	Total     int
	ScannedAt time.Time
}

// Reporter receives a Verdict once a submission resolves; the Record Store
// implements this to attach the verdict to its known-executable record.
type Reporter interface {
	ReportVerdict(Verdict)
}

// Config configures the Scan Client.
type Config struct {
	APIKey          string
	FileUpload      bool
	RequestInterval time.Duration
	BaseURL         string // overridable for tests; defaults to the real API endpoint
}

// Client submits unseen hashes to an external reputation service at a fixed
// pace, backing off on rate-limit or transient errors.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter ratelimit.Limiter

	mu    sync.Mutex
	queue []string
	seen  map[string]struct{}

	reporter Reporter
}

const defaultBaseURL = "https://www.virustotal.com/api/v3"

// New builds a Client. A RequestInterval of zero is clamped to one second,
// the external service's own minimum courtesy interval.
func New(cfg Config, reporter Reporter) *Client {
	if cfg.RequestInterval <= 0 {
		cfg.RequestInterval = time.Second
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	return &Client{
		cfg:      cfg,
		http:     &http.Client{Timeout: 10 * time.Second},
		limiter:  ratelimit.New(1, ratelimit.Per(cfg.RequestInterval)),
		seen:     make(map[string]struct{}),
		reporter: reporter,
	}
}

// Enqueue adds sha256 to the scan queue if it has not already been queued.
func (c *Client) Enqueue(sha256 string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.seen[sha256]; ok {
		return
	}
	c.seen[sha256] = struct{}{}
	c.queue = append(c.queue, sha256)
}

// Run dequeues one hash per tick (paced by the rate limiter) and submits it,
// until stop is closed. On a transient failure the hash is re-queued with
// an exponential backoff delay before the next dequeue attempt.
func (c *Client) Run(ctx context.Context, stop <-chan struct{}) {
	backoff := c.cfg.RequestInterval
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		sha256, ok := c.dequeue()
		if !ok {
			select {
			case <-time.After(c.cfg.RequestInterval):
			case <-stop:
				return
			}
			continue
		}

		c.limiter.Take()
		verdict, err := c.submit(ctx, sha256)
		if err != nil {
			kind := errs.KindOf(err)
			log.WithError(err).WithField("sha256", sha256).WithField("kind", kind).
				Warn("scan: submission failed, re-queueing with backoff")
			c.Enqueue(sha256)
			select {
			case <-time.After(backoff):
			case <-stop:
				return
			}
			backoff *= 2
			if backoff > 5*time.Minute {
				backoff = 5 * time.Minute
			}
			continue
		}
		backoff = c.cfg.RequestInterval
		if c.reporter != nil {
			c.reporter.ReportVerdict(verdict)
		}
	}
}

func (c *Client) dequeue() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		return "", false
	}
	sha256 := c.queue[0]
	c.queue = c.queue[1:]
	delete(c.seen, sha256)
	return sha256, true
}

// submit performs one reputation-service lookup by hash. The client never
// uploads files; cfg.FileUpload is stored but not consulted. A lookup-only miss is reported as zero findings rather
// than an error.
func (c *Client) submit(ctx context.Context, sha256 string) (Verdict, error) {
	url := fmt.Sprintf("%s/files/%s", c.cfg.BaseURL, sha256)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Verdict{}, errs.Wrap(errs.KindIoError, err)
	}
	req.Header.Set("x-apikey", c.cfg.APIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return Verdict{}, errs.Wrap(errs.KindScanBackoff, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return Verdict{}, errs.New(errs.KindScanBackoff, "reputation service rate limit exceeded")
	}
	if resp.StatusCode == http.StatusNotFound {
		return Verdict{SHA256: sha256, ScannedAt: time.Now()}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return Verdict{}, errs.New(errs.KindScanBackoff, fmt.Sprintf("unexpected status %d", resp.StatusCode))
	}

	var body struct {
		Data struct {
			Attributes struct {
				LastAnalysisStats struct {
					Malicious int `json:"malicious"`
					Harmless  int `json:"harmless"`
					Undetected int `json:"undetected"`
					Suspicious int `json:"suspicious"`
				} `json:"last_analysis_stats"`
			} `json:"attributes"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Verdict{}, errs.Wrap(errs.KindIoError, err)
	}
	stats := body.Data.Attributes.LastAnalysisStats
	total := stats.Malicious + stats.Harmless + stats.Undetected + stats.Suspicious
	return Verdict{SHA256: sha256, Malicious: stats.Malicious, Total: total, ScannedAt: time.Now()}, nil
}

// QueueLen reports the current queue depth, for health reporting.
func (c *Client) QueueLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}
