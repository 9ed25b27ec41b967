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

package scan

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recordingReporter struct {
	mu       sync.Mutex
	verdicts []Verdict
}

func (r *recordingReporter) ReportVerdict(v Verdict) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.verdicts = append(r.verdicts, v)
}

func (r *recordingReporter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.verdicts)
}

func TestEnqueueDeduplicates(t *testing.T) {
	c := New(Config{RequestInterval: time.Millisecond}, nil)
	c.Enqueue("h1")
	c.Enqueue("h1")
	c.Enqueue("h2")
	require.Equal(t, 2, c.QueueLen())
}

func TestRunSubmitsAndReportsVerdict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":{"attributes":{"last_analysis_stats":{"malicious":2,"harmless":60,"undetected":3,"suspicious":0}}}}`))
	}))
	defer srv.Close()

	reporter := &recordingReporter{}
	c := New(Config{RequestInterval: time.Millisecond, BaseURL: srv.URL}, reporter)
	c.Enqueue("abc123")

	stop := make(chan struct{})
	go c.Run(context.Background(), stop)
	defer close(stop)

	require.Eventually(t, func() bool { return reporter.count() >= 1 }, 2*time.Second, 10*time.Millisecond)
	v := reporter.verdicts[0]
	require.Equal(t, "abc123", v.SHA256)
	require.Equal(t, 2, v.Malicious)
	require.Equal(t, 65, v.Total)
}

func TestRunRequeuesOnRateLimitResponse(t *testing.T) {
	var calls int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":{"attributes":{"last_analysis_stats":{"malicious":0,"harmless":1,"undetected":0,"suspicious":0}}}}`))
	}))
	defer srv.Close()

	reporter := &recordingReporter{}
	c := New(Config{RequestInterval: time.Millisecond, BaseURL: srv.URL}, reporter)
	c.Enqueue("willretry")

	stop := make(chan struct{})
	go c.Run(context.Background(), stop)
	defer close(stop)

	require.Eventually(t, func() bool { return reporter.count() >= 1 }, 3*time.Second, 10*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, calls, 2, "a 429 response must be re-queued and retried, not dropped")
}
