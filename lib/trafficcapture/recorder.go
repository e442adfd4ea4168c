/*
Copyright 2024 Gravitational, Inc.

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

package trafficcapture

import (
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
)

// Recorder is the process-wide facade in front of at most one active
// Recording. It is safe for concurrent use by many observer goroutines
// and by the handful of control-surface goroutines that call Start and
// Stop. Exactly one Recorder is expected per process; New is exposed
// (rather than a package-level singleton) so tests can create
// independent instances.
type Recorder struct {
	cfg   *Config
	clock clockwork.Clock
	log   *logrus.Entry
	m     *metrics

	// shouldRecord is the fast-path gate every Observe call checks first,
	// without taking mu, so that capture being off costs a single atomic
	// load on the hot path.
	shouldRecord atomic.Bool

	mu     sync.Mutex
	active *Recording
}

// New constructs a Recorder bound to cfg. Its metrics are registered with
// the default prometheus registry immediately so that `running` reads 0
// even before the first Start.
func New(cfg *Config) (*Recorder, error) {
	m := newMetrics()
	if err := registerCollectors(m.collectors()...); err != nil {
		return nil, trace.Wrap(err, "registering traffic capture metrics")
	}
	m.running.Set(0)

	return &Recorder{
		cfg:   cfg,
		clock: clockwork.NewRealClock(),
		log:   logrus.WithField("component", "traffic-recorder"),
		m:     m,
	}, nil
}

// WithClock overrides the clock the Recorder hands to each new
// Recording. Packet timestamps do not come from this clock: they are the
// now argument passed to Observe.
func (r *Recorder) WithClock(clock clockwork.Clock) *Recorder {
	r.clock = clock
	return r
}

// Start begins a new recording, failing if one is already active or if
// the recorder has no usable directory configured. opts.Filename must be
// set by the caller (it is never defaulted); MaxFileSize and BufferSize
// fall back to the Recorder's configured defaults when zero.
//
// Start validates the directory and filename before publishing the new
// Recording as active, so a Start that fails on them never leaves a
// half-started recording observable to concurrent callers. The output
// file is opened by the writer goroutine after Start returns; a failure
// to open it is latched as the recording's status and reported by Stop.
func (r *Recorder) Start(opts RecordingOptions) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active != nil {
		return trace.AlreadyExists("Traffic recording already active")
	}

	dir := r.cfg.RecordingDirectory
	if dir == "" {
		return trace.BadParameter("Traffic recording directory not set")
	}
	if err := validateDirectory(dir); err != nil {
		return trace.Wrap(err, "Traffic recording directory not usable")
	}

	if opts.MaxFileSize <= 0 {
		opts.MaxFileSize = r.cfg.DefaultMaxFileSize
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = r.cfg.DefaultBufferSize
	}

	rec, err := newRecording(dir, opts, r.clock, r.m)
	if err != nil {
		return trace.Wrap(err)
	}

	rec.run()

	r.active = rec
	r.shouldRecord.Store(true)
	r.m.running.Set(1)
	r.m.bufferedBytes.Set(0)
	r.m.writtenBytes.Set(0)
	r.log.WithField("file", rec.path).Info("Started traffic recording.")
	return nil
}

// Stop ends the active recording, if any, and returns its terminal
// status. Calling Stop with no active recording returns notActive.
//
// The gate is flipped off, and the active pointer is moved out, before
// shutdown is awaited, so concurrent Observe calls see capture disabled
// immediately rather than blocking on (or racing with) goroutine
// teardown.
func (r *Recorder) Stop() error {
	r.mu.Lock()
	rec := r.active
	if rec == nil {
		r.mu.Unlock()
		return trace.NotFound("Traffic recording not active")
	}
	r.active = nil
	r.shouldRecord.Store(false)
	r.m.running.Set(0)
	r.mu.Unlock()

	status := rec.shutdown()
	r.log.WithError(status).WithField("file", rec.path).Info("Stopped traffic recording.")
	return status
}

// Observe is the hot-path entry point called once per observed wire
// message. Its fast path is a single atomic load; it does real work only
// while a recording is active.
//
// If pushRecord reports the queue would have blocked, Observe flips the
// gate off, but only if rec is still the active recording at that point,
// so a stale failure from a recording that Stop already replaced can
// never suppress a freshly started one. The failed Recording itself is
// left in place (not cleared) so that Stop can still report its latched
// status; until Stop clears it, Start fails with "already active" and
// Stats reports not running.
func (r *Recorder) Observe(session Session, now time.Time, msg WireMessage) {
	if !r.shouldRecord.Load() {
		return
	}

	r.mu.Lock()
	rec := r.active
	r.mu.Unlock()

	if rec == nil {
		return
	}

	order := rec.nextOrder()
	if rec.pushRecord(session.ID(), session.LocalAddr(), session.RemoteAddr(), now, order, msg) {
		return
	}

	r.mu.Lock()
	if r.active == rec {
		r.shouldRecord.Store(false)
		r.m.running.Set(0)
	}
	r.mu.Unlock()
}

// Stats reports {running: false} whenever shouldRecord is false, checked
// before touching active at all, so a recording left in place after a
// queue-overflow failure (see Observe) reports as not running rather than
// surfacing its last, now-stale snapshot.
func (r *Recorder) Stats() RecordingStats {
	if !r.shouldRecord.Load() {
		return RecordingStats{Running: false}
	}

	r.mu.Lock()
	rec := r.active
	r.mu.Unlock()

	if rec == nil {
		return RecordingStats{Running: false}
	}
	return rec.Stats()
}
