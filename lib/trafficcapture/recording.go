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
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
)

// writerBatchBudget bounds how much cost the writer goroutine pulls off
// the queue in a single PopManyUpTo call, so a burst of tiny messages
// cannot hold the queue's lock indefinitely, and so the writer makes
// steady, boundable progress against the file-size cap.
const writerBatchBudget = 16 * 1024 * 1024

// RecordingOptions configures a single Recording, mirroring the
// startRecordingTraffic control-surface command.
type RecordingOptions struct {
	// Filename must be a bare filename (no path separators, no ".."),
	// resolved against the recorder's configured directory.
	Filename string
	// MaxFileSize is the byte ceiling on the capture file; the writer
	// goroutine latches logWriteFailed and exits once it would be hit.
	MaxFileSize int64
	// BufferSize is the byte ceiling on the sum of queued-but-unwritten
	// packet costs.
	BufferSize int
}

// RecordingStats is a point-in-time snapshot of a Recording's live
// statistics, mirrored into the trafficRecording server-status section
// and into the metrics gauges in metrics.go.
type RecordingStats struct {
	Running         bool
	RecordingFile   string
	BufferSize      int
	BufferedBytes   int
	CurrentFileSize int64
	MaxFileSize     int64
}

// Recording is a single active capture: the queue, the writer goroutine,
// the output file, and the latched terminal status. A Recording is
// created by Start and is never reused; once its status is terminal, the
// only way back in is Stop followed by a fresh Start.
type Recording struct {
	id    uuid.UUID
	path  string
	clock clockwork.Clock
	log   *logrus.Entry
	m     *metrics

	maxFileBytes int64
	bufferBytes  int

	queue *costedQueue
	order atomic.Uint64

	eg *errgroup.Group

	mu              sync.Mutex
	writtenBytes    int64
	status          error
	statusKindLabel string
	inShutdown      bool
}

// newRecording constructs a Recording for opts rooted at dir. It performs
// path resolution (and rejects a non-bare or empty filename) but does not
// open the output file or start the writer goroutine; call run for that.
func newRecording(dir string, opts RecordingOptions, clock clockwork.Clock, m *metrics) (*Recording, error) {
	path, err := resolvePath(dir, opts.Filename)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	id := uuid.New()
	return &Recording{
		id:           id,
		path:         path,
		clock:        clock,
		m:            m,
		maxFileBytes: opts.MaxFileSize,
		bufferBytes:  opts.BufferSize,
		queue:        newCostedQueue(opts.BufferSize),
		log: logrus.WithFields(logrus.Fields{
			"component":    "traffic-recorder",
			"recording_id": id.String(),
			"file":         path,
		}),
	}, nil
}

// resolvePath joins dir and filename, requiring the result's parent to be
// exactly dir (after stripping a trailing slash from dir) so that neither
// a ".." component nor an absolute filename can escape the configured
// recording directory.
func resolvePath(dir, filename string) (string, error) {
	if filename == "" {
		return "", trace.BadParameter("Traffic recording filename must not be empty")
	}

	dir = strings.TrimSuffix(dir, "/")
	full := filepath.Join(dir, filename)

	if filepath.Dir(full) != dir {
		return "", trace.BadParameter("Traffic recording filename must be a simple filename")
	}

	return full, nil
}

// run opens the output file, truncating any previous content, and
// launches the writer goroutine. A failure to open the file is latched as
// the recording's terminal status rather than returned: the facade
// publishes the recording regardless, and shutdown (and so Recorder.Stop)
// returns that status.
func (r *Recording) run() {
	r.eg = &errgroup.Group{}
	r.eg.Go(func() error {
		r.writeLoop()
		return nil
	})
}

// writeLoop is the single consumer goroutine: it drains the queue in
// batches, frames each packet, and appends the frames to the output
// file, until the queue is drained or an error forces a latched exit.
func (r *Recording) writeLoop() {
	f, err := os.OpenFile(r.path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		r.latch(trace.Wrap(trace.ConvertSystemError(err), "opening capture file %q", r.path), "file_open")
		return
	}
	defer f.Close()

	for {
		batch, err := r.queue.PopManyUpTo(writerBatchBudget)
		if err != nil {
			if errors.Is(err, ErrQueueDrained) {
				return
			}
			r.latch(trace.Wrap(err), "queue_error")
			return
		}

		for _, p := range batch {
			frame, err := Encode(p)
			if err != nil {
				r.latch(trace.Wrap(err), "oversized_frame")
				return
			}

			r.mu.Lock()
			r.writtenBytes += int64(len(frame))
			hitCap := r.writtenBytes >= r.maxFileBytes
			r.mu.Unlock()

			if hitCap {
				r.latch(trace.LimitExceeded("hit maximum log size"), "log_write_failed")
				return
			}

			if _, err := f.Write(frame); err != nil {
				r.latch(trace.Wrap(trace.ConvertSystemError(err), "writing capture frame"), "log_write_failed")
				return
			}

			r.m.framesWritten.Inc()
		}

		r.mu.Lock()
		written := r.writtenBytes
		r.mu.Unlock()
		r.m.writtenBytes.Set(float64(written))
		r.m.bufferedBytes.Set(float64(r.queue.QueueDepth()))
	}
}

// latch records err as the recording's terminal status, first-writer-wins.
func (r *Recording) latch(err error, kindLabel string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status == nil {
		r.status = err
		r.statusKindLabel = kindLabel
		r.log.WithError(err).Warn("Traffic recording failed.")
	}
}

// nextOrder assigns the next monotonic order number for this recording,
// starting at 1.
func (r *Recording) nextOrder() uint64 {
	return r.order.Add(1)
}

// pushRecord wraps session metadata and message into a Packet and
// forwards it to the bounded queue. On rejection it closes the producer
// end and latches queueWouldBlock, first-writer-wins.
func (r *Recording) pushRecord(connID uint64, local, remote string, now time.Time, order uint64, msg WireMessage) bool {
	p := Packet{
		ConnectionID:   connID,
		LocalEndpoint:  local,
		RemoteEndpoint: remote,
		Timestamp:      now,
		Order:          order,
		Message:        msg,
	}

	if r.queue.TryPush(p) {
		return true
	}

	r.queue.CloseProducer()
	r.m.droppedPackets.Inc()
	r.latch(trace.LimitExceeded("queue would have blocked"), "queue_would_block")
	return false
}

// shutdown idempotently closes the producer end and joins the writer
// goroutine, returning the latched terminal status (nil on success). A
// second call returns the same status without touching the goroutine
// again.
func (r *Recording) shutdown() error {
	r.mu.Lock()
	if r.inShutdown {
		status := r.status
		r.mu.Unlock()
		return status
	}
	r.inShutdown = true
	r.mu.Unlock()

	r.queue.CloseProducer()
	if r.eg != nil {
		_ = r.eg.Wait()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.m.stopTotal.WithLabelValues(statusLabel(r.status, r.statusKindLabel)).Inc()
	r.m.bufferedBytes.Set(float64(r.queue.QueueDepth()))
	return r.status
}

// Stats returns a consistent point-in-time snapshot of this recording's
// live statistics.
func (r *Recording) Stats() RecordingStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	return RecordingStats{
		Running:         true,
		RecordingFile:   r.path,
		BufferSize:      r.bufferBytes,
		BufferedBytes:   r.queue.QueueDepth(),
		CurrentFileSize: r.writtenBytes,
		MaxFileSize:     r.maxFileBytes,
	}
}

func statusLabel(status error, kindLabel string) string {
	if status == nil {
		return "ok"
	}
	if kindLabel == "" {
		return "error"
	}
	return kindLabel
}
