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

// Package trafficreader sequentially decodes a capture file produced by
// the trafficcapture package into the ordered BSON document stream an
// external replay tool expects.
package trafficreader

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/gravitational/trace"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/tkaye407/mongo/lib/trafficcapture"
)

// maxIterationLimit bounds how many frames the reader decodes between
// context-cancellation checks, so a huge capture file can still be
// interrupted promptly without paying the Err() check on every frame.
const maxIterationLimit = 4096

// Stats is a running count of what a Reader has consumed, suitable for a
// structured log line once decoding finishes or fails.
type Stats struct {
	FramesRead int64
	BytesRead  int64
}

// LogValue implements slog.LogValuer so a Stats value can be passed
// directly as a log attribute.
func (s Stats) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int64("frames_read", s.FramesRead),
		slog.Int64("bytes_read", s.BytesRead),
	)
}

// Reader decodes frames from an underlying io.Reader one at a time.
type Reader struct {
	r       io.Reader
	log     *slog.Logger
	stats   Stats
	nextChk int
}

// NewReader wraps r for frame-by-frame decoding.
func NewReader(r io.Reader) *Reader {
	return &Reader{
		r:   r,
		log: slog.Default().With("component", "traffic-reader"),
	}
}

// Next decodes and returns the next frame. It returns io.EOF once r is
// exhausted at a clean frame boundary.
func (rd *Reader) Next(ctx context.Context) (trafficcapture.Packet, error) {
	rd.nextChk++
	if rd.nextChk >= maxIterationLimit {
		rd.nextChk = 0
		if err := ctx.Err(); err != nil {
			return trafficcapture.Packet{}, trace.Wrap(err)
		}
	}

	p, err := trafficcapture.DecodeFrom(rd.r)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return trafficcapture.Packet{}, io.EOF
		}
		return trafficcapture.Packet{}, trace.Wrap(err)
	}

	rd.stats.FramesRead++
	rd.stats.BytesRead += int64(len(p.Message.Bytes()))
	return p, nil
}

// Stats returns the running decode statistics.
func (rd *Reader) Stats() Stats {
	return rd.stats
}

// ReadAll decodes every frame in r and returns them as an ordered BSON
// array, each document carrying the optional opType field. This is the
// "read a whole file and return a list of structured documents" mode.
func ReadAll(ctx context.Context, r io.Reader) (bson.A, error) {
	rd := NewReader(r)
	var out bson.A

	for {
		p, err := rd.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, trace.Wrap(err)
		}

		doc, err := buildDocument(p, true)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, doc)
	}

	rd.log.InfoContext(ctx, "Finished decoding capture file.", "stats", rd.Stats())
	return out, nil
}

// WriteStream decodes every frame in r and writes, to w, a preamble
// document followed by one document per frame (without opType), the
// shape the external replay tool's streaming mode expects.
func WriteStream(ctx context.Context, r io.Reader, w io.Writer) error {
	preamble := bson.D{
		{Key: "playbackfileversion", Value: int32(1)},
		{Key: "driveropsfiltered", Value: false},
	}
	if err := writeDoc(w, preamble); err != nil {
		return trace.Wrap(err, "writing preamble")
	}

	rd := NewReader(r)
	for {
		p, err := rd.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return trace.Wrap(err)
		}

		doc, err := buildDocument(p, false)
		if err != nil {
			return trace.Wrap(err)
		}
		if err := writeDoc(w, doc); err != nil {
			return trace.Wrap(err, "writing document")
		}
	}

	rd.log.InfoContext(ctx, "Finished streaming capture file.", "stats", rd.Stats())
	return nil
}

func writeDoc(w io.Writer, doc bson.D) error {
	data, err := bson.Marshal(doc)
	if err != nil {
		return trace.Wrap(err)
	}
	_, err = w.Write(data)
	return trace.Wrap(err)
}
