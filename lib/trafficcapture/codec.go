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
	"encoding/binary"
	"errors"
	"io"
	"time"

	"github.com/gravitational/trace"
)

// MaxFrameBytes is the maximum size, in bytes, of a single on-disk frame,
// inclusive of its length prefix. It is chosen to comfortably exceed the
// wire protocol's legal maximum message size while still bounding the
// memory a single frame read can consume.
const MaxFrameBytes = 1 << 26

// ErrOversizedFrame is returned by DecodeFrom when a frame's declared
// length exceeds MaxFrameBytes.
var ErrOversizedFrame = trace.LimitExceeded("packet too large")

// ErrTruncated is returned by DecodeFrom when the stream ends in the
// middle of a frame.
var ErrTruncated = trace.BadParameter("capture file truncated mid-frame")

// Packet is the in-memory record handed from a producer to the writer
// goroutine. It is built by Recording.pushRecord and consumed by the
// writer loop, which frames it with Encode.
type Packet struct {
	ConnectionID   uint64
	LocalEndpoint  string
	RemoteEndpoint string
	Timestamp      time.Time
	Order          uint64
	Message        WireMessage
}

// Cost is the queue admission weight of this packet: the size of its wire
// message.
func (p Packet) Cost() int {
	return p.Message.Size()
}

// Encode renders p as the on-disk frame described in the data model: a
// little-endian u32 total length, the connection id, the two endpoints as
// NUL-terminated strings, the millisecond timestamp, the order, and finally
// the raw message bytes.
//
// Encode fails only if the resulting frame would exceed MaxFrameBytes.
func Encode(p Packet) ([]byte, error) {
	msg := p.Message.Bytes()

	headerLen := 4 + 8 + (len(p.LocalEndpoint) + 1) + (len(p.RemoteEndpoint) + 1) + 8 + 8
	total := headerLen + len(msg)
	if total > MaxFrameBytes {
		return nil, trace.Wrap(ErrOversizedFrame, "frame of %d bytes exceeds maximum of %d", total, MaxFrameBytes)
	}

	buf := make([]byte, total)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(total))
	binary.LittleEndian.PutUint64(buf[4:12], p.ConnectionID)

	off := 12
	off += putCString(buf[off:], p.LocalEndpoint)
	off += putCString(buf[off:], p.RemoteEndpoint)

	binary.LittleEndian.PutUint64(buf[off:off+8], uint64(p.Timestamp.UnixMilli()))
	off += 8
	binary.LittleEndian.PutUint64(buf[off:off+8], p.Order)
	off += 8

	copy(buf[off:], msg)

	return buf, nil
}

// putCString writes s followed by a NUL terminator into dst and returns the
// number of bytes written.
func putCString(dst []byte, s string) int {
	n := copy(dst, s)
	dst[n] = 0
	return n + 1
}

// DecodeFrom reads exactly one frame from r, retrying on transient
// interrupted reads the way the original C implementation retries on
// EINTR. It returns io.EOF when r is positioned exactly at a frame
// boundary and has nothing more to offer.
func DecodeFrom(r io.Reader) (Packet, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(retryingReader{r}, lenBuf[:]); err != nil {
		if errors.Is(err, io.EOF) {
			// Nothing read at all: a clean frame boundary.
			return Packet{}, io.EOF
		}
		return Packet{}, trace.Wrap(ErrTruncated, "%v", err)
	}

	total := binary.LittleEndian.Uint32(lenBuf[:])
	if total > MaxFrameBytes {
		return Packet{}, trace.Wrap(ErrOversizedFrame, "frame declares %d bytes, maximum is %d", total, MaxFrameBytes)
	}
	if total < 4 {
		return Packet{}, trace.Wrap(ErrTruncated, "frame declares impossible length %d", total)
	}

	rest := make([]byte, total-4)
	if _, err := io.ReadFull(retryingReader{r}, rest); err != nil {
		return Packet{}, trace.Wrap(ErrTruncated, "%v", err)
	}

	return decodeBody(rest)
}

// decodeBody parses everything after the 4-byte length prefix.
func decodeBody(b []byte) (Packet, error) {
	if len(b) < 8 {
		return Packet{}, trace.Wrap(ErrTruncated, "frame too short for connection id")
	}
	connID := binary.LittleEndian.Uint64(b[0:8])
	b = b[8:]

	local, b, err := readCString(b)
	if err != nil {
		return Packet{}, trace.Wrap(ErrTruncated, "reading local endpoint: %v", err)
	}
	remote, b, err := readCString(b)
	if err != nil {
		return Packet{}, trace.Wrap(ErrTruncated, "reading remote endpoint: %v", err)
	}

	if len(b) < 16 {
		return Packet{}, trace.Wrap(ErrTruncated, "frame too short for timestamp/order")
	}
	millis := binary.LittleEndian.Uint64(b[0:8])
	order := binary.LittleEndian.Uint64(b[8:16])
	msg := b[16:]

	return Packet{
		ConnectionID:   connID,
		LocalEndpoint:  local,
		RemoteEndpoint: remote,
		Timestamp:      time.UnixMilli(int64(millis)).UTC(),
		Order:          order,
		Message:        NewMessage(msg),
	}, nil
}

// readCString reads a NUL-terminated string from the front of b and
// returns the string (without the terminator) and the remaining bytes.
func readCString(b []byte) (string, []byte, error) {
	for i, c := range b {
		if c == 0 {
			return string(b[:i]), b[i+1:], nil
		}
	}
	return "", nil, trace.BadParameter("missing NUL terminator")
}

// retryingReader wraps an io.Reader and silently retries a Read that
// returns (0, nil), mirroring the EINTR-retry loop in the original
// implementation. The Go runtime already retries real EINTR at the
// syscall layer for most os.File reads, so this mostly guards against
// unusual Reader implementations that surface the same transient
// "nothing to report yet" condition.
type retryingReader struct {
	r io.Reader
}

func (rr retryingReader) Read(buf []byte) (int, error) {
	for {
		n, err := rr.r.Read(buf)
		if n == 0 && err == nil {
			continue
		}
		return n, err
	}
}
