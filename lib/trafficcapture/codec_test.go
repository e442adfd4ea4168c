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
	"bytes"
	"io"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
)

func testPacket(order uint64, msg []byte) Packet {
	return Packet{
		ConnectionID:   7,
		LocalEndpoint:  "127.0.0.1:27017",
		RemoteEndpoint: "10.0.0.5:55432",
		Timestamp:      time.UnixMilli(1700000000123).UTC(),
		Order:          order,
		Message:        NewMessage(msg),
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	packets := []Packet{
		testPacket(1, []byte("hello")),
		testPacket(2, []byte{}),
		testPacket(3, bytes.Repeat([]byte{0xAB}, 4096)),
	}

	for _, p := range packets {
		frame, err := Encode(p)
		require.NoError(t, err)
		buf.Write(frame)
	}

	for _, want := range packets {
		got, err := DecodeFrom(&buf)
		require.NoError(t, err)
		require.Equal(t, want.ConnectionID, got.ConnectionID)
		require.Equal(t, want.LocalEndpoint, got.LocalEndpoint)
		require.Equal(t, want.RemoteEndpoint, got.RemoteEndpoint)
		require.Equal(t, want.Timestamp.UnixMilli(), got.Timestamp.UnixMilli())
		require.Equal(t, want.Order, got.Order)
		require.Equal(t, want.Message.Bytes(), got.Message.Bytes())
	}

	_, err := DecodeFrom(&buf)
	require.ErrorIs(t, err, io.EOF)
}

func TestEncodeRejectsOversizedFrame(t *testing.T) {
	p := testPacket(1, make([]byte, MaxFrameBytes))
	_, err := Encode(p)
	require.Error(t, err)
	require.True(t, trace.IsLimitExceeded(err))
}

func TestDecodeFromRejectsTruncatedStream(t *testing.T) {
	p := testPacket(1, []byte("a complete message"))
	frame, err := Encode(p)
	require.NoError(t, err)

	// Cut the frame off mid-body: the length prefix still claims the full
	// frame size, but the stream ends early.
	truncated := frame[:len(frame)-5]
	_, err = DecodeFrom(bytes.NewReader(truncated))
	require.Error(t, err)
	require.NotErrorIs(t, err, io.EOF)
}

func TestDecodeFromCleanEOFAtFrameBoundary(t *testing.T) {
	_, err := DecodeFrom(bytes.NewReader(nil))
	require.ErrorIs(t, err, io.EOF)
}

// retryOnceReader returns (0, nil) once before yielding its real bytes, to
// exercise the EINTR-equivalent retry path.
type retryOnceReader struct {
	inner   io.Reader
	retried bool
}

func (r *retryOnceReader) Read(buf []byte) (int, error) {
	if !r.retried {
		r.retried = true
		return 0, nil
	}
	return r.inner.Read(buf)
}

func TestDecodeFromRetriesZeroByteReads(t *testing.T) {
	p := testPacket(9, []byte("retry me"))
	frame, err := Encode(p)
	require.NoError(t, err)

	got, err := DecodeFrom(&retryOnceReader{inner: bytes.NewReader(frame)})
	require.NoError(t, err)
	require.Equal(t, p.Order, got.Order)
}
