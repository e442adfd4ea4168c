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

package trafficreader

import (
	"bytes"
	"context"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/tkaye407/mongo/lib/trafficcapture"
)

func encodePackets(t *testing.T, packets ...trafficcapture.Packet) []byte {
	t.Helper()
	var buf bytes.Buffer
	for _, p := range packets {
		frame, err := trafficcapture.Encode(p)
		require.NoError(t, err)
		buf.Write(frame)
	}
	return buf.Bytes()
}

func TestReadAllReturnsOneDocumentPerFrame(t *testing.T) {
	p1 := packetWithEndpoints("127.0.0.1:1", "127.0.0.1:2", 0)
	p2 := packetWithEndpoints("127.0.0.1:1", "127.0.0.1:2", 1)
	data := encodePackets(t, p1, p2)

	docs, err := ReadAll(context.Background(), bytes.NewReader(data))
	require.NoError(t, err)
	require.Len(t, docs, 2)

	doc0, ok := docs[0].(bson.D)
	require.True(t, ok)
	m := docMap(doc0)
	_, hasOpType := m["opType"]
	require.True(t, hasOpType)
}

func TestReadAllEmptyInput(t *testing.T) {
	docs, err := ReadAll(context.Background(), bytes.NewReader(nil))
	require.NoError(t, err)
	require.Empty(t, docs)
}

func TestWriteStreamEmitsPreambleThenDocuments(t *testing.T) {
	p := packetWithEndpoints("127.0.0.1:1", "127.0.0.1:2", 0)
	data := encodePackets(t, p)

	var out bytes.Buffer
	require.NoError(t, WriteStream(context.Background(), bytes.NewReader(data), &out))

	// Decode the raw BSON stream back: first doc is the preamble, second is
	// the frame's document (without opType).
	dec := bsonStreamDecoder{data: out.Bytes()}

	var gotPreamble bson.D
	require.NoError(t, dec.next(&gotPreamble))
	pm := docMap(gotPreamble)
	require.Equal(t, int32(1), pm["playbackfileversion"])
	require.Equal(t, false, pm["driveropsfiltered"])

	var gotDoc bson.D
	require.NoError(t, dec.next(&gotDoc))
	dm := docMap(gotDoc)
	_, hasOpType := dm["opType"]
	require.False(t, hasOpType)
	require.True(t, dec.done())
}

// bsonStreamDecoder reads consecutive self-delimited BSON documents off a
// byte slice the way the external replay tool's input stream does: each
// document's own leading int32 length says how much to consume next.
type bsonStreamDecoder struct {
	data []byte
	off  int
}

func (d *bsonStreamDecoder) next(v any) error {
	length := int(binary.LittleEndian.Uint32(d.data[d.off : d.off+4]))
	raw := bson.Raw(d.data[d.off : d.off+length])
	d.off += length
	return bson.Unmarshal(raw, v)
}

func (d *bsonStreamDecoder) done() bool {
	return d.off >= len(d.data)
}
