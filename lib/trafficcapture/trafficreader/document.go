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
	"encoding/binary"
	"strings"

	"github.com/gravitational/trace"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/tkaye407/mongo/lib/trafficcapture"
)

// unixToInternal is the offset, in seconds, from the Unix epoch to the
// proleptic-Gregorian year-1 epoch the external replay tool's time
// representation uses.
const unixToInternal = int64(1969*365+1969/4-1969/100+1969/400) * 86400

// opMsgOpcode is the wire-protocol opcode for OP_MSG, the only opcode
// whose body carries a parseable command name.
const opMsgOpcode = 2013

// wireHeader mirrors the 16-byte MsgHeader every wire-protocol message
// embeds at its own start: total length, request id, response-to id, and
// opcode, all little-endian int32.
type wireHeader struct {
	MessageLength int32
	RequestID     int32
	ResponseTo    int32
	OpCode        int32
}

func parseWireHeader(b []byte) (wireHeader, error) {
	if len(b) < 16 {
		return wireHeader{}, trace.BadParameter("message shorter than its own header")
	}
	return wireHeader{
		MessageLength: int32(binary.LittleEndian.Uint32(b[0:4])),
		RequestID:     int32(binary.LittleEndian.Uint32(b[4:8])),
		ResponseTo:    int32(binary.LittleEndian.Uint32(b[8:12])),
		OpCode:        int32(binary.LittleEndian.Uint32(b[12:16])),
	}, nil
}

// buildDocument renders a decoded packet as the ordered BSON document the
// external replay tool expects. withOpType controls whether the
// (comparatively expensive) command-name parse runs.
func buildDocument(p trafficcapture.Packet, withOpType bool) (bson.D, error) {
	msg := p.Message.Bytes()
	hdr, err := parseWireHeader(msg)
	if err != nil {
		return nil, trace.Wrap(err, "parsing embedded wire header")
	}

	doc := bson.D{
		{Key: "rawop", Value: bson.D{
			{Key: "header", Value: bson.D{
				{Key: "messagelength", Value: hdr.MessageLength},
				{Key: "requestid", Value: hdr.RequestID},
				{Key: "responseto", Value: hdr.ResponseTo},
				{Key: "opcode", Value: hdr.OpCode},
			}},
			{Key: "body", Value: primitive.Binary{Subtype: 0x00, Data: msg}},
		}},
		{Key: "seen", Value: bson.D{
			{Key: "sec", Value: p.Timestamp.UnixMilli()/1000 + unixToInternal},
			{Key: "nsec", Value: int32(p.Order)},
		}},
	}

	if srcPort, destPort, ok := endpointPorts(p.LocalEndpoint, p.RemoteEndpoint, hdr.ResponseTo); ok {
		doc = append(doc, bson.E{Key: "srcendpoint", Value: srcPort}, bson.E{Key: "destendpoint", Value: destPort})
	}

	doc = append(doc,
		bson.E{Key: "order", Value: int64(p.Order)},
		bson.E{Key: "seenconnectionnum", Value: int64(p.ConnectionID)},
		bson.E{Key: "playedconnectionnum", Value: int64(0)},
		bson.E{Key: "generation", Value: int32(0)},
	)

	if withOpType {
		doc = append(doc, bson.E{Key: "opType", Value: opType(hdr, msg)})
	}

	return doc, nil
}

// endpointPorts returns the port segments of local/remote (the substrings
// after their last ':'), assigned to src/dest according to responseTo, and
// reports whether both endpoints actually contained a ':'.
func endpointPorts(local, remote string, responseTo int32) (src, dest string, ok bool) {
	localPort, localOK := lastSegment(local)
	remotePort, remoteOK := lastSegment(remote)
	if !localOK || !remoteOK {
		return "", "", false
	}

	if responseTo != 0 {
		return localPort, remotePort, true
	}
	return remotePort, localPort, true
}

func lastSegment(addr string) (string, bool) {
	i := strings.LastIndex(addr, ":")
	if i < 0 {
		return "", false
	}
	return addr[i+1:], true
}

// opType reports "legacy" for any opcode other than OP_MSG, and otherwise
// the command name found in the first element key of the message's first
// body section ("legacy" as well when no such name can be parsed).
func opType(hdr wireHeader, msg []byte) string {
	if hdr.OpCode != opMsgOpcode {
		return "legacy"
	}
	name, ok := parseOpMsgCommandName(msg)
	if !ok {
		return "legacy"
	}
	return name
}

// parseOpMsgCommandName walks an OP_MSG body (after its 16-byte header) far
// enough to find the first body-kind (0x00) section and return the first
// key of its BSON document, which by convention is the command's name.
// It deliberately stops at the first key rather than fully unmarshaling
// the document, since that is all the command name requires.
func parseOpMsgCommandName(msg []byte) (string, bool) {
	body := msg[16:]
	if len(body) < 5 {
		return "", false
	}
	// flagBits
	body = body[4:]

	for len(body) > 0 {
		kind := body[0]
		body = body[1:]
		switch kind {
		case 0x00: // body section: a single BSON document
			if len(body) < 5 {
				return "", false
			}
			return firstKey(body)
		case 0x01: // document sequence section: int32 size (counting itself), identifier cstring, then documents
			if len(body) < 4 {
				return "", false
			}
			seqLen := int(binary.LittleEndian.Uint32(body[0:4]))
			if seqLen < 4 || seqLen > len(body) {
				return "", false
			}
			body = body[seqLen:]
		default:
			return "", false
		}
	}
	return "", false
}

// firstKey returns the key of the first element of the BSON document at
// the front of b.
func firstKey(b []byte) (string, bool) {
	if len(b) < 5 {
		return "", false
	}
	// skip int32 document length, then the element's type byte.
	rest := b[5:]
	nul := indexByte(rest, 0)
	if nul < 0 {
		return "", false
	}
	return string(rest[:nul]), true
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}
