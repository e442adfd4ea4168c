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

// WireMessage is the contract the session/transport layer's opaque message
// type must satisfy for the capture subsystem to record it. The capture
// subsystem never parses the message itself on the write path; it treats it
// as a length-carrying byte blob and writes those bytes verbatim into the
// frame (see Encode in codec.go).
type WireMessage interface {
	// Size returns the number of bytes Bytes would return. Used as the
	// queue admission cost for a packet carrying this message.
	Size() int
	// Bytes returns the raw wire bytes of the message, including its own
	// embedded header.
	Bytes() []byte
}

// Session is the contract the session/transport layer's connection handle
// must satisfy for the capture subsystem to tag a packet with its origin.
type Session interface {
	// ID returns a stable identifier for this session, stable for its
	// lifetime.
	ID() uint64
	// LocalAddr returns the server-side address of the session, in
	// "host:port" form.
	LocalAddr() string
	// RemoteAddr returns the peer address of the session, in "host:port"
	// form.
	RemoteAddr() string
}

// sliceMessage is the simplest possible WireMessage, useful for tests and
// for callers that already have the raw bytes in hand.
type sliceMessage []byte

func (m sliceMessage) Size() int     { return len(m) }
func (m sliceMessage) Bytes() []byte { return []byte(m) }

// NewMessage wraps a raw byte slice as a WireMessage.
func NewMessage(b []byte) WireMessage {
	return sliceMessage(b)
}
