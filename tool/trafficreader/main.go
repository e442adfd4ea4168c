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

// Command trafficreader is the operator-facing entry point for decoding a
// capture file produced by the traffic capture subsystem.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/alecthomas/kingpin/v2"
	"github.com/gravitational/trace"
	"go.mongodb.org/mongo-driver/bson"
	log "github.com/sirupsen/logrus"

	"github.com/tkaye407/mongo/lib/trafficcapture"
	"github.com/tkaye407/mongo/lib/trafficcapture/trafficreader"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		log.WithError(err).Error("trafficreader failed.")
		fmt.Fprintln(os.Stderr, trace.UserMessage(err))
		os.Exit(1)
	}
}

func run(args []string) error {
	app := kingpin.New("trafficreader", "Decode a traffic capture file into mongoreplay-compatible documents.")

	dump := app.Command("dump", "Read a whole capture file and print its documents as an Extended JSON array.")
	dumpFile := dump.Arg("file", "Path to the capture file").Required().String()

	stream := app.Command("stream", "Stream a capture file as a preamble document followed by one document per frame.")
	streamFile := stream.Arg("file", "Path to the capture file").Required().String()

	inspect := app.Command("inspect", "Hex-dump and interpret the first frame of a capture file.")
	inspectFile := inspect.Arg("file", "Path to the capture file").Required().String()

	cmd, err := app.Parse(args)
	if err != nil {
		return trace.Wrap(err)
	}

	ctx := context.Background()

	switch cmd {
	case dump.FullCommand():
		return runDump(ctx, *dumpFile)
	case stream.FullCommand():
		return runStream(ctx, *streamFile)
	case inspect.FullCommand():
		return runInspect(*inspectFile)
	}
	return trace.BadParameter("unrecognized command %q", cmd)
}

func runDump(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	defer f.Close()

	docs, err := trafficreader.ReadAll(ctx, f)
	if err != nil {
		return trace.Wrap(err)
	}

	// Extended JSON can only be marshaled one top-level document at a
	// time, so the array brackets and separators are written here.
	out := []byte("[")
	for i, doc := range docs {
		data, err := bson.MarshalExtJSON(doc, false, false)
		if err != nil {
			return trace.Wrap(err)
		}
		if i > 0 {
			out = append(out, ',')
		}
		out = append(out, data...)
	}
	out = append(out, "]\n"...)
	_, err = os.Stdout.Write(out)
	return trace.Wrap(err)
}

func runStream(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	defer f.Close()

	return trace.Wrap(trafficreader.WriteStream(ctx, f, os.Stdout))
}

// runInspect decodes the first frame, prints its connection id,
// endpoints, timestamp, order and message size, and hex-dumps the message
// bytes. The first frame must decode in full; a malformed frame is
// reported as an error, and neither the frame length nor the message's
// embedded wire header is printed as separate fields.
func runInspect(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	defer f.Close()

	p, err := trafficcapture.DecodeFrom(f)
	if err != nil {
		return trace.Wrap(err, "decoding first frame")
	}

	fmt.Printf("connection id:   %d\n", p.ConnectionID)
	fmt.Printf("local endpoint:  %s\n", p.LocalEndpoint)
	fmt.Printf("remote endpoint: %s\n", p.RemoteEndpoint)
	fmt.Printf("timestamp:       %s\n", p.Timestamp)
	fmt.Printf("order:           %d\n", p.Order)
	fmt.Printf("message bytes:   %d\n", p.Message.Size())
	fmt.Println(hex.Dump(p.Message.Bytes()))
	return nil
}
