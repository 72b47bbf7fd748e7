// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package kcb

import (
	"strings"

	"github.com/go-logr/logr"

	"github.com/antimetal/nrk/pkg/ringbuffer"
)

// printBufferLimit flushes a line that grows past this many bytes even
// without a newline.
const printBufferLimit = 2048

// recentLines is how many flushed lines the ring keeps for diagnostics.
const recentLines = 32

// PrintBuffer is the per-core line buffer behind the Log syscall: output
// accumulates until a newline (or 2 KiB) and is then emitted as one
// line. Flushed lines are also kept in a small ring.
type PrintBuffer struct {
	buf    strings.Builder
	recent *ringbuffer.RingBuffer[string]
	logger logr.Logger
}

// NewPrintBuffer builds an empty buffer emitting through logger.
func NewPrintBuffer(logger logr.Logger) *PrintBuffer {
	rb, err := ringbuffer.New[string](recentLines)
	if err != nil {
		panic(err)
	}
	return &PrintBuffer{recent: rb, logger: logger}
}

// Append adds user output, flushing complete lines.
func (pb *PrintBuffer) Append(s string) {
	for {
		idx := strings.IndexByte(s, '\n')
		if idx < 0 {
			break
		}
		pb.buf.WriteString(s[:idx])
		pb.flush()
		s = s[idx+1:]
	}
	pb.buf.WriteString(s)
	if pb.buf.Len() > printBufferLimit {
		pb.flush()
	}
}

func (pb *PrintBuffer) flush() {
	line := pb.buf.String()
	pb.buf.Reset()
	pb.recent.Push(line)
	pb.logger.Info(line)
}

// Recent returns the most recently flushed lines, oldest first.
func (pb *PrintBuffer) Recent() []string {
	return pb.recent.Snapshot()
}

// Pending returns the unflushed partial line.
func (pb *PrintBuffer) Pending() string {
	return pb.buf.String()
}
