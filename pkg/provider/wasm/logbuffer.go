/*
Copyright 2022 The Machine Controller Authors.

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

package wasm

import (
	"bytes"
	"io"
	"sync"
)

// maxBufferedLines caps how much of a container's history logBuffer keeps
// in memory; once exceeded, the oldest lines are dropped.
const maxBufferedLines = 10000

// logBuffer is a WASM container's stdout/stderr sink: it retains recent
// lines for a plain tail read, and fans new lines out to any followers
// subscribed via Reader(tail, follow=true).
type logBuffer struct {
	mu          sync.Mutex
	lines       []string
	partial     bytes.Buffer
	subscribers map[int]chan string
	nextID      int
}

func newLogBuffer() *logBuffer {
	return &logBuffer{subscribers: map[int]chan string{}}
}

// Write implements io.Writer; it is handed to wazero's module config as
// both stdout and stderr.
func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.partial.Write(p)
	for {
		line, err := b.partial.ReadString('\n')
		if err != nil {
			// No full line yet; push the partial bytes back and stop.
			b.partial.Reset()
			b.partial.WriteString(line)
			break
		}
		b.appendLocked(line[:len(line)-1])
	}
	return len(p), nil
}

func (b *logBuffer) appendLocked(line string) {
	b.lines = append(b.lines, line)
	if len(b.lines) > maxBufferedLines {
		b.lines = b.lines[len(b.lines)-maxBufferedLines:]
	}
	for _, ch := range b.subscribers {
		select {
		case ch <- line:
		default:
			// A slow follower drops lines rather than blocking the
			// container's own stdout/stderr writes.
		}
	}
}

func (b *logBuffer) subscribeLocked() (chan string, int) {
	ch := make(chan string, 256)
	id := b.nextID
	b.nextID++
	b.subscribers[id] = ch
	return ch, id
}

func (b *logBuffer) unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subscribers[id]; ok {
		close(ch)
		delete(b.subscribers, id)
	}
}

// Reader returns a stream of the buffered log lines, optionally following
// new writes. tail <= 0 returns the full retained history.
func (b *logBuffer) Reader(tail int, follow bool) io.ReadCloser {
	b.mu.Lock()
	lines := b.snapshotLocked(tail)
	var sub chan string
	var id int
	if follow {
		sub, id = b.subscribeLocked()
	}
	b.mu.Unlock()

	pr, pw := io.Pipe()
	go func() {
		for _, line := range lines {
			if _, err := io.WriteString(pw, line+"\n"); err != nil {
				pw.Close()
				return
			}
		}
		if !follow {
			pw.Close()
			return
		}
		for line := range sub {
			if _, err := io.WriteString(pw, line+"\n"); err != nil {
				b.unsubscribe(id)
				break
			}
		}
		pw.Close()
	}()

	return &followReader{pr: pr, close: func() {
		if follow {
			b.unsubscribe(id)
		}
	}}
}

func (b *logBuffer) snapshotLocked(tail int) []string {
	if tail <= 0 || tail >= len(b.lines) {
		out := make([]string, len(b.lines))
		copy(out, b.lines)
		return out
	}
	out := make([]string, tail)
	copy(out, b.lines[len(b.lines)-tail:])
	return out
}

type followReader struct {
	pr    *io.PipeReader
	close func()
}

func (f *followReader) Read(p []byte) (int, error) { return f.pr.Read(p) }

func (f *followReader) Close() error {
	f.close()
	return f.pr.Close()
}
