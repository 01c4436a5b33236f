// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package securitylog records security-relevant pipeline decisions in an
// append-only audit table. Writes happen on a background goroutine behind
// a bounded buffer; the request path never waits on them and never sees
// their errors.
package securitylog

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/slotbook/wa-ingress/internal/models"
)

// DefaultBuffer is the number of entries held before new ones are dropped.
const DefaultBuffer = 1024

// Sink persists entries.
type Sink interface {
	Insert(ctx context.Context, e models.SecurityLogEntry) error
}

// Logger is a fire-and-forget writer in front of a Sink.
type Logger struct {
	sink    Sink
	entries chan models.SecurityLogEntry
	timeout time.Duration
	now     func() time.Time

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewLogger starts the background writer. Call Close to flush.
func NewLogger(sink Sink, buffer int) *Logger {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	l := &Logger{
		sink:    sink,
		entries: make(chan models.SecurityLogEntry, buffer),
		timeout: 5 * time.Second,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go l.run()
	return l
}

// Log enqueues an entry. It never blocks; when the buffer is full or the
// logger is closed the entry is dropped with a warning.
func (l *Logger) Log(eventType models.EventType, severity models.Severity, details map[string]any, ip string) {
	e := models.SecurityLogEntry{
		EventType: eventType,
		Severity:  severity,
		IPAddress: ip,
		EventData: details,
		CreatedAt: l.now().UTC(),
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		slog.Warn("security log closed, dropping entry", "event_type", eventType)
		return
	}

	select {
	case l.entries <- e:
	default:
		slog.Warn("security log buffer full, dropping entry",
			"event_type", eventType,
			"severity", severity,
		)
	}
}

func (l *Logger) run() {
	defer close(l.done)
	for e := range l.entries {
		ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
		if err := l.sink.Insert(ctx, e); err != nil {
			slog.Warn("failed to write security log entry",
				"event_type", e.EventType,
				"error", err,
			)
		}
		cancel()
	}
}

// Close stops accepting entries and waits for buffered ones to be written,
// or for ctx to expire.
func (l *Logger) Close(ctx context.Context) error {
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		close(l.entries)
	}
	l.mu.Unlock()

	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
