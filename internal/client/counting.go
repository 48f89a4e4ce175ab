package client

import (
	"io"
	"sync"
	"sync/atomic"
)

// CountingReader wraps an io.Reader and adds every read's byte count to
// one or more counters. The conn_id-multiplexed bridge (client.go) needs
// a chunk counted twice — once into the session-wide total, once into
// that connection's own counter — so, unlike the teacher's single-counter
// version, it fans out to as many destinations as given.
type CountingReader struct {
	reader   io.Reader
	counters []*atomic.Int64
}

// NewCountingReader creates a CountingReader that adds every read to each
// of counters.
func NewCountingReader(r io.Reader, counters ...*atomic.Int64) *CountingReader {
	return &CountingReader{reader: r, counters: counters}
}

// Read implements io.Reader.
func (c *CountingReader) Read(p []byte) (int, error) {
	n, err := c.reader.Read(p)
	if n > 0 {
		for _, counter := range c.counters {
			counter.Add(int64(n))
		}
	}
	return n, err
}

// CountingWriter wraps an io.Writer and adds every write's byte count to
// one or more counters (see CountingReader).
type CountingWriter struct {
	writer   io.Writer
	counters []*atomic.Int64
}

// NewCountingWriter creates a CountingWriter that adds every write to
// each of counters.
func NewCountingWriter(w io.Writer, counters ...*atomic.Int64) *CountingWriter {
	return &CountingWriter{writer: w, counters: counters}
}

// Write implements io.Writer.
func (c *CountingWriter) Write(p []byte) (int, error) {
	n, err := c.writer.Write(p)
	if n > 0 {
		for _, counter := range c.counters {
			counter.Add(int64(n))
		}
	}
	return n, err
}

// ConnBytes is a point-in-time snapshot of bytes moved for one conn_id —
// the unit the Transfer stream multiplexes (spec.md §4.E). The teacher
// only ever tracked one byte count per tunnel process; a client here
// bridges many concurrent conn_ids over the same stream, so the TUI needs
// a breakdown finer than the session-wide total.
type ConnBytes struct {
	ConnID   string
	BytesIn  int64
	BytesOut int64
}

type connCounter struct {
	connID string
	in     atomic.Int64
	out    atomic.Int64
}

// connStats is a Client's live per-conn_id byte counters, opened when a
// bridge starts and closed when it ends.
type connStats struct {
	mu    sync.Mutex
	byID  map[string]*connCounter
	order []string
}

func newConnStats() *connStats {
	return &connStats{byID: make(map[string]*connCounter)}
}

// open registers connID and returns the pair of counters its bridge
// should fan CountingReader/CountingWriter traffic into alongside the
// Client's session-wide totals.
func (s *connStats) open(connID string) *connCounter {
	cc := &connCounter{connID: connID}
	s.mu.Lock()
	s.byID[connID] = cc
	s.order = append(s.order, connID)
	s.mu.Unlock()
	return cc
}

func (s *connStats) close(connID string) {
	s.mu.Lock()
	delete(s.byID, connID)
	s.mu.Unlock()
}

// snapshot returns the byte counts of every connection currently bridged,
// oldest first.
func (s *connStats) snapshot() []ConnBytes {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ConnBytes, 0, len(s.order))
	for _, id := range s.order {
		cc, ok := s.byID[id]
		if !ok {
			continue
		}
		out = append(out, ConnBytes{ConnID: cc.connID, BytesIn: cc.in.Load(), BytesOut: cc.out.Load()})
	}
	return out
}
