package viewer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/goopcall/internal/util"
)

// LogEntry is one captured log line. Lines written by go-log subsystems carry
// their level and subsystem; plain stdlib lines leave them empty.
type LogEntry struct {
	TS        time.Time `json:"ts"`
	Level     string    `json:"level,omitempty"`
	Subsystem string    `json:"subsystem,omitempty"`
	Msg       string    `json:"msg"`
}

// LogBuffer keeps the newest process log lines for the control API and fans
// new lines out to live tails.
type LogBuffer struct {
	mu      sync.Mutex
	entries *util.RingBuffer[LogEntry]
	tails   map[chan LogEntry]struct{}
	partial bytes.Buffer
}

const tailBuffer = 64

func NewLogBuffer(max int) *LogBuffer {
	if max <= 0 {
		max = 500
	}
	return &LogBuffer{
		entries: util.NewRingBuffer[LogEntry](max),
		tails:   make(map[chan LogEntry]struct{}),
	}
}

// Write splits p into lines. A trailing fragment waits for the next write.
func (b *LogBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.partial.Write(p)
	for {
		line, err := b.partial.ReadString('\n')
		if err != nil {
			// Put the unterminated fragment back.
			b.partial.Reset()
			b.partial.WriteString(line)
			break
		}
		line = strings.TrimRight(line, "\r\n")
		if strings.TrimSpace(line) == "" {
			continue
		}
		e := parseLine(line)
		b.entries.Push(e)
		for ch := range b.tails {
			select {
			case ch <- e:
			default:
			}
		}
	}
	return len(p), nil
}

// parseLine recognizes the go-log plaintext layout
// "<time>\t<LEVEL>\t<subsystem>\t<caller>\t<message>".
func parseLine(line string) LogEntry {
	e := LogEntry{TS: time.Now(), Msg: line}
	parts := strings.SplitN(line, "\t", 5)
	if len(parts) < 4 {
		return e
	}
	if _, err := logging.LevelFromString(strings.ToLower(parts[1])); err != nil {
		return e
	}
	e.Level = strings.ToLower(parts[1])
	e.Subsystem = parts[2]
	e.Msg = parts[len(parts)-1]
	return e
}

// CaptureSubsystems copies every go-log subsystem line into the buffer until
// the returned func is called.
func (b *LogBuffer) CaptureSubsystems() func() {
	pr := logging.NewPipeReader(logging.PipeFormat(logging.PlaintextOutput))
	go func() {
		_, _ = io.Copy(b, pr)
	}()
	return func() { _ = pr.Close() }
}

func (b *LogBuffer) Snapshot() []LogEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.entries.Snapshot()
}

// Subscribe returns a channel of new lines. Lines are dropped while the
// channel is full.
func (b *LogBuffer) Subscribe() (<-chan LogEntry, func()) {
	ch := make(chan LogEntry, tailBuffer)
	b.mu.Lock()
	b.tails[ch] = struct{}{}
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		if _, ok := b.tails[ch]; ok {
			delete(b.tails, ch)
			close(ch)
		}
		b.mu.Unlock()
	}
}

// logFilter narrows entries by ?subsystem= and ?level=.
type logFilter struct {
	subsystem string
	minLevel  logging.LogLevel
	leveled   bool
}

func filterFrom(r *http.Request) (logFilter, error) {
	q := r.URL.Query()
	f := logFilter{subsystem: q.Get("subsystem")}
	if lv := q.Get("level"); lv != "" {
		l, err := logging.LevelFromString(lv)
		if err != nil {
			return f, fmt.Errorf("bad level %q", lv)
		}
		f.minLevel, f.leveled = l, true
	}
	return f, nil
}

func (f logFilter) match(e LogEntry) bool {
	if f.subsystem != "" && e.Subsystem != f.subsystem {
		return false
	}
	if f.leveled {
		l, err := logging.LevelFromString(e.Level)
		if err != nil || l < f.minLevel {
			return false
		}
	}
	return true
}

// ServeLogsJSON answers GET /api/logs with the buffered lines.
func (b *LogBuffer) ServeLogsJSON(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	f, err := filterFrom(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	out := []LogEntry{}
	for _, e := range b.Snapshot() {
		if f.match(e) {
			out = append(out, e)
		}
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(out)
}

const sseKeepAlive = 30 * time.Second

// ServeLogsSSE tails new lines as server-sent events. ?backlog=1 replays the
// buffer first.
func (b *LogBuffer) ServeLogsSSE(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	f, err := filterFrom(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream; charset=utf-8")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")

	ch, cancel := b.Subscribe()
	defer cancel()

	if r.URL.Query().Get("backlog") == "1" {
		for _, e := range b.Snapshot() {
			if f.match(e) {
				writeEvent(w, e)
			}
		}
	}
	flusher.Flush()

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			_, _ = io.WriteString(w, ": ping\n\n")
			flusher.Flush()
		case e, ok := <-ch:
			if !ok {
				return
			}
			if f.match(e) {
				writeEvent(w, e)
				flusher.Flush()
			}
		}
	}
}

func writeEvent(w io.Writer, e LogEntry) {
	data, _ := json.Marshal(e)
	fmt.Fprintf(w, "event: log\ndata: %s\n\n", data)
}
