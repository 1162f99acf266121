// Copyright 2025 James Ross
package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// SchemaLog is the wire/storage schema identifier for audit entries.
const SchemaLog = "pi.ext.log.v1"

// Correlation ties an entry back to whichever unit of work produced it:
// the extension itself, and whichever of a scenario run, session, tool
// call, slash command, event delivery, hostcall, or trace span was in
// flight. Most entries only populate a handful of these.
type Correlation struct {
	ExtensionID    string `json:"extension_id,omitempty"`
	ScenarioID     string `json:"scenario_id,omitempty"`
	SessionID      string `json:"session_id,omitempty"`
	RunID          string `json:"run_id,omitempty"`
	ToolCallID     string `json:"tool_call_id,omitempty"`
	SlashCommandID string `json:"slash_command_id,omitempty"`
	EventID        string `json:"event_id,omitempty"`
	HostCallID     string `json:"host_call_id,omitempty"`
	TraceID        string `json:"trace_id,omitempty"`
	SpanID         string `json:"span_id,omitempty"`
}

// Source identifies which extension and subsystem emitted the entry.
type Source struct {
	ExtensionID string `json:"extension_id,omitempty"`
	Component   string `json:"component"`
}

// Entry matches the pi.ext.log.v1 schema exactly.
type Entry struct {
	Schema      string                 `json:"schema"`
	TSRFC3339   string                 `json:"ts_rfc3339"`
	Level       string                 `json:"level"`
	Event       string                 `json:"event"`
	Message     string                 `json:"message,omitempty"`
	Correlation Correlation            `json:"correlation,omitempty"`
	Source      Source                 `json:"source"`
	Data        map[string]interface{} `json:"data,omitempty"`
}

// secretPattern matches the keys whose values must be redacted before an
// entry is written, case-insensitively.
var secretPattern = regexp.MustCompile(`(?i)^(api_key|token|authorization|cookie|password|secret|private_key|credential|bearer)$`)

// CanonicalParamsHash returns the SHA-256 of the canonical JSON encoding of
// {method, params} — sorted keys, no insignificant whitespace, UTF-8.
func CanonicalParamsHash(method string, params json.RawMessage) (string, error) {
	var decoded interface{}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &decoded); err != nil {
			return "", fmt.Errorf("audit: decode params: %w", err)
		}
	}
	canon, err := canonicalize(map[string]interface{}{"method": method, "params": decoded})
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

func canonicalize(v interface{}) ([]byte, error) {
	switch t := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := []byte("{")
		for i, k := range keys {
			if i > 0 {
				out = append(out, ',')
			}
			kb, _ := json.Marshal(k)
			out = append(out, kb...)
			out = append(out, ':')
			vb, err := canonicalize(t[k])
			if err != nil {
				return nil, err
			}
			out = append(out, vb...)
		}
		out = append(out, '}')
		return out, nil
	case []interface{}:
		out := []byte("[")
		for i, e := range t {
			if i > 0 {
				out = append(out, ',')
			}
			eb, err := canonicalize(e)
			if err != nil {
				return nil, err
			}
			out = append(out, eb...)
		}
		out = append(out, ']')
		return out, nil
	default:
		return json.Marshal(t)
	}
}

// redact replaces any secret-pattern-matching key's value in data, recursing
// into nested maps.
func redact(data map[string]interface{}) map[string]interface{} {
	if data == nil {
		return nil
	}
	out := make(map[string]interface{}, len(data))
	for k, v := range data {
		if secretPattern.MatchString(k) {
			out[k] = "[REDACTED]"
			continue
		}
		if nested, ok := v.(map[string]interface{}); ok {
			out[k] = redact(nested)
			continue
		}
		out[k] = v
	}
	return out
}

// Config configures a Ledger.
type Config struct {
	LogPath    string
	RotateMB   int
	MaxBackups int
	Compress   bool
}

// Ledger is the append-only JSONL evidence ledger. Every hostcall produces
// a host_call.start/host_call.end pair; the Ledger itself only guarantees
// total order and redaction, not pairing (that's the dispatcher's job).
type Ledger struct {
	mu     sync.Mutex
	file   *lumberjack.Logger
	seq    int64
	mirror Mirror
}

// Mirror optionally fans audit entries out to an external sink (e.g. NATS).
type Mirror interface {
	Publish(Entry) error
}

// Open creates the log directory if needed and returns a ready Ledger.
func Open(cfg Config, mirror Mirror) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.LogPath), 0o755); err != nil {
		return nil, fmt.Errorf("audit: mkdir: %w", err)
	}
	return &Ledger{
		file: &lumberjack.Logger{
			Filename:   cfg.LogPath,
			MaxSize:    cfg.RotateMB,
			MaxBackups: cfg.MaxBackups,
			Compress:   cfg.Compress,
		},
		mirror: mirror,
	}, nil
}

// Append writes entry after stamping its sequence-derived ordering fields
// and redacting secret-pattern keys, then mirrors it if configured.
func (l *Ledger) Append(e Entry) error {
	e.Schema = SchemaLog
	if e.TSRFC3339 == "" {
		e.TSRFC3339 = time.Now().UTC().Format(time.RFC3339Nano)
	}
	e.Data = redact(e.Data)

	seq := atomic.AddInt64(&l.seq, 1)
	if e.Data == nil {
		e.Data = map[string]interface{}{}
	}
	e.Data["_seq"] = seq

	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("audit: marshal entry: %w", err)
	}

	l.mu.Lock()
	_, werr := l.file.Write(append(b, '\n'))
	l.mu.Unlock()
	if werr != nil {
		return fmt.Errorf("audit: write entry: %w", werr)
	}

	if l.mirror != nil {
		_ = l.mirror.Publish(e)
	}
	return nil
}

// Close flushes and closes the underlying rotating file.
func (l *Ledger) Close() error {
	return l.file.Close()
}

// Filter narrows a Query.
type Filter struct {
	ExtensionID string
	Event       string
	HostCallID  string
	Since       time.Time
	Until       time.Time
	Limit       int
}

// Query reads the ledger's current file and returns matching entries,
// newest first. Used by the admin surface and by tests replaying fixtures.
func Query(path string, filter Filter) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("audit: open %s: %w", path, err)
	}
	defer f.Close()

	var entries []Entry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		if matches(e, filter) {
			entries = append(entries, e)
		}
	}
	if err := sc.Err(); err != nil && err != io.EOF {
		return nil, err
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].TSRFC3339 > entries[j].TSRFC3339 })
	if filter.Limit > 0 && len(entries) > filter.Limit {
		entries = entries[:filter.Limit]
	}
	return entries, nil
}

func matches(e Entry, f Filter) bool {
	if f.ExtensionID != "" && e.Source.ExtensionID != f.ExtensionID {
		return false
	}
	if f.Event != "" && e.Event != f.Event {
		return false
	}
	if f.HostCallID != "" && e.Correlation.HostCallID != f.HostCallID {
		return false
	}
	ts, err := time.Parse(time.RFC3339Nano, e.TSRFC3339)
	if err == nil {
		if !f.Since.IsZero() && ts.Before(f.Since) {
			return false
		}
		if !f.Until.IsZero() && ts.After(f.Until) {
			return false
		}
	}
	return true
}
