package domain

import (
	"sync"
	"unicode/utf8"
)

// maxDiagnosticPayload bounds the payload excerpt kept per diagnostic, in runes.
const maxDiagnosticPayload = 200

// Diagnostic is one recorded intermediate failure.
type Diagnostic struct {
	Stage   string `json:"stage"`
	Message string `json:"message"`
	Payload string `json:"payload,omitempty"`
}

// Diagnostics collects intermediate failures of one orchestration. The zero
// value is ready to use and a nil *Diagnostics discards everything.
type Diagnostics struct {
	mu      sync.Mutex
	entries []Diagnostic
}

// Record appends a diagnostic. err may be nil when only a payload is noteworthy.
func (d *Diagnostics) Record(stage string, err error, payload []byte) {
	if d == nil {
		return
	}
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries = append(d.entries, Diagnostic{
		Stage:   stage,
		Message: msg,
		Payload: Truncate(string(payload), maxDiagnosticPayload),
	})
}

// Entries returns a copy of the recorded diagnostics in order.
func (d *Diagnostics) Entries() []Diagnostic {
	if d == nil {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Diagnostic, len(d.entries))
	copy(out, d.entries)
	return out
}

// Truncate returns at most n runes of s.
func Truncate(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}
