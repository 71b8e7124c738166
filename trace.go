package servx

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"strings"
)

// Trace carries W3C trace context for propagation to an upstream host.
// TraceID is 32 hex chars, SpanID is 16, Flags are 2 (e.g. "01").
type Trace struct {
	TraceID      string
	SpanID       string
	ParentSpanID string
	Flags        string
}

type traceKeyType struct{}

var traceKey traceKeyType

// WithTrace stores tr in ctx.
func WithTrace(ctx context.Context, tr Trace) context.Context {
	return context.WithValue(ctx, traceKey, tr)
}

// TraceFrom extracts the trace stored in ctx, if any.
func TraceFrom(ctx context.Context) (Trace, bool) {
	if v := ctx.Value(traceKey); v != nil {
		if tr, ok := v.(Trace); ok {
			return tr, true
		}
	}
	return Trace{}, false
}

func genTraceID() string { return genRandomHex(16) }
func genSpanID() string  { return genRandomHex(8) }

func genRandomHex(n int) string {
	b := make([]byte, n)
	for {
		if _, err := rand.Read(b); err == nil && !allZero(b) {
			return strings.ToLower(hex.EncodeToString(b))
		}
	}
}

func allZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

// parseTraceparent splits a "traceparent" header value into its fields.
func parseTraceparent(v string) (traceID, spanID, flags string, ok bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return "", "", "", false
	}
	parts := strings.Split(v, "-")
	if len(parts) < 4 {
		return "", "", "", false
	}
	ver, tid, sid, fl := parts[0], parts[1], parts[2], parts[3]
	if len(ver) != 2 || len(tid) != 32 || len(sid) != 16 || len(fl) != 2 {
		return "", "", "", false
	}
	if !isHex(tid) || !isHex(sid) || !isHex(fl) {
		return "", "", "", false
	}
	if strings.ToLower(tid) == strings.Repeat("0", 32) || strings.ToLower(sid) == strings.Repeat("0", 16) {
		return "", "", "", false
	}
	return strings.ToLower(tid), strings.ToLower(sid), strings.ToLower(fl), true
}

func formatTraceparent(traceID, spanID, flags string) string {
	if flags == "" {
		flags = "01"
	}
	return "00-" + strings.ToLower(traceID) + "-" + strings.ToLower(spanID) + "-" + strings.ToLower(flags)
}

func isHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F') {
			continue
		}
		return false
	}
	return true
}

// TraceStateBuilder safely builds a W3C "tracestate" header value,
// keeping the most recently set entry first.
type TraceStateBuilder struct {
	order []string
	kv    map[string]string
}

// NewTraceStateBuilder parses an existing tracestate string, dropping
// any entries that fail validation.
func NewTraceStateBuilder(v string) *TraceStateBuilder {
	b := &TraceStateBuilder{kv: make(map[string]string)}
	v = strings.TrimSpace(v)
	if v == "" {
		return b
	}
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		i := strings.IndexByte(part, '=')
		if i <= 0 {
			continue
		}
		k := strings.ToLower(strings.TrimSpace(part[:i]))
		val := strings.TrimSpace(part[i+1:])
		if !validTSKey(k) || !validTSValue(val) {
			continue
		}
		if _, ok := b.kv[k]; ok {
			continue
		}
		b.kv[k] = val
		b.order = append(b.order, k)
	}
	return b
}

// Set inserts or moves key to the front with value. Returns false if
// the key/value pair is invalid and was rejected.
func (b *TraceStateBuilder) Set(key, value string) bool {
	k := strings.ToLower(strings.TrimSpace(key))
	v := strings.TrimSpace(value)
	if !validTSKey(k) || !validTSValue(v) {
		return false
	}
	if _, ok := b.kv[k]; ok {
		for i, ek := range b.order {
			if ek == k {
				b.order = append(b.order[:i], b.order[i+1:]...)
				break
			}
		}
	}
	b.kv[k] = v
	b.order = append([]string{k}, b.order...)
	return true
}

func (b *TraceStateBuilder) String() string {
	if len(b.order) == 0 {
		return ""
	}
	var sb strings.Builder
	for i, k := range b.order {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(b.kv[k])
	}
	return sb.String()
}

func validTSKey(k string) bool {
	if k == "" {
		return false
	}
	parts := strings.Split(k, "@")
	if len(parts) > 2 {
		return false
	}
	for _, p := range parts {
		if p == "" {
			return false
		}
		for i := 0; i < len(p); i++ {
			c := p[i]
			if (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '_' || c == '-' || c == '*' || c == '/' || c == '.' {
				continue
			}
			return false
		}
	}
	return true
}

func validTSValue(v string) bool {
	if v == "" {
		return false
	}
	for i := 0; i < len(v); i++ {
		c := v[i]
		if c < 0x20 || c == 0x7f || c == ',' {
			return false
		}
	}
	return true
}
