package wire

import (
	"fmt"
	"strconv"
	"strings"
)

// Fields is a parsed "key=value|key=value" text payload, as used by
// SET_STREAM, STREAM_ACCEPTED and the HELLO resume hint (§6.1).
type Fields map[string]string

// ParseFields parses a pipe-separated key=value text payload. Segments
// without an '=' are ignored (this is how HELLO's bare text plus an
// optional "resume=<id>" segment are both accepted).
func ParseFields(s string) Fields {
	f := make(Fields)
	for _, part := range strings.Split(s, "|") {
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		f[k] = v
	}
	return f
}

func (f Fields) Int(key string) (int, bool) {
	v, ok := f[key]
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func (f Fields) String(key string) (string, bool) {
	v, ok := f[key]
	return v, ok
}

// EncodeFields renders pairs as "k1=v1|k2=v2|...", preserving the given order.
func EncodeFields(pairs ...string) string {
	return strings.Join(pairs, "|")
}

func kv(key string, val any) string {
	return fmt.Sprintf("%s=%v", key, val)
}

// KV formats a single key=value segment for EncodeFields callers.
func KV(key string, val any) string { return kv(key, val) }
