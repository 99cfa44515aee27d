package memo

import (
	"fmt"
	"sort"
	"strings"
)

// keys separate segments with a unit separator so "ab"+"c" and "a"+"bc"
// cannot collide.
const sep = "\x1f"

// Key builds a deterministic, order-dependent cache key for an operation and
// its positional arguments.
func Key(op string, args ...any) string {
	var b strings.Builder
	b.WriteString(op)
	for _, arg := range args {
		b.WriteString(sep)
		b.WriteString(encode(arg))
	}
	return b.String()
}

// KeyKV builds a deterministic, order-independent cache key for keyword-style
// arguments: the same map always produces the same key regardless of
// insertion order.
func KeyKV(op string, kv map[string]any) string {
	names := make([]string, 0, len(kv))
	for name := range kv {
		names = append(names, name)
	}
	sort.Strings(names)
	var b strings.Builder
	b.WriteString(op)
	for _, name := range names {
		b.WriteString(sep)
		b.WriteString(name)
		b.WriteString("=")
		b.WriteString(encode(kv[name]))
	}
	return b.String()
}

func encode(v any) string {
	switch t := v.(type) {
	case string:
		return "s:" + t
	case []byte:
		return "b:" + string(t)
	case nil:
		return "nil"
	default:
		return fmt.Sprintf("%T:%v", v, v)
	}
}
