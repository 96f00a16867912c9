package bus

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// Identity is the ordered pair (module-class-identifier, canonicalized
// configuration) that names a unique upstream source feed. Two source
// declarations with equal Identity MUST share a single worker.
type Identity struct {
	ClassID string
	Config  string
}

// NewIdentity canonicalizes cfg (deep value equality modulo key order) and
// pairs it with classID.
func NewIdentity(classID string, cfg map[string]any) Identity {
	return Identity{ClassID: classID, Config: canonicalize(cfg)}
}

// canonicalize produces a stable string representation of cfg: nested maps
// are walked recursively with keys sorted before marshalling, so that two
// maps built in different key orders canonicalize identically.
func canonicalize(v any) string {
	b, _ := json.Marshal(sortedCopy(v))
	return string(b)
}

func sortedCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]keyValue, 0, len(keys))
		for _, k := range keys {
			out = append(out, keyValue{K: k, V: sortedCopy(t[k])})
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = sortedCopy(e)
		}
		return out
	default:
		return t
	}
}

type keyValue struct {
	K string `json:"k"`
	V any    `json:"v"`
}

// RoutingKey derives a deterministic routing key from the identity.
func (id Identity) RoutingKey() string { return "rk." + id.hash() }

// QueueName derives a deterministic queue name from the identity.
func (id Identity) QueueName() string { return "q." + id.hash() }

func (id Identity) hash() string {
	h := sha256.New()
	h.Write([]byte(id.ClassID))
	h.Write([]byte{0})
	h.Write([]byte(id.Config))
	return hex.EncodeToString(h.Sum(nil))[:16]
}
