package realtime

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Normalize converts v into the generic JSON form kept in a tree (maps, slices, strings,
// float64, bool) and replaces ServerTimestamp placeholders with nowMillis.
func Normalize(v any, nowMillis int64) (any, error) {
	if v == nil {
		return nil, nil
	}
	var raw []byte
	switch t := v.(type) {
	case json.RawMessage:
		if len(t) == 0 {
			return nil, nil
		}
		raw = t
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("realtime.Normalize: %w", err)
		}
		raw = b
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("realtime.Normalize: %w", err)
	}
	return prune(resolve(out, nowMillis)), nil
}

func resolve(v any, now int64) any {
	m, ok := v.(map[string]any)
	if !ok {
		return v
	}
	if len(m) == 1 {
		if sv, ok := m[".sv"]; ok && sv == "timestamp" {
			return float64(now)
		}
	}
	for k, c := range m {
		m[k] = resolve(c, now)
	}
	return m
}

// prune drops empty objects; they are indistinguishable from absent values.
func prune(v any) any {
	m, ok := v.(map[string]any)
	if !ok {
		return v
	}
	for k, c := range m {
		if pc := prune(c); pc == nil {
			delete(m, k)
		} else {
			m[k] = pc
		}
	}
	if len(m) == 0 {
		return nil
	}
	return m
}

// Tree is a JSON document addressed by path segments. It is not safe for concurrent use.
type Tree struct {
	root map[string]any
}

func NewTree() *Tree {
	return &Tree{root: map[string]any{}}
}

// Get returns the value at segs, or nil.
func (t *Tree) Get(segs []string) any {
	var cur any = t.root
	for _, s := range segs {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur, ok = m[s]
		if !ok {
			return nil
		}
	}
	if m, ok := cur.(map[string]any); ok && len(m) == 0 {
		return nil
	}
	return cur
}

// Set replaces the value at segs. A nil value removes it and prunes empty parents.
// v must already be normalized.
func (t *Tree) Set(segs []string, v any) {
	if len(segs) == 0 {
		m, _ := v.(map[string]any)
		if m == nil {
			m = map[string]any{}
		}
		t.root = m
		return
	}
	if v == nil {
		t.remove(t.root, segs)
		return
	}
	cur := t.root
	for _, s := range segs[:len(segs)-1] {
		next, ok := cur[s].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[s] = next
		}
		cur = next
	}
	cur[segs[len(segs)-1]] = v
}

func (t *Tree) remove(m map[string]any, segs []string) bool {
	if len(segs) == 1 {
		delete(m, segs[0])
		return len(m) == 0
	}
	child, ok := m[segs[0]].(map[string]any)
	if !ok {
		return false
	}
	if t.remove(child, segs[1:]) {
		delete(m, segs[0])
	}
	return len(m) == 0
}

// Snapshot encodes the value at segs.
func (t *Tree) Snapshot(segs []string) Snapshot {
	snap := Snapshot{}
	if len(segs) > 0 {
		snap.Key = segs[len(segs)-1]
	}
	if v := t.Get(segs); v != nil {
		// values in the tree came from json.Unmarshal, re-encoding cannot fail
		snap.Value, _ = json.Marshal(v)
	}
	return snap
}

// ChildKeys returns the sorted keys of the object at segs.
func (t *Tree) ChildKeys(segs []string) []string {
	m, ok := t.Get(segs).(map[string]any)
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Children returns the ordered child snapshots at segs narrowed by q.
func (t *Tree) Children(segs []string, q Query) []Snapshot {
	keys := FilterKeys(t.ChildKeys(segs), q)
	out := make([]Snapshot, 0, len(keys))
	for _, k := range keys {
		out = append(out, t.Snapshot(append(append([]string(nil), segs...), k)))
	}
	return out
}

// FilterKeys applies q to an already sorted key list.
func FilterKeys(keys []string, q Query) []string {
	if q.StartAfter != "" {
		i := sort.SearchStrings(keys, q.StartAfter)
		if i < len(keys) && keys[i] == q.StartAfter {
			i++
		}
		keys = keys[i:]
	}
	if q.LimitToLast > 0 && len(keys) > q.LimitToLast {
		keys = keys[len(keys)-q.LimitToLast:]
	}
	return keys
}
