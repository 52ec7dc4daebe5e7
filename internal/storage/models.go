package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// ErrNotFound is returned when a requested document does not exist.
var ErrNotFound = errors.New("not found")

// Document is one JSON document from a logical collection. The store
// assigns an "id" field on insert when the caller did not provide one.
type Document map[string]any

// ID returns the document's identity, or "" if it has none yet.
func (d Document) ID() string {
	id, _ := d["id"].(string)
	return id
}

// String returns the string value at a dotted field path, or "".
func (d Document) String(path string) string {
	s, _ := d.Get(path).(string)
	return s
}

// Get returns the value at a dotted field path, or nil if any segment is
// missing. Numeric segments index into arrays.
func (d Document) Get(path string) any {
	var cur any = map[string]any(d)
	for _, seg := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			cur = node[seg]
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil
			}
			cur = node[idx]
		default:
			return nil
		}
	}
	return cur
}

// Set writes value at a dotted field path, creating intermediate objects
// as needed. Numeric segments index into existing arrays; an out-of-range
// index is a no-op.
func (d Document) Set(path string, value any) {
	segs := strings.Split(path, ".")
	var cur any = map[string]any(d)
	for i, seg := range segs {
		last := i == len(segs)-1
		switch node := cur.(type) {
		case map[string]any:
			if last {
				node[seg] = value
				return
			}
			next := node[seg]
			switch next.(type) {
			case map[string]any, []any:
			default:
				m := make(map[string]any)
				node[seg] = m
				next = m
			}
			cur = next
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return
			}
			if last {
				node[idx] = value
				return
			}
			cur = node[idx]
		default:
			return
		}
	}
}

// Push appends value to the array at a dotted field path, creating the
// array if absent. It does not deduplicate; set semantics belong to the
// callers that need them.
func (d Document) Push(path string, value any) {
	arr, _ := d.Get(path).([]any)
	d.Set(path, append(arr, value))
}

// Pull removes every element of the array at a dotted field path that is
// value-equal to value. A missing or non-array field is a no-op.
func (d Document) Pull(path string, value any) {
	arr, ok := d.Get(path).([]any)
	if !ok {
		return
	}
	kept := make([]any, 0, len(arr))
	for _, el := range arr {
		if !ValueEqual(el, value) {
			kept = append(kept, el)
		}
	}
	d.Set(path, kept)
}

// Clone returns a deep copy of the document via a JSON round trip.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	raw, err := json.Marshal(d)
	if err != nil {
		return nil
	}
	var out Document
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

// Decode unmarshals the document into the typed value v.
func (d Document) Decode(v any) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encoding document: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decoding document: %w", err)
	}
	return nil
}

// Encode converts a typed value into a Document via a JSON round trip.
func Encode(v any) (Document, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding value: %w", err)
	}
	var d Document
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("decoding value: %w", err)
	}
	return d, nil
}

// ValueEqual compares two decoded JSON values structurally, normalizing
// both through a JSON round trip so that different in-memory encodings of
// the same number compare equal.
func ValueEqual(a, b any) bool {
	ra, errA := json.Marshal(a)
	rb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return reflect.DeepEqual(a, b)
	}
	var va, vb any
	if json.Unmarshal(ra, &va) != nil || json.Unmarshal(rb, &vb) != nil {
		return reflect.DeepEqual(a, b)
	}
	return reflect.DeepEqual(va, vb)
}

// ChangeOp classifies a change-log row.
type ChangeOp string

const (
	OpInsert ChangeOp = "insert"
	OpUpdate ChangeOp = "update"
	OpDelete ChangeOp = "delete"
)

// ChangeRecord is one row of the store's change log, written by the
// triggers installed by EnableChangeLog.
type ChangeRecord struct {
	Seq      int64
	Source   string
	Op       ChangeOp
	DocID    string
	OldDoc   Document
	NewDoc   Document
	LoggedAt time.Time
}

// UpdatedFields returns the top-level fields whose value differs between
// OldDoc and NewDoc, plus the names of fields removed by the update.
func (r ChangeRecord) UpdatedFields() (map[string]any, []string) {
	updated := make(map[string]any)
	var removed []string
	for k, nv := range r.NewDoc {
		if ov, ok := r.OldDoc[k]; !ok || !ValueEqual(ov, nv) {
			updated[k] = nv
		}
	}
	for k := range r.OldDoc {
		if _, ok := r.NewDoc[k]; !ok {
			removed = append(removed, k)
		}
	}
	return updated, removed
}
