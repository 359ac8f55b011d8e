// Package row defines Row, an ordered field-name → value map that represents
// one source row on its way to becoming a document.
//
// Column order from the source is preserved through transforms and into the
// JSON written to the target store. Lookups are O(1) via an index map.
package row

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Row is an ordered map of field name to value. The zero value is ready to use.
// A Row is not safe for concurrent mutation.
type Row struct {
	keys   []string
	values map[string]any
}

// New returns an empty Row with room for n fields.
func New(n int) *Row {
	return &Row{keys: make([]string, 0, n), values: make(map[string]any, n)}
}

// FromPairs builds a Row from alternating name/value arguments. It panics on
// an odd argument count or a non-string name; intended for tests and literals.
func FromPairs(kv ...any) *Row {
	if len(kv)%2 != 0 {
		panic("row.FromPairs: odd argument count")
	}
	r := New(len(kv) / 2)
	for i := 0; i < len(kv); i += 2 {
		name, ok := kv[i].(string)
		if !ok {
			panic(fmt.Sprintf("row.FromPairs: argument %d is %T, want string", i, kv[i]))
		}
		r.Set(name, kv[i+1])
	}
	return r
}

// Len reports the number of fields.
func (r *Row) Len() int { return len(r.keys) }

// Get returns the value for name and whether it was present.
func (r *Row) Get(name string) (any, bool) {
	if r.values == nil {
		return nil, false
	}
	v, ok := r.values[name]
	return v, ok
}

// Has reports whether name is present.
func (r *Row) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// Set assigns value to name. New names are appended; existing names keep
// their position.
func (r *Row) Set(name string, value any) {
	if r.values == nil {
		r.values = make(map[string]any)
	}
	if _, ok := r.values[name]; !ok {
		r.keys = append(r.keys, name)
	}
	r.values[name] = value
}

// Delete removes name. Missing names are ignored.
func (r *Row) Delete(name string) {
	if _, ok := r.values[name]; !ok {
		return
	}
	delete(r.values, name)
	for i, k := range r.keys {
		if k == name {
			r.keys = append(r.keys[:i], r.keys[i+1:]...)
			break
		}
	}
}

// Keys returns the field names in order. The slice is a copy.
func (r *Row) Keys() []string {
	out := make([]string, len(r.keys))
	copy(out, r.keys)
	return out
}

// Range calls fn for each field in order until fn returns false.
func (r *Row) Range(fn func(name string, value any) bool) {
	for _, k := range r.keys {
		if !fn(k, r.values[k]) {
			return
		}
	}
}

// Clone returns a shallow copy of r.
func (r *Row) Clone() *Row {
	c := New(len(r.keys))
	for _, k := range r.keys {
		c.Set(k, r.values[k])
	}
	return c
}

// Map returns the fields as a plain map. Order is lost.
func (r *Row) Map() map[string]any {
	m := make(map[string]any, len(r.keys))
	for _, k := range r.keys {
		m[k] = r.values[k]
	}
	return m
}

// String renders the row as JSON for log lines; encoding failures fall back
// to fmt's map formatting.
func (r *Row) String() string {
	b, err := r.MarshalJSON()
	if err != nil {
		return fmt.Sprint(r.Map())
	}
	return string(b)
}

// MarshalJSON encodes the row as a JSON object with fields in order.
func (r *Row) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range r.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		vb, err := json.Marshal(r.values[k])
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object, keeping top-level field order. Nested
// objects decode as map[string]any and arrays as []any; numbers at any depth
// become int64 when integral, float64 when exact, json.Number otherwise.
func (r *Row) UnmarshalJSON(b []byte) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("row: expected JSON object, got %v", tok)
	}
	r.keys = r.keys[:0]
	r.values = make(map[string]any)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		name, ok := tok.(string)
		if !ok {
			return fmt.Errorf("row: expected field name, got %v", tok)
		}
		var v any
		if err := dec.Decode(&v); err != nil {
			return fmt.Errorf("row: field %q: %w", name, err)
		}
		r.Set(name, normalizeNumber(v))
	}
	_, err = dec.Token()
	return err
}

// normalizeNumber turns json.Number values back into int64 when integral and
// float64 when the text survives the conversion, so round-tripped key columns
// format the same way they did before the write. Anything else stays a
// json.Number.
func normalizeNumber(v any) any {
	var n json.Number
	switch x := v.(type) {
	case json.Number:
		n = x
	case map[string]any:
		for k, e := range x {
			x[k] = normalizeNumber(e)
		}
		return x
	case []any:
		for i, e := range x {
			x[i] = normalizeNumber(e)
		}
		return x
	default:
		return v
	}
	if i, err := n.Int64(); err == nil {
		return i
	}
	if f, err := n.Float64(); err == nil && strconv.FormatFloat(f, 'g', -1, 64) == n.String() {
		return f
	}
	return n
}
