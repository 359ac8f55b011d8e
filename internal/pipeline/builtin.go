package pipeline

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/xxh3"

	"sqltocb/internal/config"
	"sqltocb/internal/row"
	"sqltocb/internal/source"
)

// BuiltinFactory builds a pipeline for base from config options.
type BuiltinFactory func(base Base, opts config.Options) (RowPipeline, error)

var (
	builtinMu sync.RWMutex
	builtins  = map[string]BuiltinFactory{
		"default":        func(b Base, _ config.Options) (RowPipeline, error) { return b, nil },
		"sample":         newSample,
		"scramble":       newScramble,
		"modified_since": newModifiedSince,
		"include_since":  newIncludeSince,
		"replace":        newReplace,
		"dedupe":         newDedupe,
		"drop_fields":    newDropFields,
	}
)

// RegisterBuiltin registers (or replaces) a config-addressable pipeline kind.
func RegisterBuiltin(kind string, f BuiltinFactory) {
	builtinMu.Lock()
	defer builtinMu.Unlock()
	builtins[kind] = f
}

// BuiltinKinds returns the registered builtin kinds, sorted.
func BuiltinKinds() []string {
	builtinMu.RLock()
	defer builtinMu.RUnlock()
	out := make([]string, 0, len(builtins))
	for k := range builtins {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// FromSpec builds the builtin pipeline described by spec.
func FromSpec(spec config.PipelineSpec) (RowPipeline, error) {
	builtinMu.RLock()
	f, ok := builtins[spec.Kind]
	builtinMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unsupported pipelines.kind=%s", spec.Kind)
	}
	p, err := f(Default(spec.Schema, spec.Table), spec.Options)
	if err != nil {
		return nil, fmt.Errorf("pipeline %s for %s.%s: %w", spec.Kind, spec.Schema, spec.Table, err)
	}
	return p, nil
}

// Configure registers one builtin per spec.
func (r *Registry) Configure(specs []config.PipelineSpec) error {
	for _, spec := range specs {
		p, err := FromSpec(spec)
		if err != nil {
			return err
		}
		if err := r.Register(p); err != nil {
			return err
		}
	}
	return nil
}

func newSample(b Base, opts config.Options) (RowPipeline, error) {
	b.Limit = opts.Int("rows", 100)
	if b.Limit <= 0 {
		return nil, fmt.Errorf("options.rows must be > 0")
	}
	return b, nil
}

// requireFields reads a non-empty "fields" option.
func requireFields(opts config.Options) ([]string, error) {
	fields := opts.StringSlice("fields")
	if len(fields) == 0 {
		return nil, fmt.Errorf("options.fields is required")
	}
	return fields, nil
}

// Scramble replaces sensitive field values with random values of the same
// kind. Values of kinds it cannot synthesize fail the row.
type Scramble struct {
	Base
	Fields []string

	mu  sync.Mutex
	src *rand.ChaCha8
	rnd *rand.Rand
}

var scrambleEpoch = time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC)

func newScramble(b Base, opts config.Options) (RowPipeline, error) {
	fields, err := requireFields(opts)
	if err != nil {
		return nil, err
	}
	var seed [32]byte
	if n := opts.Int("seed", 0); n != 0 {
		binary.LittleEndian.PutUint64(seed[:], uint64(n))
	} else {
		for i := 0; i < len(seed); i += 8 {
			binary.LittleEndian.PutUint64(seed[i:], rand.Uint64())
		}
	}
	src := rand.NewChaCha8(seed)
	return &Scramble{Base: b, Fields: fields, src: src, rnd: rand.New(src)}, nil
}

// Transform implements RowPipeline.
func (s *Scramble) Transform(r *row.Row) (*row.Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.Fields {
		v, ok := r.Get(f)
		if !ok || v == nil {
			continue
		}
		nv, err := s.scramble(v)
		if err != nil {
			return nil, fmt.Errorf("scramble %s: %w", f, err)
		}
		r.Set(f, nv)
	}
	return r, nil
}

func (s *Scramble) scramble(v any) (any, error) {
	switch x := v.(type) {
	case int:
		return s.rnd.Int(), nil
	case int64:
		return s.rnd.Int64(), nil
	case int32:
		return s.rnd.Int32(), nil
	case int16:
		return int16(s.rnd.IntN(1 << 15)), nil
	case int8:
		return int8(s.rnd.IntN(1 << 7)), nil
	case uint8:
		return uint8(s.rnd.UintN(1 << 8)), nil
	case float64:
		return s.rnd.Float64() * 1e6, nil
	case float32:
		return s.rnd.Float32() * 1e6, nil
	case json.Number:
		return json.Number(strconv.FormatFloat(s.rnd.Float64()*1e6, 'f', 2, 64)), nil
	case string:
		return s.hexString(len(x))
	case time.Time:
		span := time.Since(scrambleEpoch)
		return scrambleEpoch.Add(time.Duration(s.rnd.Int64N(int64(span)))), nil
	default:
		return nil, fmt.Errorf("cannot scramble value of type %T", v)
	}
}

// hexString returns n hex characters drawn from random UUIDs.
func (s *Scramble) hexString(n int) (string, error) {
	var b strings.Builder
	for b.Len() < n {
		u, err := uuid.NewRandomFromReader(s.src)
		if err != nil {
			return "", err
		}
		b.WriteString(strings.ReplaceAll(u.String(), "-", ""))
	}
	return b.String()[:n], nil
}

// ModifiedSince pushes a `column >= date` filter down to the source.
type ModifiedSince struct {
	Base
	Column string
	Since  time.Time
}

func newModifiedSince(b Base, opts config.Options) (RowPipeline, error) {
	since, ok, err := opts.Time("since")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("options.since is required")
	}
	return ModifiedSince{Base: b, Column: opts.String("column", "ModifiedDate"), Since: since}, nil
}

// Query implements RowPipeline.
func (m ModifiedSince) Query(d source.Dialect) string {
	from := d.QuoteIdent(m.Table)
	if m.Schema != "" {
		from = d.QuoteIdent(m.Schema) + "." + from
	}
	return fmt.Sprintf("SELECT * FROM %s WHERE %s >= '%s'", from, d.QuoteIdent(m.Column), m.Since.Format("2006-01-02"))
}

// IncludeSince keeps rows whose time column is at or after Since. It is the
// fetch-then-filter variant of ModifiedSince.
type IncludeSince struct {
	Base
	Column string
	Since  time.Time
}

func newIncludeSince(b Base, opts config.Options) (RowPipeline, error) {
	since, ok, err := opts.Time("since")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("options.since is required")
	}
	return IncludeSince{Base: b, Column: opts.String("column", "ModifiedDate"), Since: since}, nil
}

var rowTimeLayouts = []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999999", "2006-01-02T15:04:05", "2006-01-02"}

// IsIncluded implements RowPipeline. Rows without a readable time are dropped.
func (p IncludeSince) IsIncluded(r *row.Row) bool {
	v, _ := r.Get(p.Column)
	switch x := v.(type) {
	case time.Time:
		return !x.Before(p.Since)
	case string:
		for _, layout := range rowTimeLayouts {
			if t, err := time.Parse(layout, x); err == nil {
				return !t.Before(p.Since)
			}
		}
	}
	return false
}

// Replace rewrites substrings of string fields.
type Replace struct {
	Base
	Fields   []string
	Replacer *strings.Replacer
}

func newReplace(b Base, opts config.Options) (RowPipeline, error) {
	fields, err := requireFields(opts)
	if err != nil {
		return nil, err
	}
	pairs := opts.StringMap("replacements")
	if old := opts.String("old", ""); old != "" {
		if pairs == nil {
			pairs = map[string]string{}
		}
		pairs[old] = opts.String("new", "")
	}
	if len(pairs) == 0 {
		return nil, fmt.Errorf("options.old or options.replacements is required")
	}
	olds := make([]string, 0, len(pairs))
	for o := range pairs {
		olds = append(olds, o)
	}
	// Longest first so overlapping patterns resolve deterministically.
	sort.Slice(olds, func(i, j int) bool {
		if len(olds[i]) != len(olds[j]) {
			return len(olds[i]) > len(olds[j])
		}
		return olds[i] < olds[j]
	})
	args := make([]string, 0, 2*len(olds))
	for _, o := range olds {
		args = append(args, o, pairs[o])
	}
	return Replace{Base: b, Fields: fields, Replacer: strings.NewReplacer(args...)}, nil
}

// Transform implements RowPipeline. Non-string values are left alone.
func (p Replace) Transform(r *row.Row) (*row.Row, error) {
	for _, f := range p.Fields {
		if s, ok := r.Get(f); ok {
			if str, ok := s.(string); ok {
				r.Set(f, p.Replacer.Replace(str))
			}
		}
	}
	return r, nil
}

// Dedupe drops rows whose Columns values were already seen in the current
// stream. Rows missing a column pass through.
type Dedupe struct {
	Base
	Columns []string

	mu   sync.Mutex
	seen map[uint64]struct{}
}

func newDedupe(b Base, opts config.Options) (RowPipeline, error) {
	cols := opts.StringSlice("columns")
	if len(cols) == 0 {
		return nil, fmt.Errorf("options.columns is required")
	}
	return &Dedupe{Base: b, Columns: cols, seen: map[uint64]struct{}{}}, nil
}

// Reset implements Resetter.
func (d *Dedupe) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen = map[uint64]struct{}{}
}

// IsIncluded implements RowPipeline.
func (d *Dedupe) IsIncluded(r *row.Row) bool {
	var b strings.Builder
	for i, c := range d.Columns {
		v, ok := r.Get(c)
		if !ok {
			return true
		}
		if i > 0 {
			b.WriteByte('\x1f')
		}
		if v == nil {
			b.WriteByte('\x00')
			continue
		}
		fmt.Fprint(&b, v)
	}
	h := xxh3.HashString(b.String())

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, dup := d.seen[h]; dup {
		return false
	}
	d.seen[h] = struct{}{}
	return true
}

// DropFields removes fields before the row is written.
type DropFields struct {
	Base
	Fields []string
}

func newDropFields(b Base, opts config.Options) (RowPipeline, error) {
	fields, err := requireFields(opts)
	if err != nil {
		return nil, err
	}
	return DropFields{Base: b, Fields: fields}, nil
}

// Transform implements RowPipeline.
func (p DropFields) Transform(r *row.Row) (*row.Row, error) {
	for _, f := range p.Fields {
		r.Delete(f)
	}
	return r, nil
}
