// Package keys derives document keys from source rows.
//
// A key is the row's primary-key column values, in key order, joined with
// "::". Primary-key columns are looked up once per table and cached; tables
// without a declared key get a fresh UUID per row, so repeated runs over a
// keyless table produce new documents each time.
package keys

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"sqltocb/internal/logging"
	"sqltocb/internal/naming"
	"sqltocb/internal/row"
)

// Separator joins compound key parts.
const Separator = "::"

// PrimaryKeyer is the slice of the source catalog the resolver needs.
type PrimaryKeyer interface {
	PrimaryKey(ctx context.Context, schema, table string) ([]string, error)
}

// newID is a test hook that points to uuid.NewString by default.
var newID = uuid.NewString

// Resolver resolves document keys. It is safe for concurrent use.
type Resolver struct {
	src PrimaryKeyer
	log zerolog.Logger

	mu    sync.RWMutex
	cache map[naming.TableID][]string
	group singleflight.Group
}

// NewResolver returns a Resolver reading key metadata from src.
func NewResolver(src PrimaryKeyer, log zerolog.Logger) *Resolver {
	return &Resolver{
		src:   src,
		log:   logging.Component(log, "keys"),
		cache: map[naming.TableID][]string{},
	}
}

// PrimaryKey returns the cached primary-key columns of schema.table,
// querying the source on first use. Concurrent first lookups of the same
// table share one query. Failed lookups are not cached.
func (r *Resolver) PrimaryKey(ctx context.Context, schema, table string) ([]string, error) {
	id := naming.TableID{Schema: schema, Table: table}
	r.mu.RLock()
	cols, ok := r.cache[id]
	r.mu.RUnlock()
	if ok {
		return cols, nil
	}

	v, err, _ := r.group.Do(id.String(), func() (any, error) {
		r.mu.RLock()
		cols, ok := r.cache[id]
		r.mu.RUnlock()
		if ok {
			return cols, nil
		}
		cols, err := r.src.PrimaryKey(ctx, schema, table)
		if err != nil {
			return nil, err
		}
		if len(cols) == 0 {
			r.log.Warn().Str("table", id.String()).Msg("no primary key; documents get generated keys")
		}
		r.mu.Lock()
		r.cache[id] = cols
		r.mu.Unlock()
		return cols, nil
	})
	if err != nil {
		return nil, fmt.Errorf("primary key of %s: %w", id, err)
	}
	return v.([]string), nil
}

// ResolveKey returns the document key for rw, a row of schema.table.
func (r *Resolver) ResolveKey(ctx context.Context, rw *row.Row, schema, table string) (string, error) {
	cols, err := r.PrimaryKey(ctx, schema, table)
	if err != nil {
		return "", err
	}
	key := Compose(rw, cols)
	if strings.TrimSpace(key) == "" {
		return newID(), nil
	}
	return key, nil
}

// Compose joins the values of cols on rw with Separator. Missing or nil
// values render as empty parts.
func Compose(rw *row.Row, cols []string) string {
	if len(cols) == 0 {
		return ""
	}
	parts := make([]string, len(cols))
	for i, c := range cols {
		v, _ := rw.Get(c)
		parts[i] = Format(v)
	}
	return strings.Join(parts, Separator)
}

// Format renders one key part.
func Format(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	case json.Number:
		return x.String()
	case time.Time:
		return x.Format(time.RFC3339Nano)
	default:
		return fmt.Sprint(v)
	}
}
