// Package target defines the document-store contract the migration engine
// writes to: one bucket (the container) holding scopes, each holding
// collections of JSON documents addressed by string keys. Concrete stores
// register a Factory at init time, mirroring the source package.
//
//	import _ "sqltocb/internal/target/all"
//
//	st, err := target.New(ctx, target.Config{Kind: "couchbase", ...})
package target

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"sqltocb/internal/row"
)

// Errors reported by stores. Callers match them with errors.Is.
var (
	ErrAlreadyExists = errors.New("already exists")
	ErrNotFound      = errors.New("not found")
	ErrPathExists    = errors.New("path exists")
	ErrPathNotFound  = errors.New("path not found")
)

// Keyspace addresses one collection of the configured bucket.
type Keyspace struct {
	Scope      string
	Collection string
}

// String returns scope.collection.
func (k Keyspace) String() string { return k.Scope + "." + k.Collection }

// MutationKind selects a sub-document operation.
type MutationKind int

const (
	// ArrayAppend appends Value to the array at Path.
	ArrayAppend MutationKind = iota
	// ArrayAddUnique adds Value to the array at Path unless an equal value is
	// already present, in which case the whole mutation fails with
	// ErrPathExists.
	ArrayAddUnique
	// Insert sets Path to Value; fails with ErrPathExists when Path is set.
	Insert
	// Upsert sets Path to Value.
	Upsert
	// Remove deletes Path; fails with ErrPathNotFound when Path is unset.
	Remove
)

func (k MutationKind) String() string {
	switch k {
	case ArrayAppend:
		return "array_append"
	case ArrayAddUnique:
		return "array_add_unique"
	case Insert:
		return "insert"
	case Upsert:
		return "upsert"
	case Remove:
		return "remove"
	default:
		return fmt.Sprintf("MutationKind(%d)", int(k))
	}
}

// Mutation is one sub-document operation. Paths name top-level fields.
type Mutation struct {
	Kind  MutationKind
	Path  string
	Value any
	// CreatePath creates a missing array for ArrayAppend and ArrayAddUnique.
	CreatePath bool
}

// Role is one target role grant. Empty Bucket/Scope/Collection mean the
// role is not restricted at that level.
type Role struct {
	Name       string
	Bucket     string
	Scope      string
	Collection string
}

// User is a local user account on the target.
type User struct {
	Name        string
	DisplayName string
	Password    string
	Roles       []Role
}

// Store is the document-store collaborator. All operations act on the
// configured bucket. Implementations must be safe for concurrent use.
type Store interface {
	// CreateBucket creates the configured bucket. It returns an error
	// wrapping ErrAlreadyExists when the bucket is already there.
	CreateBucket(ctx context.Context) error

	// WaitReady opens the configured bucket and blocks until it is usable
	// for key-value and query traffic, or until timeout elapses.
	WaitReady(ctx context.Context, timeout time.Duration) error

	Scopes(ctx context.Context) ([]string, error)
	// CreateScope wraps ErrAlreadyExists for an existing scope.
	CreateScope(ctx context.Context, scope string) error
	Collections(ctx context.Context, scope string) ([]string, error)
	// CreateCollection wraps ErrAlreadyExists for an existing collection.
	CreateCollection(ctx context.Context, ks Keyspace) error

	// CreateIndex creates a secondary index over fields. It wraps
	// ErrAlreadyExists when an index of that name exists.
	CreateIndex(ctx context.Context, ks Keyspace, name string, fields []string) error

	Upsert(ctx context.Context, ks Keyspace, key string, doc *row.Row) error
	// Get wraps ErrNotFound for a missing key.
	Get(ctx context.Context, ks Keyspace, key string) (*row.Row, error)
	Exists(ctx context.Context, ks Keyspace, key string) (bool, error)
	// MutateIn applies ops atomically. It wraps ErrNotFound for a missing
	// document, and ErrPathExists / ErrPathNotFound per Mutation docs; in
	// every failure case no op is applied.
	MutateIn(ctx context.Context, ks Keyspace, key string, ops []Mutation) error

	UpsertUser(ctx context.Context, u User) error

	Close() error
}

// Config selects and configures a target backend.
type Config struct {
	Kind             string
	ConnectionString string
	Username         string
	Password         string
	Bucket           string
	RAMQuotaMB       int
}

// Factory constructs a Store for a given Config.
type Factory func(ctx context.Context, cfg Config) (Store, error)

var (
	mu        sync.RWMutex
	factories = map[string]Factory{}
)

// Register registers (or replaces) a factory for kind.
func Register(kind string, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	factories[kind] = f
}

// New connects a Store for cfg.Kind.
func New(ctx context.Context, cfg Config) (Store, error) {
	mu.RLock()
	f, ok := factories[cfg.Kind]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unsupported target.kind=%s", cfg.Kind)
	}
	return f(ctx, cfg)
}

// ListKinds returns the registered kinds, sorted.
func ListKinds() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
