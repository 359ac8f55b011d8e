// Package memory implements an in-process target.Store. It backs dry runs
// (target.kind = "memory") and hermetic tests. Documents are held as JSON so
// reads observe exactly what a networked store would hand back.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"sqltocb/internal/row"
	"sqltocb/internal/target"
)

// DefaultScope and DefaultCollection exist in every new bucket.
const (
	DefaultScope      = "_default"
	DefaultCollection = "_default"
)

func init() {
	target.Register("memory", func(ctx context.Context, cfg target.Config) (target.Store, error) {
		return New(cfg.Bucket), nil
	})
}

type collection struct {
	docs    map[string][]byte
	indexes map[string][]string
}

// Store is safe for concurrent use.
type Store struct {
	mu     sync.Mutex
	bucket string

	exists  bool
	ready   bool
	scopes  map[string]map[string]*collection
	users   map[string]target.User
	failKey map[string]error

	bucketCreates int
	upserts       int
	closed        bool
}

// New returns a store for bucket. The bucket does not exist until
// CreateBucket is called.
func New(bucket string) *Store {
	return &Store{
		bucket:  bucket,
		scopes:  map[string]map[string]*collection{},
		users:   map[string]target.User{},
		failKey: map[string]error{},
	}
}

// Bucket returns the configured bucket name.
func (s *Store) Bucket() string { return s.bucket }

// CreateBucket implements target.Store.
func (s *Store) CreateBucket(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bucketCreates++
	if s.exists {
		return fmt.Errorf("bucket %s: %w", s.bucket, target.ErrAlreadyExists)
	}
	s.exists = true
	s.scopes[DefaultScope] = map[string]*collection{DefaultCollection: newCollection()}
	return nil
}

// WaitReady implements target.Store.
func (s *Store) WaitReady(ctx context.Context, timeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.exists {
		return fmt.Errorf("bucket %s: %w", s.bucket, target.ErrNotFound)
	}
	s.ready = true
	return nil
}

// Scopes implements target.Store.
func (s *Store) Scopes(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkReady(); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(s.scopes))
	for name := range s.scopes {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

// CreateScope implements target.Store.
func (s *Store) CreateScope(ctx context.Context, scope string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkReady(); err != nil {
		return err
	}
	if _, ok := s.scopes[scope]; ok {
		return fmt.Errorf("scope %s: %w", scope, target.ErrAlreadyExists)
	}
	s.scopes[scope] = map[string]*collection{}
	return nil
}

// Collections implements target.Store.
func (s *Store) Collections(ctx context.Context, scope string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkReady(); err != nil {
		return nil, err
	}
	colls, ok := s.scopes[scope]
	if !ok {
		return nil, fmt.Errorf("scope %s: %w", scope, target.ErrNotFound)
	}
	out := make([]string, 0, len(colls))
	for name := range colls {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

// CreateCollection implements target.Store.
func (s *Store) CreateCollection(ctx context.Context, ks target.Keyspace) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkReady(); err != nil {
		return err
	}
	colls, ok := s.scopes[ks.Scope]
	if !ok {
		return fmt.Errorf("scope %s: %w", ks.Scope, target.ErrNotFound)
	}
	if _, ok := colls[ks.Collection]; ok {
		return fmt.Errorf("collection %s: %w", ks, target.ErrAlreadyExists)
	}
	colls[ks.Collection] = newCollection()
	return nil
}

// CreateIndex implements target.Store.
func (s *Store) CreateIndex(ctx context.Context, ks target.Keyspace, name string, fields []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.collection(ks)
	if err != nil {
		return err
	}
	if _, ok := c.indexes[name]; ok {
		return fmt.Errorf("index %s on %s: %w", name, ks, target.ErrAlreadyExists)
	}
	c.indexes[name] = append([]string{}, fields...)
	return nil
}

// Upsert implements target.Store.
func (s *Store) Upsert(ctx context.Context, ks target.Keyspace, key string, doc *row.Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upserts++
	c, err := s.collection(ks)
	if err != nil {
		return err
	}
	if err := s.failKey[failID(ks, key)]; err != nil {
		return err
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	c.docs[key] = b
	return nil
}

// Get implements target.Store.
func (s *Store) Get(ctx context.Context, ks target.Keyspace, key string) (*row.Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.collection(ks)
	if err != nil {
		return nil, err
	}
	return c.get(ks, key)
}

// Exists implements target.Store.
func (s *Store) Exists(ctx context.Context, ks target.Keyspace, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.collection(ks)
	if err != nil {
		return false, err
	}
	_, ok := c.docs[key]
	return ok, nil
}

// MutateIn implements target.Store. Ops are applied to a copy that is only
// committed when every op succeeds.
func (s *Store) MutateIn(ctx context.Context, ks target.Keyspace, key string, ops []target.Mutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.collection(ks)
	if err != nil {
		return err
	}
	if err := s.failKey[failID(ks, key)]; err != nil {
		return err
	}
	doc, err := c.get(ks, key)
	if err != nil {
		return err
	}
	for i, op := range ops {
		if err := apply(doc, op); err != nil {
			return fmt.Errorf("%s ops[%d] %s %q: %w", key, i, op.Kind, op.Path, err)
		}
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	c.docs[key] = b
	return nil
}

// UpsertUser implements target.Store.
func (s *Store) UpsertUser(ctx context.Context, u target.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u.Roles = append([]target.Role{}, u.Roles...)
	s.users[u.Name] = u
	return nil
}

// Close implements target.Store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// FailKey makes Upsert and MutateIn on ks/key return err.
func (s *Store) FailKey(ks target.Keyspace, key string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failKey[failID(ks, key)] = err
}

// Doc returns the stored document, or nil.
func (s *Store) Doc(ks target.Keyspace, key string) *row.Row {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.collection(ks)
	if err != nil {
		return nil
	}
	doc, err := c.get(ks, key)
	if err != nil {
		return nil
	}
	return doc
}

// Keys returns the sorted document keys of ks.
func (s *Store) Keys(ks target.Keyspace) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.collection(ks)
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(c.docs))
	for k := range c.docs {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Indexes returns the index definitions of ks by name.
func (s *Store) Indexes(ks target.Keyspace) map[string][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.collection(ks)
	if err != nil {
		return nil
	}
	out := make(map[string][]string, len(c.indexes))
	for k, v := range c.indexes {
		out[k] = append([]string{}, v...)
	}
	return out
}

// Users returns the upserted users by name.
func (s *Store) Users() map[string]target.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]target.User, len(s.users))
	for k, v := range s.users {
		out[k] = v
	}
	return out
}

// Stats reports call counters.
func (s *Store) Stats() (bucketCreates, upserts int, closed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bucketCreates, s.upserts, s.closed
}

func newCollection() *collection {
	return &collection{docs: map[string][]byte{}, indexes: map[string][]string{}}
}

func (s *Store) checkReady() error {
	if !s.exists {
		return fmt.Errorf("bucket %s: %w", s.bucket, target.ErrNotFound)
	}
	if !s.ready {
		return fmt.Errorf("bucket %s: not opened", s.bucket)
	}
	return nil
}

func (s *Store) collection(ks target.Keyspace) (*collection, error) {
	if err := s.checkReady(); err != nil {
		return nil, err
	}
	c, ok := s.scopes[ks.Scope][ks.Collection]
	if !ok {
		return nil, fmt.Errorf("collection %s: %w", ks, target.ErrNotFound)
	}
	return c, nil
}

func (c *collection) get(ks target.Keyspace, key string) (*row.Row, error) {
	b, ok := c.docs[key]
	if !ok {
		return nil, fmt.Errorf("document %s in %s: %w", key, ks, target.ErrNotFound)
	}
	doc := row.New(0)
	if err := json.Unmarshal(b, doc); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return doc, nil
}

func apply(doc *row.Row, op target.Mutation) error {
	cur, has := doc.Get(op.Path)
	switch op.Kind {
	case target.Insert:
		if has {
			return target.ErrPathExists
		}
		doc.Set(op.Path, op.Value)
	case target.Upsert:
		doc.Set(op.Path, op.Value)
	case target.Remove:
		if !has {
			return target.ErrPathNotFound
		}
		doc.Delete(op.Path)
	case target.ArrayAppend, target.ArrayAddUnique:
		var arr []any
		if has {
			a, ok := cur.([]any)
			if !ok {
				return fmt.Errorf("path holds %T, not an array", cur)
			}
			arr = a
		} else if !op.CreatePath {
			return target.ErrPathNotFound
		}
		if op.Kind == target.ArrayAddUnique {
			v, err := jsonValue(op.Value)
			if err != nil {
				return err
			}
			for _, e := range arr {
				if reflect.DeepEqual(e, v) {
					return target.ErrPathExists
				}
			}
		}
		doc.Set(op.Path, append(arr, op.Value))
	default:
		return fmt.Errorf("unsupported mutation %s", op.Kind)
	}
	return nil
}

// jsonValue returns v as it reads back after a JSON round trip.
func jsonValue(v any) (any, error) {
	b, err := json.Marshal(row.FromPairs("v", v))
	if err != nil {
		return nil, err
	}
	r := row.New(1)
	if err := json.Unmarshal(b, r); err != nil {
		return nil, err
	}
	out, _ := r.Get("v")
	return out, nil
}

func failID(ks target.Keyspace, key string) string { return ks.String() + "/" + key }
