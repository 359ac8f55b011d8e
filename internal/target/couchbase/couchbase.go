// Package couchbase implements target.Store on the Couchbase Go SDK (gocb v2).
package couchbase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/couchbase/gocb/v2"

	"sqltocb/internal/row"
	"sqltocb/internal/target"
)

// connect is a test hook that points to gocb.Connect by default.
var connect = gocb.Connect

func init() {
	target.Register("couchbase", func(ctx context.Context, cfg target.Config) (target.Store, error) {
		return Open(ctx, cfg)
	})
}

// Store is a gocb-backed target.Store.
type Store struct {
	cfg     target.Config
	cluster *gocb.Cluster

	mu     sync.RWMutex
	bucket *gocb.Bucket
}

// Open connects to the cluster. The bucket is opened by WaitReady.
func Open(ctx context.Context, cfg target.Config) (*Store, error) {
	if strings.TrimSpace(cfg.ConnectionString) == "" {
		return nil, errors.New("couchbase: connection string is required")
	}
	cluster, err := connect(cfg.ConnectionString, gocb.ClusterOptions{
		Authenticator: gocb.PasswordAuthenticator{
			Username: cfg.Username,
			Password: cfg.Password,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("couchbase connect: %w", err)
	}
	return &Store{cfg: cfg, cluster: cluster}, nil
}

// CreateBucket implements target.Store.
func (s *Store) CreateBucket(ctx context.Context) error {
	quota := s.cfg.RAMQuotaMB
	if quota <= 0 {
		quota = 1024
	}
	err := s.cluster.Buckets().CreateBucket(gocb.CreateBucketSettings{
		BucketSettings: gocb.BucketSettings{
			Name:       s.cfg.Bucket,
			RAMQuotaMB: uint64(quota),
			BucketType: gocb.CouchbaseBucketType,
		},
	}, &gocb.CreateBucketOptions{Context: ctx})
	if errors.Is(err, gocb.ErrBucketExists) {
		return fmt.Errorf("bucket %s: %w", s.cfg.Bucket, target.ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("create bucket %s: %w", s.cfg.Bucket, err)
	}
	return nil
}

// WaitReady implements target.Store.
func (s *Store) WaitReady(ctx context.Context, timeout time.Duration) error {
	b := s.cluster.Bucket(s.cfg.Bucket)
	err := b.WaitUntilReady(timeout, &gocb.WaitUntilReadyOptions{
		Context:      ctx,
		DesiredState: gocb.ClusterStateOnline,
		ServiceTypes: []gocb.ServiceType{gocb.ServiceTypeKeyValue, gocb.ServiceTypeQuery},
	})
	if err != nil {
		return fmt.Errorf("wait for bucket %s: %w", s.cfg.Bucket, err)
	}
	s.mu.Lock()
	s.bucket = b
	s.mu.Unlock()
	return nil
}

func (s *Store) openBucket() (*gocb.Bucket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.bucket == nil {
		return nil, fmt.Errorf("bucket %s: not opened", s.cfg.Bucket)
	}
	return s.bucket, nil
}

func (s *Store) allScopes(ctx context.Context) ([]gocb.ScopeSpec, error) {
	b, err := s.openBucket()
	if err != nil {
		return nil, err
	}
	specs, err := b.Collections().GetAllScopes(&gocb.GetAllScopesOptions{Context: ctx})
	if err != nil {
		return nil, fmt.Errorf("list scopes: %w", err)
	}
	return specs, nil
}

// Scopes implements target.Store.
func (s *Store) Scopes(ctx context.Context) ([]string, error) {
	specs, err := s.allScopes(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(specs))
	for _, sc := range specs {
		out = append(out, sc.Name)
	}
	return out, nil
}

// CreateScope implements target.Store.
func (s *Store) CreateScope(ctx context.Context, scope string) error {
	b, err := s.openBucket()
	if err != nil {
		return err
	}
	err = b.Collections().CreateScope(scope, &gocb.CreateScopeOptions{Context: ctx})
	if errors.Is(err, gocb.ErrScopeExists) {
		return fmt.Errorf("scope %s: %w", scope, target.ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("create scope %s: %w", scope, err)
	}
	return nil
}

// Collections implements target.Store.
func (s *Store) Collections(ctx context.Context, scope string) ([]string, error) {
	specs, err := s.allScopes(ctx)
	if err != nil {
		return nil, err
	}
	for _, sc := range specs {
		if sc.Name != scope {
			continue
		}
		out := make([]string, 0, len(sc.Collections))
		for _, c := range sc.Collections {
			out = append(out, c.Name)
		}
		return out, nil
	}
	return nil, fmt.Errorf("scope %s: %w", scope, target.ErrNotFound)
}

// CreateCollection implements target.Store.
func (s *Store) CreateCollection(ctx context.Context, ks target.Keyspace) error {
	b, err := s.openBucket()
	if err != nil {
		return err
	}
	err = b.Collections().CreateCollection(gocb.CollectionSpec{
		Name:      ks.Collection,
		ScopeName: ks.Scope,
	}, &gocb.CreateCollectionOptions{Context: ctx})
	switch {
	case errors.Is(err, gocb.ErrCollectionExists):
		return fmt.Errorf("collection %s: %w", ks, target.ErrAlreadyExists)
	case errors.Is(err, gocb.ErrScopeNotFound):
		return fmt.Errorf("scope %s: %w", ks.Scope, target.ErrNotFound)
	case err != nil:
		return fmt.Errorf("create collection %s: %w", ks, err)
	}
	return nil
}

// IndexStatement renders the N1QL statement creating index name on fields
// of bucket.scope.collection.
func IndexStatement(bucket string, ks target.Keyspace, name string, fields []string) string {
	quoted := make([]string, len(fields))
	for i, f := range fields {
		quoted[i] = quote(f)
	}
	return fmt.Sprintf("CREATE INDEX %s ON %s.%s.%s (%s)",
		quote(name), quote(bucket), quote(ks.Scope), quote(ks.Collection), strings.Join(quoted, ","))
}

func quote(id string) string { return "`" + strings.ReplaceAll(id, "`", "``") + "`" }

// CreateIndex implements target.Store.
func (s *Store) CreateIndex(ctx context.Context, ks target.Keyspace, name string, fields []string) error {
	stmt := IndexStatement(s.cfg.Bucket, ks, name, fields)
	res, err := s.cluster.Query(stmt, &gocb.QueryOptions{Context: ctx})
	if err == nil {
		err = res.Close()
	}
	if errors.Is(err, gocb.ErrIndexExists) {
		return fmt.Errorf("index %s on %s: %w", name, ks, target.ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("create index %s on %s: %w", name, ks, err)
	}
	return nil
}

func (s *Store) collection(ks target.Keyspace) (*gocb.Collection, error) {
	b, err := s.openBucket()
	if err != nil {
		return nil, err
	}
	return b.Scope(ks.Scope).Collection(ks.Collection), nil
}

// Upsert implements target.Store.
func (s *Store) Upsert(ctx context.Context, ks target.Keyspace, key string, doc *row.Row) error {
	c, err := s.collection(ks)
	if err != nil {
		return err
	}
	if _, err := c.Upsert(key, doc, &gocb.UpsertOptions{Context: ctx}); err != nil {
		return fmt.Errorf("upsert %s in %s: %w", key, ks, err)
	}
	return nil
}

// Get implements target.Store.
func (s *Store) Get(ctx context.Context, ks target.Keyspace, key string) (*row.Row, error) {
	c, err := s.collection(ks)
	if err != nil {
		return nil, err
	}
	res, err := c.Get(key, &gocb.GetOptions{Context: ctx})
	if errors.Is(err, gocb.ErrDocumentNotFound) {
		return nil, fmt.Errorf("document %s in %s: %w", key, ks, target.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s in %s: %w", key, ks, err)
	}
	doc := row.New(0)
	if err := res.Content(doc); err != nil {
		return nil, fmt.Errorf("decode %s in %s: %w", key, ks, err)
	}
	return doc, nil
}

// Exists implements target.Store.
func (s *Store) Exists(ctx context.Context, ks target.Keyspace, key string) (bool, error) {
	c, err := s.collection(ks)
	if err != nil {
		return false, err
	}
	res, err := c.Exists(key, &gocb.ExistsOptions{Context: ctx})
	if err != nil {
		return false, fmt.Errorf("exists %s in %s: %w", key, ks, err)
	}
	return res.Exists(), nil
}

// MutateIn implements target.Store.
func (s *Store) MutateIn(ctx context.Context, ks target.Keyspace, key string, ops []target.Mutation) error {
	c, err := s.collection(ks)
	if err != nil {
		return err
	}
	specs := make([]gocb.MutateInSpec, 0, len(ops))
	for _, op := range ops {
		spec, err := mutateSpec(op)
		if err != nil {
			return err
		}
		specs = append(specs, spec)
	}
	_, err = c.MutateIn(key, specs, &gocb.MutateInOptions{Context: ctx})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gocb.ErrDocumentNotFound):
		return fmt.Errorf("document %s in %s: %w", key, ks, target.ErrNotFound)
	case errors.Is(err, gocb.ErrPathExists):
		return fmt.Errorf("mutate %s in %s: %w", key, ks, target.ErrPathExists)
	case errors.Is(err, gocb.ErrPathNotFound):
		return fmt.Errorf("mutate %s in %s: %w", key, ks, target.ErrPathNotFound)
	default:
		return fmt.Errorf("mutate %s in %s: %w", key, ks, err)
	}
}

func mutateSpec(op target.Mutation) (gocb.MutateInSpec, error) {
	switch op.Kind {
	case target.ArrayAppend:
		return gocb.ArrayAppendSpec(op.Path, op.Value, &gocb.ArrayAppendSpecOptions{CreatePath: op.CreatePath}), nil
	case target.ArrayAddUnique:
		return gocb.ArrayAddUniqueSpec(op.Path, op.Value, &gocb.ArrayAddUniqueSpecOptions{CreatePath: op.CreatePath}), nil
	case target.Insert:
		return gocb.InsertSpec(op.Path, op.Value, nil), nil
	case target.Upsert:
		return gocb.UpsertSpec(op.Path, op.Value, nil), nil
	case target.Remove:
		return gocb.RemoveSpec(op.Path, nil), nil
	default:
		return gocb.MutateInSpec{}, fmt.Errorf("unsupported mutation %s", op.Kind)
	}
}

// UpsertUser implements target.Store. Users are created in the local domain.
func (s *Store) UpsertUser(ctx context.Context, u target.User) error {
	roles := make([]gocb.Role, 0, len(u.Roles))
	for _, r := range u.Roles {
		roles = append(roles, gocb.Role{
			Name:       r.Name,
			Bucket:     r.Bucket,
			Scope:      r.Scope,
			Collection: r.Collection,
		})
	}
	err := s.cluster.Users().UpsertUser(gocb.User{
		Username:    u.Name,
		DisplayName: u.DisplayName,
		Password:    u.Password,
		Roles:       roles,
	}, &gocb.UpsertUserOptions{
		Context:    ctx,
		DomainName: string(gocb.LocalDomain),
	})
	if err != nil {
		return fmt.Errorf("upsert user %s: %w", u.Name, err)
	}
	return nil
}

// Close implements target.Store.
func (s *Store) Close() error {
	return s.cluster.Close(nil)
}
