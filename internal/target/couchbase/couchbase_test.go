package couchbase

import (
	"context"
	"errors"
	"testing"

	"github.com/couchbase/gocb/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sqltocb/internal/target"
)

func TestIndexStatement(t *testing.T) {
	t.Parallel()

	got := IndexStatement("AdventureWorks",
		target.Keyspace{Scope: "_default", Collection: "Person_Address"},
		"sql_IX_Address_City", []string{"City", "StateProvinceID", "Post`Code"})
	assert.Equal(t,
		"CREATE INDEX `sql_IX_Address_City` ON `AdventureWorks`.`_default`.`Person_Address` (`City`,`StateProvinceID`,`Post``Code`)",
		got)
}

func TestMutateSpec(t *testing.T) {
	t.Parallel()

	for _, k := range []target.MutationKind{target.ArrayAppend, target.ArrayAddUnique, target.Insert, target.Upsert, target.Remove} {
		_, err := mutateSpec(target.Mutation{Kind: k, Path: "p", Value: "v"})
		assert.NoError(t, err, k.String())
	}
	_, err := mutateSpec(target.Mutation{Kind: target.MutationKind(42)})
	assert.Error(t, err)
}

func TestOpen(t *testing.T) {
	_, err := Open(context.Background(), target.Config{})
	require.Error(t, err)

	old := connect
	t.Cleanup(func() { connect = old })

	var gotConn string
	var gotAuth gocb.PasswordAuthenticator
	connect = func(conn string, opts gocb.ClusterOptions) (*gocb.Cluster, error) {
		gotConn = conn
		gotAuth, _ = opts.Authenticator.(gocb.PasswordAuthenticator)
		return nil, errors.New("no cluster")
	}
	_, err = Open(context.Background(), target.Config{
		ConnectionString: "couchbase://localhost",
		Username:         "Administrator",
		Password:         "password",
	})
	require.Error(t, err)
	assert.Equal(t, "couchbase://localhost", gotConn)
	assert.Equal(t, "Administrator", gotAuth.Username)
}

func TestStoreRequiresOpenedBucket(t *testing.T) {
	t.Parallel()
	s := &Store{cfg: target.Config{Bucket: "b"}}
	_, err := s.Scopes(context.Background())
	assert.ErrorContains(t, err, "not opened")
}
