package config

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleJSON = `{
  "job": "aw",
  "source": { "kind": "mssql", "dsn": "sqlserver://localhost" },
  "target": { "kind": "couchbase", "connection_string": "couchbase://localhost", "bucket": "AdventureWorks" },
  "naming": { "collection_overrides": { "Sales_SalesOrderHeaderSalesReason": "Sales_SalesOrderHeadSalRea" } },
  "pipelines": [ { "kind": "scramble", "schema": "Person", "table": "Person", "options": { "fields": ["LastName"] } } ],
  "denormalize": [ { "kind": "one_to_one", "from": {"schema":"Person","table":"Address"}, "to": {"schema":"Person","table":"Person"}, "foreign_keys": ["AddressID"], "unnest": true } ],
  "runtime": { "ready_timeout": "45s", "denormalize_marker": "" }
}`

const sampleYAML = `
job: aw
source: { kind: sqlite, dsn: "file::memory:" }
target: { kind: memory, bucket: AdventureWorks }
runtime:
  ready_timeout: 10
  table_workers: 4
`

func withFile(t *testing.T, content string) {
	t.Helper()
	orig := readFile
	readFile = func(string) ([]byte, error) { return []byte(content), nil }
	t.Cleanup(func() { readFile = orig })
}

func TestLoad_JSON(t *testing.T) {
	withFile(t, sampleJSON)

	m, err := Load("aw.json", func(string) string { return "" })
	require.NoError(t, err)

	assert.Equal(t, "aw", m.Job)
	assert.Equal(t, "Sales_SalesOrderHeadSalRea", m.Naming.CollectionOverrides["Sales_SalesOrderHeaderSalesReason"])
	assert.Equal(t, 45*time.Second, m.Runtime.ReadyTimeout.D())
	assert.Equal(t, "", m.Runtime.Marker(), "explicit empty marker disables the guard")
	assert.True(t, m.Runtime.Refresh())
	assert.Equal(t, "_", m.Denormalize[0].UnnestSeparator)
	assert.Equal(t, []string{"LastName"}, m.Pipelines[0].Options.StringSlice("fields"))

	// Defaults.
	assert.Equal(t, "dbo", m.Naming.DefaultSchema)
	assert.Equal(t, 1000, m.Runtime.ProgressEvery)
	assert.Equal(t, 100, m.Runtime.SampleRows)
	assert.Equal(t, 5, m.Runtime.SampleIndexes)
	assert.Equal(t, 1, m.Runtime.TableWorkers)
}

func TestLoad_YAML(t *testing.T) {
	withFile(t, sampleYAML)

	m, err := Load("aw.yaml", func(string) string { return "" })
	require.NoError(t, err)

	assert.Equal(t, "sqlite", m.Source.Kind)
	assert.Equal(t, 10*time.Second, m.Runtime.ReadyTimeout.D())
	assert.Equal(t, 4, m.Runtime.TableWorkers)
	assert.Equal(t, DefaultMarkerField, m.Runtime.Marker())
}

func TestLoad_EnvOverrides(t *testing.T) {
	withFile(t, sampleJSON)
	env := map[string]string{
		EnvSourceDSN:           "sqlserver://override",
		EnvTargetPassword:      "s3cret",
		EnvDefaultUserPassword: "changeme",
	}

	m, err := Load("aw.json", func(k string) string { return env[k] })
	require.NoError(t, err)

	assert.Equal(t, "sqlserver://override", m.Source.DSN)
	assert.Equal(t, "s3cret", m.Target.Password)
	assert.Equal(t, "changeme", m.Users.DefaultPassword)
	assert.Equal(t, "AdventureWorks", m.Target.Bucket, "unset env keeps file value")
}

func TestLoad_UnknownFieldRejected(t *testing.T) {
	withFile(t, `{"job":"x","bogus":1}`)

	_, err := Load("x.json", nil)
	require.Error(t, err)
}

func TestLoad_ReadError(t *testing.T) {
	orig := readFile
	readFile = func(string) ([]byte, error) { return nil, errors.New("boom") }
	t.Cleanup(func() { readFile = orig })

	_, err := Load("missing.json", nil)
	require.ErrorContains(t, err, "read config")
}

func TestOptions_Time(t *testing.T) {
	t.Parallel()

	o := Options{"since": "2014-05-26", "bad": "yesterday", "num": 3.0}

	ts, ok, err := o.Time("since")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, time.Date(2014, 5, 26, 0, 0, 0, 0, time.UTC), ts)

	_, ok, err = o.Time("absent")
	assert.False(t, ok)
	assert.NoError(t, err)

	_, _, err = o.Time("bad")
	assert.Error(t, err)
	_, _, err = o.Time("num")
	assert.Error(t, err)
}
