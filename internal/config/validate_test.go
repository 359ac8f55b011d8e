package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// hasIssue reports whether issues contains an Issue with the given severity,
// path, and a Message containing msgSubstr.
func hasIssue(t *testing.T, issues []Issue, sev IssueSeverity, path, msgSubstr string) bool {
	t.Helper()
	for _, iss := range issues {
		if iss.Severity == sev && iss.Path == path && strings.Contains(iss.Message, msgSubstr) {
			return true
		}
	}
	return false
}

func validMigration() Migration {
	m := Migration{
		Source: Source{Kind: "mssql", DSN: "sqlserver://sa:pw@localhost?database=AdventureWorks"},
		Target: Target{
			Kind:             "couchbase",
			ConnectionString: "couchbase://localhost",
			Bucket:           "AdventureWorks",
		},
		Pipelines: []PipelineSpec{
			{Kind: "scramble", Schema: "Person", Table: "Person", Options: Options{"fields": []any{"LastName"}}},
		},
		Denormalize: []Denormalize{{
			Kind:        DenormalizeManyToOne,
			From:        Relation{Schema: "Production", Table: "ProductReview"},
			To:          Relation{Schema: "Production", Table: "Product"},
			ForeignKeys: []string{"ProductID"},
		}},
	}
	m.ApplyDefaults()
	return m
}

func TestValidate_ValidMinimal(t *testing.T) {
	t.Parallel()

	issues := Validate(validMigration())
	assert.Empty(t, issues)
	assert.NoError(t, Err(issues))
}

func TestValidate_MissingBucketAndDSN(t *testing.T) {
	t.Parallel()

	m := validMigration()
	m.Target.Bucket = ""
	m.Source.DSN = " "

	issues := Validate(m)
	assert.True(t, hasIssue(t, issues, SeverityError, "target.bucket", "must not be empty"), "%+v", issues)
	assert.True(t, hasIssue(t, issues, SeverityError, "source.dsn", EnvSourceDSN), "%+v", issues)
	require.Error(t, Err(issues))
}

func TestValidate_UnknownKindsAreWarnings(t *testing.T) {
	t.Parallel()

	m := validMigration()
	m.Source.Kind = "oracle"
	m.Target.Kind = "mongo"

	issues := Validate(m)
	assert.True(t, hasIssue(t, issues, SeverityWarning, "source.kind", "unknown source kind"))
	assert.True(t, hasIssue(t, issues, SeverityWarning, "target.kind", "unknown target kind"))
	assert.NoError(t, Err(issues))
}

func TestValidate_DuplicatePipeline(t *testing.T) {
	t.Parallel()

	m := validMigration()
	m.Pipelines = append(m.Pipelines, PipelineSpec{Kind: "dedupe", Schema: "Person", Table: "Person"})

	issues := Validate(m)
	assert.True(t, hasIssue(t, issues, SeverityError, "pipelines[1]", "already has a pipeline at pipelines[0]"), "%+v", issues)
}

func TestValidate_Denormalize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		mut  func(*Denormalize)
		path string
		sev  IssueSeverity
		msg  string
	}{
		{"bad kind", func(d *Denormalize) { d.Kind = "many_to_many" }, "denormalize[0].kind", SeverityError, "kind must be"},
		{"no fks", func(d *Denormalize) { d.ForeignKeys = nil }, "denormalize[0].foreign_keys", SeverityError, "at least one"},
		{"no from", func(d *Denormalize) { d.From = Relation{} }, "denormalize[0].from", SeverityError, "must not be empty"},
		{"unnest on m2o", func(d *Denormalize) { d.Unnest = true }, "denormalize[0]", SeverityWarning, "only apply to one_to_one"},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			m := validMigration()
			tc.mut(&m.Denormalize[0])
			issues := Validate(m)
			assert.True(t, hasIssue(t, issues, tc.sev, tc.path, tc.msg), "%+v", issues)
		})
	}
}

func TestValidate_NegativeRuntime(t *testing.T) {
	t.Parallel()

	m := validMigration()
	m.Runtime.TableWorkers = -1

	issues := Validate(m)
	assert.True(t, hasIssue(t, issues, SeverityError, "runtime.table_workers", ">= 0"))
}

func TestValidate_ShippedConfigs(t *testing.T) {
	noEnv := func(string) string { return "" }
	for _, name := range []string{"adventureworks.json", "adventureworks.yaml"} {
		t.Run(name, func(t *testing.T) {
			m, err := Load("../../configs/"+name, noEnv)
			require.NoError(t, err)
			assert.Empty(t, Validate(m))
		})
	}
}
