// Package config defines the JSON/YAML-serializable configuration model for a
// migration run. A Migration is decoded from a file (configs/*.json or
// *.yaml), overlaid with secrets from the environment, defaulted, validated,
// and then handed to the orchestrator as a read-only value.
//
// Example (trimmed):
//
//	{
//	  "job": "adventureworks",
//	  "source": { "kind": "mssql", "dsn": "sqlserver://sa:pw@localhost?database=AdventureWorks" },
//	  "target": { "kind": "couchbase", "connection_string": "couchbase://localhost",
//	              "username": "Administrator", "password": "password",
//	              "bucket": "AdventureWorks", "ram_quota_mb": 1024 },
//	  "naming": { "collection_overrides": { "Production_ProductListPriceHistory": "Production_ProductListPrHist" } },
//	  "denormalize": [
//	    { "kind": "many_to_one",
//	      "from": { "schema": "Production", "table": "ProductReview" },
//	      "to":   { "schema": "Production", "table": "Product" },
//	      "foreign_keys": ["ProductID"] }
//	  ]
//	}
package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Denormalization kinds.
const (
	DenormalizeManyToOne = "many_to_one"
	DenormalizeOneToOne  = "one_to_one"
)

// DefaultMarkerField is the document field that records completed embeddings.
const DefaultMarkerField = "_denormalized"

// Migration is the top-level object decoded from a migration file.
type Migration struct {
	// Job names the run for logs and metrics.
	Job string `json:"job" yaml:"job"`

	Source Source `json:"source" yaml:"source"`
	Target Target `json:"target" yaml:"target"`
	Naming Naming `json:"naming" yaml:"naming"`
	Users  Users  `json:"users" yaml:"users"`

	// Pipelines binds builtin row pipelines to tables. At most one per table.
	Pipelines []PipelineSpec `json:"pipelines" yaml:"pipelines"`

	// Denormalize lists embedding steps, executed strictly in order.
	Denormalize []Denormalize `json:"denormalize" yaml:"denormalize"`

	Runtime RuntimeConfig `json:"runtime" yaml:"runtime"`
}

// Source identifies the relational catalog being migrated.
type Source struct {
	// Kind selects the source implementation: mssql, postgres, mysql, sqlite.
	Kind string `json:"kind" yaml:"kind"`

	// DSN is passed to the driver unchanged.
	DSN string `json:"dsn" yaml:"dsn"`
}

// Target identifies the document store and the container (bucket) to fill.
type Target struct {
	// Kind selects the target implementation: couchbase, memory.
	Kind string `json:"kind" yaml:"kind"`

	ConnectionString string `json:"connection_string" yaml:"connection_string"`
	Username         string `json:"username" yaml:"username"`
	Password         string `json:"password" yaml:"password"`

	// Bucket is the container name created or connected to.
	Bucket string `json:"bucket" yaml:"bucket"`

	// RAMQuotaMB is the capacity hint used when creating the bucket.
	RAMQuotaMB int `json:"ram_quota_mb" yaml:"ram_quota_mb"`
}

// Naming controls how schemas and tables map onto scopes and collections.
type Naming struct {
	// CollectionOverrides maps a raw collection name to the name to use.
	CollectionOverrides map[string]string `json:"collection_overrides" yaml:"collection_overrides"`

	// UseSchemaForScope maps each schema onto its own scope.
	UseSchemaForScope bool `json:"use_schema_for_scope" yaml:"use_schema_for_scope"`

	// UseDefaultScopeForDboSchema folds the default schema into the default
	// scope when UseSchemaForScope is on.
	UseDefaultScopeForDboSchema bool `json:"use_default_scope_for_dbo_schema" yaml:"use_default_scope_for_dbo_schema"`

	// DefaultSchema is the source's default schema name. Defaults to "dbo".
	DefaultSchema string `json:"default_schema" yaml:"default_schema"`
}

// Users configures generated target-store accounts.
type Users struct {
	DefaultPassword string `json:"default_password" yaml:"default_password"`
}

// PipelineSpec binds one builtin pipeline to one table.
type PipelineSpec struct {
	// Kind selects the builtin, e.g. "scramble", "modified_since".
	Kind   string `json:"kind" yaml:"kind"`
	Schema string `json:"schema" yaml:"schema"`
	Table  string `json:"table" yaml:"table"`

	// Options is interpreted by the builtin.
	Options Options `json:"options" yaml:"options"`
}

// Relation names a source table.
type Relation struct {
	Schema string `json:"schema" yaml:"schema"`
	Table  string `json:"table" yaml:"table"`
}

// String returns schema.table.
func (r Relation) String() string { return r.Schema + "." + r.Table }

// Denormalize describes one embedding step.
//
// For many_to_one, ForeignKeys are columns on From rows whose values form the
// key of the To document. For one_to_one, ForeignKeys are columns on To rows
// whose values form the key of the From document.
type Denormalize struct {
	Kind        string   `json:"kind" yaml:"kind"`
	From        Relation `json:"from" yaml:"from"`
	To          Relation `json:"to" yaml:"to"`
	ForeignKeys []string `json:"foreign_keys" yaml:"foreign_keys"`

	// Field overrides the embedding field name (pluralized From table for
	// many_to_one, From table for one_to_one).
	Field string `json:"field" yaml:"field"`

	// one_to_one only.
	Unnest            bool   `json:"unnest" yaml:"unnest"`
	UnnestSeparator   string `json:"unnest_separator" yaml:"unnest_separator"`
	RemoveForeignKeys bool   `json:"remove_foreign_keys" yaml:"remove_foreign_keys"`
}

// RuntimeConfig tunes the engine.
type RuntimeConfig struct {
	// ProgressEvery is the row interval between progress log lines.
	ProgressEvery int `json:"progress_every" yaml:"progress_every"`

	// ReadyTimeout bounds the wait for a freshly created bucket.
	ReadyTimeout Duration `json:"ready_timeout" yaml:"ready_timeout"`

	// SampleRows caps rows per table in sample mode.
	SampleRows int `json:"sample_rows" yaml:"sample_rows"`

	// SampleIndexes caps created indexes in sample mode.
	SampleIndexes int `json:"sample_indexes" yaml:"sample_indexes"`

	// TableWorkers copies this many tables concurrently. 1 is sequential.
	TableWorkers int `json:"table_workers" yaml:"table_workers"`

	// RefreshBeforeCopy reconnects source and target before the copy stage.
	RefreshBeforeCopy *bool `json:"refresh_before_copy" yaml:"refresh_before_copy"`

	// DenormalizeMarker names the field recording completed embeddings.
	// An explicit empty string disables the guard.
	DenormalizeMarker *string `json:"denormalize_marker" yaml:"denormalize_marker"`
}

// Refresh reports whether the pre-copy reconnect is enabled.
func (r RuntimeConfig) Refresh() bool {
	return r.RefreshBeforeCopy == nil || *r.RefreshBeforeCopy
}

// Marker returns the denormalization marker field ("" when disabled).
func (r RuntimeConfig) Marker() string {
	if r.DenormalizeMarker == nil {
		return DefaultMarkerField
	}
	return *r.DenormalizeMarker
}

// ApplyDefaults fills zero values with the engine defaults.
func (m *Migration) ApplyDefaults() {
	if m.Job == "" {
		m.Job = "sqltocb"
	}
	if m.Naming.DefaultSchema == "" {
		m.Naming.DefaultSchema = "dbo"
	}
	if m.Naming.CollectionOverrides == nil {
		m.Naming.CollectionOverrides = map[string]string{}
	}
	if m.Target.RAMQuotaMB == 0 {
		m.Target.RAMQuotaMB = 1024
	}
	for i := range m.Pipelines {
		if m.Pipelines[i].Options == nil {
			m.Pipelines[i].Options = Options{}
		}
	}
	for i := range m.Denormalize {
		if m.Denormalize[i].UnnestSeparator == "" {
			m.Denormalize[i].UnnestSeparator = "_"
		}
	}
	rt := &m.Runtime
	if rt.ProgressEvery <= 0 {
		rt.ProgressEvery = 1000
	}
	if rt.ReadyTimeout <= 0 {
		rt.ReadyTimeout = Duration(30 * time.Second)
	}
	if rt.SampleRows <= 0 {
		rt.SampleRows = 100
	}
	if rt.SampleIndexes <= 0 {
		rt.SampleIndexes = 5
	}
	if rt.TableWorkers <= 0 {
		rt.TableWorkers = 1
	}
}

// Duration is a time.Duration that decodes from "30s" style strings or from
// a number of seconds.
type Duration time.Duration

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

// MarshalJSON encodes the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts "1m30s" or a number of seconds.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	return d.set(v)
}

// UnmarshalYAML accepts "1m30s" or a number of seconds.
func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var v any
	if err := n.Decode(&v); err != nil {
		return err
	}
	return d.set(v)
}

func (d *Duration) set(v any) error {
	switch x := v.(type) {
	case nil:
		*d = 0
	case float64:
		*d = Duration(x * float64(time.Second))
	case int:
		*d = Duration(time.Duration(x) * time.Second)
	case string:
		p, err := time.ParseDuration(strings.TrimSpace(x))
		if err != nil {
			return fmt.Errorf("duration %q: %w", x, err)
		}
		*d = Duration(p)
	default:
		return fmt.Errorf("duration: unsupported value %T", v)
	}
	return nil
}
