// This file adds a lightweight linter for Migration values. It performs
// static checks over a decoded Migration and returns a list of issues (errors
// and warnings) that callers can surface in a CLI or tests.
package config

import (
	"errors"
	"fmt"
	"strings"
)

// IssueSeverity represents the severity of a configuration issue.
type IssueSeverity string

const (
	// SeverityError indicates a configuration error that should block execution.
	SeverityError IssueSeverity = "error"
	// SeverityWarning is surfaced to users but does not block execution.
	SeverityWarning IssueSeverity = "warning"
)

// Issue describes a single validation finding.
//
// Path is a dotted path into the config (e.g. "target.bucket",
// "denormalize[1].foreign_keys").
type Issue struct {
	Severity IssueSeverity
	Path     string
	Message  string
}

// Error implements the error interface.
func (i Issue) Error() string {
	return fmt.Sprintf("%s at %s: %s", i.Severity, i.Path, i.Message)
}

var (
	knownSources   = map[string]struct{}{"mssql": {}, "postgres": {}, "mysql": {}, "sqlite": {}}
	knownTargets   = map[string]struct{}{"couchbase": {}, "memory": {}}
	knownPipelines = map[string]struct{}{
		"default": {}, "sample": {}, "scramble": {}, "modified_since": {},
		"include_since": {}, "replace": {}, "dedupe": {}, "drop_fields": {},
	}
)

// Validate performs static validation of a Migration. It does not mutate m.
func Validate(m Migration) []Issue {
	var issues []Issue
	issues = append(issues, validateSource(m.Source)...)
	issues = append(issues, validateTarget(m.Target)...)
	issues = append(issues, validatePipelines(m.Pipelines)...)
	issues = append(issues, validateDenormalize(m.Denormalize)...)
	issues = append(issues, validateRuntime(m.Runtime)...)
	return issues
}

// Err joins the error-severity issues into one error, or returns nil.
func Err(issues []Issue) error {
	var errs []error
	for _, iss := range issues {
		if iss.Severity == SeverityError {
			errs = append(errs, iss)
		}
	}
	return errors.Join(errs...)
}

func validateSource(s Source) []Issue {
	var issues []Issue
	if strings.TrimSpace(s.Kind) == "" {
		return append(issues, Issue{SeverityError, "source.kind", "source.kind must not be empty"})
	}
	if _, ok := knownSources[s.Kind]; !ok {
		issues = append(issues, Issue{SeverityWarning, "source.kind",
			fmt.Sprintf("unknown source kind %q; ensure a matching implementation is registered", s.Kind)})
	}
	if strings.TrimSpace(s.DSN) == "" {
		issues = append(issues, Issue{SeverityError, "source.dsn",
			fmt.Sprintf("source.dsn must not be empty (or set %s)", EnvSourceDSN)})
	}
	return issues
}

func validateTarget(t Target) []Issue {
	var issues []Issue
	if strings.TrimSpace(t.Kind) == "" {
		issues = append(issues, Issue{SeverityError, "target.kind", "target.kind must not be empty"})
	} else if _, ok := knownTargets[t.Kind]; !ok {
		issues = append(issues, Issue{SeverityWarning, "target.kind",
			fmt.Sprintf("unknown target kind %q; ensure a matching implementation is registered", t.Kind)})
	}
	if strings.TrimSpace(t.Bucket) == "" {
		issues = append(issues, Issue{SeverityError, "target.bucket", "target.bucket must not be empty"})
	}
	if t.Kind == "couchbase" && strings.TrimSpace(t.ConnectionString) == "" {
		issues = append(issues, Issue{SeverityError, "target.connection_string",
			"couchbase target requires a connection string"})
	}
	if t.RAMQuotaMB < 0 {
		issues = append(issues, Issue{SeverityError, "target.ram_quota_mb", "must be >= 0"})
	}
	return issues
}

func validatePipelines(ps []PipelineSpec) []Issue {
	var issues []Issue
	seen := map[string]int{}
	for i, p := range ps {
		path := fmt.Sprintf("pipelines[%d]", i)
		if _, ok := knownPipelines[p.Kind]; !ok {
			issues = append(issues, Issue{SeverityError, path + ".kind", fmt.Sprintf("unknown pipeline kind %q", p.Kind)})
		}
		if p.Schema == "" || p.Table == "" {
			issues = append(issues, Issue{SeverityError, path, "schema and table must not be empty"})
			continue
		}
		id := p.Schema + "." + p.Table
		if j, dup := seen[id]; dup {
			issues = append(issues, Issue{SeverityError, path,
				fmt.Sprintf("table %s already has a pipeline at pipelines[%d]", id, j)})
			continue
		}
		seen[id] = i
	}
	return issues
}

func validateDenormalize(ds []Denormalize) []Issue {
	var issues []Issue
	for i, d := range ds {
		path := fmt.Sprintf("denormalize[%d]", i)
		switch d.Kind {
		case DenormalizeManyToOne, DenormalizeOneToOne:
		default:
			issues = append(issues, Issue{SeverityError, path + ".kind",
				fmt.Sprintf("kind must be %q or %q, got %q", DenormalizeManyToOne, DenormalizeOneToOne, d.Kind)})
		}
		if d.From.Schema == "" || d.From.Table == "" {
			issues = append(issues, Issue{SeverityError, path + ".from", "schema and table must not be empty"})
		}
		if d.To.Schema == "" || d.To.Table == "" {
			issues = append(issues, Issue{SeverityError, path + ".to", "schema and table must not be empty"})
		}
		if len(d.ForeignKeys) == 0 {
			issues = append(issues, Issue{SeverityError, path + ".foreign_keys", "at least one foreign key column is required"})
		}
		if d.Kind == DenormalizeManyToOne && (d.Unnest || d.RemoveForeignKeys) {
			issues = append(issues, Issue{SeverityWarning, path,
				"unnest and remove_foreign_keys only apply to one_to_one and are ignored"})
		}
	}
	return issues
}

func validateRuntime(r RuntimeConfig) []Issue {
	var issues []Issue
	neg := func(name string, v int) {
		if v < 0 {
			issues = append(issues, Issue{SeverityError, "runtime." + name, "must be >= 0"})
		}
	}
	neg("progress_every", r.ProgressEvery)
	neg("sample_rows", r.SampleRows)
	neg("sample_indexes", r.SampleIndexes)
	neg("table_workers", r.TableWorkers)
	if r.ReadyTimeout < 0 {
		issues = append(issues, Issue{SeverityError, "runtime.ready_timeout", "must be >= 0"})
	}
	return issues
}
