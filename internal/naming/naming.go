// Package naming maps relational schema/table identities onto document-store
// scopes and collections.
//
// Resolution is a pure function of the Namer's configuration and its input:
// validation, collection creation, indexing, copy, role translation and
// denormalization all call it and must agree on the result.
package naming

import (
	"errors"
	"fmt"
	"strings"
)

// DefaultScope is the target store's built-in scope.
const DefaultScope = "_default"

// MaxNameLength is the longest scope or collection name the target accepts.
const MaxNameLength = 30

// ErrNameConstraint marks a resolved name that the target store would reject.
var ErrNameConstraint = errors.New("name constraint violated")

// Config mirrors the naming section of the migration config.
type Config struct {
	// Overrides maps a raw collection name to its replacement (exact match).
	Overrides map[string]string

	UseSchemaForScope           bool
	UseDefaultScopeForDboSchema bool

	// DefaultSchema is the source default schema; "dbo" when empty.
	DefaultSchema string
}

// TableID identifies a source relation.
type TableID struct {
	Schema string
	Table  string
}

// String returns schema.table.
func (t TableID) String() string { return t.Schema + "." + t.Table }

// Target is a resolved scope/collection pair.
type Target struct {
	Scope      string
	Collection string
}

// String returns scope.collection.
func (t Target) String() string { return t.Scope + "." + t.Collection }

// Namer resolves names. It is immutable after construction and safe for
// concurrent use.
type Namer struct {
	overrides     map[string]string
	schemaScopes  bool
	foldDefault   bool
	defaultSchema string
}

// New returns a Namer for cfg. The override map is copied.
func New(cfg Config) *Namer {
	ov := make(map[string]string, len(cfg.Overrides))
	for k, v := range cfg.Overrides {
		ov[k] = v
	}
	ds := cfg.DefaultSchema
	if ds == "" {
		ds = "dbo"
	}
	return &Namer{
		overrides:     ov,
		schemaScopes:  cfg.UseSchemaForScope,
		foldDefault:   cfg.UseDefaultScopeForDboSchema,
		defaultSchema: ds,
	}
}

// ResolveScope returns the scope for schema.
func (n *Namer) ResolveScope(schema string) string {
	if !n.schemaScopes {
		return DefaultScope
	}
	if n.foldDefault && schema == n.defaultSchema {
		return DefaultScope
	}
	return schema
}

// RawCollection returns the collection name before overrides and character
// replacement: "Sales_Foo" for Sales.Foo without schema scopes, "Foo" with.
func (n *Namer) RawCollection(schema, table string) string {
	if n.schemaScopes || schema == n.defaultSchema {
		return table
	}
	return schema + "_" + table
}

// ResolveCollection returns the final collection name for schema.table.
// An override for the raw name wins; spaces become hyphens either way.
func (n *Namer) ResolveCollection(schema, table string) string {
	name := n.RawCollection(schema, table)
	if ov, ok := n.overrides[name]; ok {
		name = ov
	}
	return strings.ReplaceAll(name, " ", "-")
}

// Resolve returns both parts of the target for id.
func (n *Namer) Resolve(id TableID) Target {
	return Target{
		Scope:      n.ResolveScope(id.Schema),
		Collection: n.ResolveCollection(id.Schema, id.Table),
	}
}

// ConstraintError describes a name the target store would reject.
type ConstraintError struct {
	Kind   string // "scope" or "collection"
	Name   string
	Reason string
}

func (e *ConstraintError) Error() string {
	return fmt.Sprintf("%s name %q: %s", e.Kind, e.Name, e.Reason)
}

// Unwrap lets errors.Is match ErrNameConstraint.
func (e *ConstraintError) Unwrap() error { return ErrNameConstraint }

// CheckName reports whether name fits the target's length and character rules.
// It never rewrites the name.
func CheckName(kind, name string) error {
	switch {
	case name == "":
		return &ConstraintError{Kind: kind, Name: name, Reason: "must not be empty"}
	case len(name) > MaxNameLength:
		return &ConstraintError{Kind: kind, Name: name,
			Reason: fmt.Sprintf("is %d characters, limit is %d", len(name), MaxNameLength)}
	case strings.ContainsRune(name, ' '):
		return &ConstraintError{Kind: kind, Name: name, Reason: "contains a space"}
	}
	return nil
}

// Check validates both resolved names for id.
func (n *Namer) Check(id TableID) error {
	t := n.Resolve(id)
	return errors.Join(CheckName("scope", t.Scope), CheckName("collection", t.Collection))
}
