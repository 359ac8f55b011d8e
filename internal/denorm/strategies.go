package denorm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jinzhu/inflection"

	"sqltocb/internal/keys"
	"sqltocb/internal/naming"
	"sqltocb/internal/row"
	"sqltocb/internal/target"
)

// ManyToOne appends each From document to an array on the To document its
// foreign keys point at. From rows drive the stream.
type ManyToOne struct {
	From naming.TableID
	To   naming.TableID
	// ForeignKeys are From columns whose values, joined with "::", form the
	// key of the To document.
	ForeignKeys []string
	// Field overrides the array name; the pluralized From table by default.
	Field string
}

// Driver implements Denormalizer.
func (m *ManyToOne) Driver() naming.TableID { return m.From }

func (m *ManyToOne) String() string { return fmt.Sprintf("many_to_one %s->%s", m.From, m.To) }

// ArrayField returns the name of the array receiving From documents.
func (m *ManyToOne) ArrayField() string {
	if m.Field != "" {
		return m.Field
	}
	return inflection.Plural(m.From.Table)
}

func (m *ManyToOne) apply(ctx context.Context, e *Engine, r *row.Row) (Outcome, string, error) {
	rootKey := keys.Compose(r, m.ForeignKeys)
	if strings.Trim(rootKey, keys.Separator+" ") == "" {
		return Skipped, "", nil
	}
	toKS := e.keyspace(m.To)
	ok, err := e.dst.Exists(ctx, toKS, rootKey)
	if err != nil {
		return Skipped, rootKey, fmt.Errorf("exists %s: %w", toKS, err)
	}
	if !ok {
		// Filtered out upstream.
		return Skipped, rootKey, nil
	}

	fromKey, err := e.keys.ResolveKey(ctx, r, m.From.Schema, m.From.Table)
	if err != nil {
		return Skipped, rootKey, err
	}
	doc, err := e.dst.Get(ctx, e.keyspace(m.From), fromKey)
	if err != nil {
		if errors.Is(err, target.ErrNotFound) {
			return Skipped, rootKey, nil
		}
		return Skipped, rootKey, fmt.Errorf("get %s: %w", fromKey, err)
	}

	res, err := e.mutate(ctx, toKS, rootKey, m.From.Table+keys.Separator+fromKey, []target.Mutation{{
		Kind: target.ArrayAppend, Path: m.ArrayField(), Value: e.embeddable(doc), CreatePath: true,
	}})
	return res, rootKey, err
}

// OneToOne copies a single From document onto the To document that
// references it. To rows drive the stream.
type OneToOne struct {
	From naming.TableID
	To   naming.TableID
	// ForeignKeys are To columns whose values, joined with "::", form the
	// key of the From document.
	ForeignKeys []string
	// Field overrides the nesting field or unnest prefix; the From table by
	// default.
	Field string
	// Unnest flattens the From document's fields onto the To document as
	// Field + UnnestSeparator + name.
	Unnest          bool
	UnnestSeparator string
	// RemoveForeignKeys deletes the foreign-key fields from the To document
	// after embedding.
	RemoveForeignKeys bool
}

// Driver implements Denormalizer.
func (o *OneToOne) Driver() naming.TableID { return o.To }

func (o *OneToOne) String() string { return fmt.Sprintf("one_to_one %s->%s", o.From, o.To) }

func (o *OneToOne) field() string {
	if o.Field != "" {
		return o.Field
	}
	return o.From.Table
}

func (o *OneToOne) separator() string {
	if o.UnnestSeparator != "" {
		return o.UnnestSeparator
	}
	return "_"
}

// Mutations returns the ops that embed from into a To document.
func (o *OneToOne) Mutations(from *row.Row) []target.Mutation {
	if !o.Unnest {
		return []target.Mutation{{Kind: target.Upsert, Path: o.field(), Value: from}}
	}
	prefix := o.field() + o.separator()
	ops := make([]target.Mutation, 0, from.Len())
	from.Range(func(name string, v any) bool {
		ops = append(ops, target.Mutation{Kind: target.Upsert, Path: prefix + name, Value: v})
		return true
	})
	return ops
}

func (o *OneToOne) apply(ctx context.Context, e *Engine, r *row.Row) (Outcome, string, error) {
	toKey, err := e.keys.ResolveKey(ctx, r, o.To.Schema, o.To.Table)
	if err != nil {
		return Skipped, "", err
	}
	fromKey := keys.Compose(r, o.ForeignKeys)
	if strings.Trim(fromKey, keys.Separator+" ") == "" {
		return Skipped, toKey, nil
	}
	doc, err := e.dst.Get(ctx, e.keyspace(o.From), fromKey)
	if err != nil {
		if errors.Is(err, target.ErrNotFound) {
			return Skipped, toKey, nil
		}
		return Skipped, toKey, fmt.Errorf("get %s: %w", fromKey, err)
	}

	toKS := e.keyspace(o.To)
	res, err := e.mutate(ctx, toKS, toKey, o.From.Table, o.Mutations(e.embeddable(doc)))
	if err != nil || res != Embedded || !o.RemoveForeignKeys {
		return res, toKey, err
	}

	rm := make([]target.Mutation, 0, len(o.ForeignKeys))
	for _, fk := range o.ForeignKeys {
		rm = append(rm, target.Mutation{Kind: target.Remove, Path: fk})
	}
	if err := e.dst.MutateIn(ctx, toKS, toKey, rm); err != nil && !errors.Is(err, target.ErrPathNotFound) {
		return res, toKey, fmt.Errorf("remove foreign keys: %w", err)
	}
	return res, toKey, nil
}
