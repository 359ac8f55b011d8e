package naming

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveCollection(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		cfg    Config
		schema string
		table  string
		want   string
	}{
		{"dbo without schema scopes", Config{}, "dbo", "Foo", "Foo"},
		{"schema prefix without schema scopes", Config{}, "Sales", "Foo", "Sales_Foo"},
		{"schema scopes drop prefix", Config{UseSchemaForScope: true}, "Sales", "Foo", "Foo"},
		{"space becomes hyphen", Config{}, "dbo", "Order Details", "Order-Details"},
		{"space in schema prefix", Config{}, "My Sales", "Foo", "My-Sales_Foo"},
		{
			"override wins without schema scopes",
			Config{Overrides: map[string]string{"Sales_SalesOrderHeaderSalesReason": "Sales_SOHSR"}},
			"Sales", "SalesOrderHeaderSalesReason", "Sales_SOHSR",
		},
		{
			"override wins with schema scopes",
			Config{UseSchemaForScope: true, Overrides: map[string]string{"Foo": "Bar"}},
			"Sales", "Foo", "Bar",
		},
		{
			"override value is hyphenated too",
			Config{Overrides: map[string]string{"Foo": "Foo Bar"}},
			"dbo", "Foo", "Foo-Bar",
		},
		{"custom default schema", Config{DefaultSchema: "public"}, "public", "Foo", "Foo"},
		{"dbo not default when overridden", Config{DefaultSchema: "public"}, "dbo", "Foo", "dbo_Foo"},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			n := New(tc.cfg)
			got := n.ResolveCollection(tc.schema, tc.table)
			assert.Equal(t, tc.want, got)
			assert.NotContains(t, got, " ")
			// Pure: a second call agrees.
			assert.Equal(t, got, n.ResolveCollection(tc.schema, tc.table))
		})
	}
}

func TestResolveScope(t *testing.T) {
	t.Parallel()

	off := New(Config{})
	assert.Equal(t, DefaultScope, off.ResolveScope("dbo"))
	assert.Equal(t, DefaultScope, off.ResolveScope("Sales"))

	fold := New(Config{UseSchemaForScope: true, UseDefaultScopeForDboSchema: true})
	assert.Equal(t, DefaultScope, fold.ResolveScope("dbo"))
	assert.Equal(t, "Sales", fold.ResolveScope("Sales"))

	noFold := New(Config{UseSchemaForScope: true})
	assert.Equal(t, "dbo", noFold.ResolveScope("dbo"))
}

func TestNew_CopiesOverrides(t *testing.T) {
	t.Parallel()

	ov := map[string]string{"Foo": "Bar"}
	n := New(Config{Overrides: ov})
	ov["Foo"] = "Changed"

	assert.Equal(t, "Bar", n.ResolveCollection("dbo", "Foo"))
}

func TestCheckName(t *testing.T) {
	t.Parallel()

	require.NoError(t, CheckName("collection", "Product"))
	require.NoError(t, CheckName("collection", strings.Repeat("a", MaxNameLength)))

	err := CheckName("collection", strings.Repeat("a", MaxNameLength+1))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNameConstraint))

	var ce *ConstraintError
	require.ErrorAs(t, CheckName("scope", "My Schema"), &ce)
	assert.Equal(t, "scope", ce.Kind)
	assert.Contains(t, ce.Reason, "space")

	assert.ErrorIs(t, CheckName("collection", ""), ErrNameConstraint)
}

func TestNamer_Check(t *testing.T) {
	t.Parallel()

	n := New(Config{})
	assert.NoError(t, n.Check(TableID{"dbo", "Product"}))

	err := n.Check(TableID{"Production", "ProductModelProductDescriptionCulture"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNameConstraint)

	fixed := New(Config{Overrides: map[string]string{
		"Production_ProductModelProductDescriptionCulture": "Production_ProdMoProdDesCult",
	}})
	assert.NoError(t, fixed.Check(TableID{"Production", "ProductModelProductDescriptionCulture"}))

	scoped := New(Config{UseSchemaForScope: true})
	assert.ErrorIs(t, scoped.Check(TableID{"My Schema", "T"}), ErrNameConstraint)
}
