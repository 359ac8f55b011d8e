package users

import (
	"bytes"
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sqltocb/internal/naming"
	"sqltocb/internal/source"
	"sqltocb/internal/source/fakesource"
	"sqltocb/internal/target"
	"sqltocb/internal/target/memory"
)

func TestSanitizeName(t *testing.T) {
	t.Parallel()
	for _, tc := range []struct{ in, want string }{
		{"ken0", "ken0"},
		{`ADVENTURE\ken0`, "ADVENTURE-ken0"},
		{"o'brien", "o'brien"},
		{"José Núñez", "Jose-Nunez"},
		{"svc.reporting@corp", "svc-reporting-corp"},
	} {
		assert.Equal(t, tc.want, SanitizeName(tc.in), tc.in)
	}
}

func TestRoles(t *testing.T) {
	t.Parallel()
	var logs bytes.Buffer
	tr := New(nil, nil, naming.New(naming.Config{UseSchemaForScope: true}), "AdventureWorks", "pw", zerolog.New(&logs))

	roles := tr.Roles([]source.Permission{
		{Name: "INSERT", Schema: "Sales", Table: "Customer"},
		{Name: "update", Schema: "Sales", Table: "Customer"},
		{Name: "SELECT", Schema: "Person", Table: "Address"},
		{Name: "EXECUTE", Schema: "dbo", Table: "uspGetBillOfMaterials"},
	})
	cust := func(n string) target.Role {
		return target.Role{Name: n, Bucket: "AdventureWorks", Scope: "Sales", Collection: "Customer"}
	}
	addr := func(n string) target.Role {
		return target.Role{Name: n, Bucket: "AdventureWorks", Scope: "Person", Collection: "Address"}
	}
	assert.Equal(t, []target.Role{
		cust("query_insert"), cust("data_writer"), cust("query_update"),
		addr("query_select"), addr("data_reader"),
	}, roles)
	assert.Contains(t, logs.String(), "EXECUTE")
}

func TestRoles_Fallback(t *testing.T) {
	t.Parallel()
	tr := New(nil, nil, naming.New(naming.Config{}), "AdventureWorks", "pw", zerolog.Nop())
	assert.Equal(t, []target.Role{{Name: FallbackRole, Bucket: "AdventureWorks"}}, tr.Roles(nil))
	assert.Equal(t, []target.Role{{Name: FallbackRole, Bucket: "AdventureWorks"}},
		tr.Roles([]source.Permission{{Name: "ALTER", Schema: "dbo", Table: "X"}}))
}

func TestRun(t *testing.T) {
	t.Parallel()
	cat := fakesource.New().
		AddPrincipal(`ADVENTURE\ken0`, source.Permission{Name: "SELECT", Schema: "Sales", Table: "Customer"}).
		AddPrincipal("auditor")
	st := memory.New("AdventureWorks")

	n, err := New(cat, st, naming.New(naming.Config{}), "AdventureWorks", "s3cret", zerolog.Nop()).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got := st.Users()
	require.Len(t, got, 2)
	ken := got["ADVENTURE-ken0"]
	assert.Equal(t, `ADVENTURE\ken0`, ken.DisplayName)
	assert.Equal(t, "s3cret", ken.Password)
	assert.Equal(t, []target.Role{
		{Name: "query_select", Bucket: "AdventureWorks", Scope: naming.DefaultScope, Collection: "Sales_Customer"},
		{Name: "data_reader", Bucket: "AdventureWorks", Scope: naming.DefaultScope, Collection: "Sales_Customer"},
	}, ken.Roles)

	assert.Equal(t, []target.Role{{Name: FallbackRole, Bucket: "AdventureWorks"}}, got["auditor"].Roles)
}
