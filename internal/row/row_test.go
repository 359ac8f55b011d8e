package row

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRow_SetKeepsInsertionOrder(t *testing.T) {
	t.Parallel()

	r := New(0)
	r.Set("b", 1)
	r.Set("a", 2)
	r.Set("b", 3) // overwrite keeps position

	assert.Equal(t, []string{"b", "a"}, r.Keys())
	v, ok := r.Get("b")
	require.True(t, ok)
	assert.Equal(t, 3, v)
}

func TestRow_Delete(t *testing.T) {
	t.Parallel()

	r := FromPairs("a", 1, "b", 2, "c", 3)
	r.Delete("b")
	r.Delete("missing")

	assert.Equal(t, []string{"a", "c"}, r.Keys())
	assert.False(t, r.Has("b"))
	assert.Equal(t, 2, r.Len())
}

func TestRow_MarshalJSONOrdered(t *testing.T) {
	t.Parallel()

	r := FromPairs("ProductID", int64(101), "Name", "Bike", "Color", nil)
	b, err := json.Marshal(r)
	require.NoError(t, err)
	assert.Equal(t, `{"ProductID":101,"Name":"Bike","Color":null}`, string(b))
}

func TestRow_UnmarshalJSONOrderAndNumbers(t *testing.T) {
	t.Parallel()

	var r Row
	err := json.Unmarshal([]byte(`{"z":1,"a":"x","f":1.5,"n":{"k":[1,2]}}`), &r)
	require.NoError(t, err)

	assert.Equal(t, []string{"z", "a", "f", "n"}, r.Keys())
	z, _ := r.Get("z")
	assert.Equal(t, int64(1), z)
	f, _ := r.Get("f")
	assert.Equal(t, 1.5, f)
}

func TestRow_UnmarshalJSONRejectsNonObject(t *testing.T) {
	t.Parallel()

	var r Row
	require.Error(t, json.Unmarshal([]byte(`[1,2]`), &r))
}

func TestRow_CloneIsIndependent(t *testing.T) {
	t.Parallel()

	r := FromPairs("a", 1)
	c := r.Clone()
	c.Set("a", 2)
	c.Set("b", 3)

	v, _ := r.Get("a")
	assert.Equal(t, 1, v)
	assert.False(t, r.Has("b"))
}

func TestRow_UnmarshalJSONKeepsExactNumbers(t *testing.T) {
	t.Parallel()

	var r Row
	require.NoError(t, json.Unmarshal([]byte(`{"big":12345678901234567890,"price":1.10,"f":0.25}`), &r))
	big, _ := r.Get("big")
	assert.Equal(t, json.Number("12345678901234567890"), big)
	price, _ := r.Get("price")
	assert.Equal(t, json.Number("1.10"), price)
	f, _ := r.Get("f")
	assert.Equal(t, 0.25, f)

	b, err := json.Marshal(&r)
	require.NoError(t, err)
	assert.Equal(t, `{"big":12345678901234567890,"price":1.10,"f":0.25}`, string(b))
}
