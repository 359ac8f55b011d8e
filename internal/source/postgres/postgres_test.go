package postgres

import (
	"encoding/json"
	"math/big"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	t.Parallel()

	u := [16]byte{0x6b, 0xa7, 0xb8, 0x10, 0x9d, 0xad, 0x11, 0xd1, 0x80, 0xb4, 0x00, 0xc0, 0x4f, 0xd4, 0x30, 0xc8}
	assert.Equal(t, "6ba7b810-9dad-11d1-80b4-00c04fd430c8", Normalize(u))

	assert.Equal(t, int64(1200), Normalize(pgtype.Numeric{Int: big.NewInt(12), Exp: 2, Valid: true}))
	assert.Equal(t, json.Number("12.34"), Normalize(pgtype.Numeric{Int: big.NewInt(1234), Exp: -2, Valid: true}))
	assert.Equal(t, json.Number("1.10"), Normalize(pgtype.Numeric{Int: big.NewInt(110), Exp: -2, Valid: true}))

	wide, ok := new(big.Int).SetString("12345678901234567890", 10)
	require.True(t, ok)
	assert.Equal(t, json.Number("12345678901234567890"), Normalize(pgtype.Numeric{Int: wide, Valid: true}))
	assert.Nil(t, Normalize(pgtype.Numeric{}))

	assert.Equal(t, int64(7), Normalize(int32(7)))
	assert.Equal(t, int64(7), Normalize(int16(7)))
	assert.Equal(t, "1h0m0s", Normalize(pgtype.Time{Microseconds: int64(time.Hour / time.Microsecond), Valid: true}))
	assert.Nil(t, Normalize(nil))
	assert.Equal(t, "x", Normalize("x"))
}
