package mysql

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_BadDSN(t *testing.T) {
	_, err := Open(context.Background(), "root@localhost")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mysql dsn")
}

func TestOpen_ForcesParseTime(t *testing.T) {
	prev := openDB
	t.Cleanup(func() { openDB = prev })

	stop := errors.New("stop")
	var got string
	openDB = func(driver, dsn string) (*sql.DB, error) {
		assert.Equal(t, "mysql", driver)
		got = dsn
		return nil, stop
	}

	_, err := Open(context.Background(), "root:pw@tcp(localhost:3306)/adventureworks")
	require.ErrorIs(t, err, stop)

	mc, err := mysql.ParseDSN(got)
	require.NoError(t, err)
	assert.True(t, mc.ParseTime)
	assert.Equal(t, "adventureworks", mc.DBName)
}
