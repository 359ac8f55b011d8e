// Package all registers every built-in source backend.
package all

import (
	_ "sqltocb/internal/source/mssql"
	_ "sqltocb/internal/source/mysql"
	_ "sqltocb/internal/source/postgres"
	_ "sqltocb/internal/source/sqlite"
)
