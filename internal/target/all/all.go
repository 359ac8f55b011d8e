// Package all registers every built-in target backend.
package all

import (
	_ "sqltocb/internal/target/couchbase"
	_ "sqltocb/internal/target/memory"
)
