// Package users translates source principals and their table grants into
// target-store accounts with collection-scoped roles.
package users

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/rs/zerolog"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"sqltocb/internal/logging"
	"sqltocb/internal/naming"
	"sqltocb/internal/source"
	"sqltocb/internal/target"
)

// FallbackRole is granted on the whole bucket to a principal with no
// translatable permissions.
const FallbackRole = "bucket_admin"

// permissionRoles maps a relation permission to the target roles it implies.
var permissionRoles = map[string][]string{
	"INSERT": {"query_insert", "data_writer"},
	"SELECT": {"query_select", "data_reader"},
	"UPDATE": {"query_update", "data_writer"},
	"DELETE": {"query_delete", "data_writer"},
}

var disallowed = regexp.MustCompile(`[^a-zA-Z0-9']`)

// SanitizeName folds accents and replaces every character the target does
// not accept in a username with '-'.
func SanitizeName(name string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, name)
	if err != nil {
		folded = name
	}
	return disallowed.ReplaceAllString(folded, "-")
}

// Translator provisions target users from source principals.
type Translator struct {
	src      source.Catalog
	dst      target.Store
	namer    *naming.Namer
	bucket   string
	password string
	log      zerolog.Logger
}

// New returns a Translator granting roles in bucket and assigning password
// to every generated user.
func New(src source.Catalog, dst target.Store, namer *naming.Namer, bucket, password string, log zerolog.Logger) *Translator {
	return &Translator{
		src:      src,
		dst:      dst,
		namer:    namer,
		bucket:   bucket,
		password: password,
		log:      logging.Component(log, "users"),
	}
}

// Roles translates perms into a de-duplicated role set, in grant order.
// Unknown permission names are logged and ignored. An empty result becomes
// the bucket-wide fallback role.
func (t *Translator) Roles(perms []source.Permission) []target.Role {
	var roles []target.Role
	seen := map[target.Role]struct{}{}
	for _, p := range perms {
		names, ok := permissionRoles[strings.ToUpper(strings.TrimSpace(p.Name))]
		if !ok {
			t.log.Warn().Str("permission", p.Name).Str("table", p.Schema+"."+p.Table).
				Msg("users: permission has no target role")
			continue
		}
		tgt := t.namer.Resolve(naming.TableID{Schema: p.Schema, Table: p.Table})
		for _, n := range names {
			r := target.Role{Name: n, Bucket: t.bucket, Scope: tgt.Scope, Collection: tgt.Collection}
			if _, dup := seen[r]; dup {
				continue
			}
			seen[r] = struct{}{}
			roles = append(roles, r)
		}
	}
	if len(roles) == 0 {
		roles = append(roles, target.Role{Name: FallbackRole, Bucket: t.bucket})
	}
	return roles
}

// User builds the account for principal.
func (t *Translator) User(principal string, perms []source.Permission) target.User {
	return target.User{
		Name:        SanitizeName(principal),
		DisplayName: principal,
		Password:    t.password,
		Roles:       t.Roles(perms),
	}
}

// Run upserts one account per source principal and returns how many were
// written. The first failing principal aborts the run.
func (t *Translator) Run(ctx context.Context) (int, error) {
	principals, err := t.src.Principals(ctx)
	if err != nil {
		return 0, fmt.Errorf("list principals: %w", err)
	}
	n := 0
	for _, p := range principals {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		perms, err := t.src.Permissions(ctx, p)
		if err != nil {
			return n, fmt.Errorf("permissions of %s: %w", p, err)
		}
		u := t.User(p, perms)
		if u.Name == "" {
			t.log.Warn().Str("principal", p).Msg("users: empty name after sanitizing, skipped")
			continue
		}
		if err := t.dst.UpsertUser(ctx, u); err != nil {
			return n, fmt.Errorf("upsert user %s: %w", u.Name, err)
		}
		t.log.Info().Str("principal", p).Str("user", u.Name).Int("roles", len(u.Roles)).Msg("users: upserted")
		n++
	}
	return n, nil
}
