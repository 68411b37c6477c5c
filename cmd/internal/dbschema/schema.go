// Package dbschema creates the chatrooms relations in a PostgreSQL schema.
//
// Apply is idempotent: every statement is IF NOT EXISTS / ON CONFLICT DO NOTHING, so running it
// on every start (CHAT_DB_AUTO_MIGRATE) or via `chatrooms migrate` is safe.
package dbschema

import (
	"context"
	_ "embed"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DefaultSchema is used when no schema is configured.
const DefaultSchema = "chat"

// GlobalConversationID is the permanent conversation every user may read and write.
const GlobalConversationID int64 = 1

//go:embed schema.sql
var schemaSQL string

var identRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ValidIdent reports whether s is usable as an unquoted-safe schema name.
func ValidIdent(s string) bool { return identRe.MatchString(s) }

// Table returns the quoted "schema"."name" form.
func Table(schema, name string) string {
	return pgx.Identifier{schema, name}.Sanitize()
}

// Render returns the DDL for schema. Exposed for `chatrooms migrate --print`.
func Render(schema string) (string, error) {
	schema = strings.TrimSpace(schema)
	if !ValidIdent(schema) {
		return "", fmt.Errorf("dbschema: invalid schema identifier %q", schema)
	}
	return strings.ReplaceAll(schemaSQL, "{{schema}}", pgx.Identifier{schema}.Sanitize()), nil
}

// Apply creates all relations and seeds the global conversation.
func Apply(ctx context.Context, pool *pgxpool.Pool, schema string) error {
	if pool == nil {
		return fmt.Errorf("dbschema: nil pool")
	}
	ddl, err := Render(schema)
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("dbschema: apply %s: %w", schema, err)
	}
	return nil
}
