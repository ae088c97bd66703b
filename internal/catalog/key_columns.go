package catalog

import (
	"context"
	"fmt"
	"strings"

	"jagstore/internal/core"
)

// sqlColumnType maps a logical key type to its raw subsets column type.
func sqlColumnType(t core.LogicalType) string {
	switch t {
	case core.LogicalReal:
		return "REAL"
	case core.LogicalInteger:
		return "INTEGER"
	case core.LogicalBoolean:
		return "INTEGER"
	case core.LogicalText:
		return "TEXT"
	default:
		return "TEXT"
	}
}

// EnsureKeyColumns idempotently adds a raw key column and, for REAL keys,
// its derived _s/_q identity columns, then creates the composite UNIQUE
// identity index over key_order. SQLite has no
// "ALTER TABLE ADD COLUMN IF NOT EXISTS"; duplicate-column errors from a
// concurrent or repeated call are swallowed so the call is safe to retry.
func (c *Catalog) EnsureKeyColumns(ctx context.Context, keyOrder []string, keySchema map[string]core.LogicalType) error {
	return withRetry(ctx, "ensure_key_columns", func() error {
		for _, key := range keyOrder {
			lt, ok := keySchema[key]
			if !ok {
				return fmt.Errorf("ensure_key_columns: key %q not declared in key_schema", key)
			}
			if err := c.addColumnIfAbsent(ctx, key, sqlColumnType(lt)); err != nil {
				return err
			}
			if lt == core.LogicalReal {
				if err := c.addColumnIfAbsent(ctx, key+"_s", "INTEGER"); err != nil {
					return err
				}
				if err := c.addColumnIfAbsent(ctx, key+"_q", "INTEGER"); err != nil {
					return err
				}
			}
		}
		return c.ensureIdentityIndex(ctx, keyOrder, keySchema)
	})
}

func (c *Catalog) addColumnIfAbsent(ctx context.Context, column, sqlType string) error {
	stmt := fmt.Sprintf("ALTER TABLE subsets ADD COLUMN %s %s", quoteIdent(column), sqlType)
	_, err := c.db.ExecContext(ctx, stmt)
	if err != nil && strings.Contains(err.Error(), "duplicate column name") {
		return nil
	}
	return err
}

func (c *Catalog) ensureIdentityIndex(ctx context.Context, keyOrder []string, keySchema map[string]core.LogicalType) error {
	cols := make([]string, 0, len(keyOrder)*2)
	for _, key := range keyOrder {
		if keySchema[key] == core.LogicalReal {
			cols = append(cols, quoteIdent(key+"_s"), quoteIdent(key+"_q"))
		} else {
			cols = append(cols, quoteIdent(key))
		}
	}
	stmt := fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS idx_subsets_identity ON subsets(%s)", strings.Join(cols, ", "))
	_, err := c.db.ExecContext(ctx, stmt)
	return err
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
