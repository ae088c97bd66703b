package catalog

import (
	"context"
	"fmt"
	"strings"
	"time"

	"jagstore/internal/core"
	"jagstore/internal/keynorm"
)

// GetOrCreateSubset inserts the subset row (and its identity column
// values) if absent, via INSERT OR IGNORE then SELECT. subset_uuid is
// computed by KeyNormalizer without a DB lookup, so this call is
// idempotent and safe to race across writers.
func (c *Catalog) GetOrCreateSubset(ctx context.Context, subsetUUID string, keyOrder []string, keySchema map[string]core.LogicalType, identity map[string]keynorm.IdentityItem) (core.Subset, error) {
	var out core.Subset
	err := withRetry(ctx, "get_or_create_subset", func() error {
		cols := []string{"subset_uuid", "created_at_epoch"}
		placeholders := []string{"?", "?"}
		args := []any{subsetUUID, time.Now().UnixMicro()}

		for _, key := range keyOrder {
			item := identity[key]
			if keySchema[key] == core.LogicalReal {
				cols = append(cols, quoteIdent(key), quoteIdent(key+"_s"), quoteIdent(key+"_q"))
				placeholders = append(placeholders, "?", "?", "?")
				args = append(args, item.Raw, int(item.Specials), item.Quantized)
			} else {
				cols = append(cols, quoteIdent(key))
				placeholders = append(placeholders, "?")
				args = append(args, item.Scalar)
			}
		}

		stmt := fmt.Sprintf("INSERT OR IGNORE INTO subsets (%s) VALUES (%s)",
			strings.Join(cols, ", "), strings.Join(placeholders, ", "))
		if _, err := c.db.ExecContext(ctx, stmt, args...); err != nil {
			return err
		}

		row := c.db.QueryRowContext(ctx,
			`SELECT subset_uuid, created_at_epoch, marked_for_deletion, total_rows FROM subsets WHERE subset_uuid = ?`,
			subsetUUID)
		var markedInt int
		if err := row.Scan(&out.SubsetUUID, &out.CreatedAtEpoch, &markedInt, &out.TotalRows); err != nil {
			return err
		}
		out.MarkedForDeletion = markedInt != 0
		return nil
	})
	return out, err
}

// SubsetFilter describes an equality, range, or soft-delete filter for
// FindSubsets.
type SubsetFilter struct {
	Key          string
	EqualsReal   *float64 // finite equality compares via (k_s = 0 AND k_q = ?)
	EqualsSignal *core.SpecialsCode
	RangeMin     *float64 // raw-column range; NaN is excluded by default
	RangeMax     *float64
	EqualsOther  any // INTEGER/BOOLEAN/TEXT equality on the raw column
}

// FindSubsets runs equality (via _s/_q for REAL keys), range (via raw REAL
// columns, excluding NaN), and soft-delete filters.
func (c *Catalog) FindSubsets(ctx context.Context, keySchema map[string]core.LogicalType, filters []SubsetFilter, includeDeleted bool, quantizeScale map[string]float64) ([]core.Subset, error) {
	where := []string{}
	args := []any{}

	if !includeDeleted {
		where = append(where, "marked_for_deletion = 0")
	}

	for _, f := range filters {
		switch {
		case f.EqualsSignal != nil:
			where = append(where, fmt.Sprintf("%s = ?", quoteIdent(f.Key+"_s")))
			args = append(args, int(*f.EqualsSignal))
		case f.EqualsReal != nil:
			scale := quantizeScale[f.Key]
			q := keynorm.ClassifyReal(*f.EqualsReal)
			if q != core.SpecialsNormal {
				where = append(where, fmt.Sprintf("%s = ?", quoteIdent(f.Key+"_s")))
				args = append(args, int(q))
				continue
			}
			where = append(where, fmt.Sprintf("%s = 0 AND %s = ?", quoteIdent(f.Key+"_s"), quoteIdent(f.Key+"_q")))
			args = append(args, keynorm.Quantize(*f.EqualsReal, scale))
		case f.RangeMin != nil || f.RangeMax != nil:
			// exclude NaN from ranges by testing the raw column against
			// itself, which is false for NaN under IEEE-754 comparison.
			where = append(where, fmt.Sprintf("%s = %s", quoteIdent(f.Key), quoteIdent(f.Key)))
			if f.RangeMin != nil {
				where = append(where, fmt.Sprintf("%s >= ?", quoteIdent(f.Key)))
				args = append(args, *f.RangeMin)
			}
			if f.RangeMax != nil {
				where = append(where, fmt.Sprintf("%s <= ?", quoteIdent(f.Key)))
				args = append(args, *f.RangeMax)
			}
		case f.EqualsOther != nil:
			where = append(where, fmt.Sprintf("%s = ?", quoteIdent(f.Key)))
			args = append(args, f.EqualsOther)
		}
	}

	stmt := "SELECT subset_uuid, created_at_epoch, marked_for_deletion, total_rows FROM subsets"
	if len(where) > 0 {
		stmt += " WHERE " + strings.Join(where, " AND ")
	}

	var results []core.Subset
	err := withRetry(ctx, "find_subsets", func() error {
		results = nil
		rows, err := c.db.QueryContext(ctx, stmt, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var s core.Subset
			var markedInt int
			if err := rows.Scan(&s.SubsetUUID, &s.CreatedAtEpoch, &markedInt, &s.TotalRows); err != nil {
				return err
			}
			s.MarkedForDeletion = markedInt != 0
			results = append(results, s)
		}
		return rows.Err()
	})
	return results, err
}

// GetSubsetIdentity re-reads a subset's raw identity columns back into the
// IdentityItem shape GetOrCreateSubset expects, so MergeService can recreate
// the same subset_uuid in a destination catalog without re-deriving it from
// user-facing key values (it already knows the identity tuple, just not in
// IdentityItem form).
func (c *Catalog) GetSubsetIdentity(ctx context.Context, subsetUUID string, keyOrder []string, keySchema map[string]core.LogicalType) (map[string]keynorm.IdentityItem, error) {
	cols := make([]string, 0, len(keyOrder)*3)
	for _, key := range keyOrder {
		if keySchema[key] == core.LogicalReal {
			cols = append(cols, quoteIdent(key), quoteIdent(key+"_s"), quoteIdent(key+"_q"))
		} else {
			cols = append(cols, quoteIdent(key))
		}
	}

	var identity map[string]keynorm.IdentityItem
	err := withRetry(ctx, "get_subset_identity", func() error {
		identity = make(map[string]keynorm.IdentityItem, len(keyOrder))
		stmt := fmt.Sprintf("SELECT %s FROM subsets WHERE subset_uuid = ?", strings.Join(cols, ", "))
		dest := make([]any, len(cols))
		for i := range dest {
			dest[i] = new(any)
		}
		row := c.db.QueryRowContext(ctx, stmt, subsetUUID)
		if err := row.Scan(dest...); err != nil {
			return err
		}

		i := 0
		for _, key := range keyOrder {
			if keySchema[key] == core.LogicalReal {
				raw := *(dest[i].(*any))
				specials := *(dest[i+1].(*any))
				quantized := *(dest[i+2].(*any))
				identity[key] = keynorm.IdentityItem{
					IsReal:    true,
					Raw:       toFloat64(raw),
					Specials:  core.SpecialsCode(toInt64(specials)),
					Quantized: toInt64(quantized),
				}
				i += 3
			} else {
				identity[key] = keynorm.IdentityItem{Scalar: *(dest[i].(*any))}
				i++
			}
		}
		return nil
	})
	return identity, err
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}

func toFloat64(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	case int:
		return float64(n)
	default:
		return 0
	}
}

// MarkSubsetForDeletion soft-deletes a subset.
func (c *Catalog) MarkSubsetForDeletion(ctx context.Context, subsetUUID string) error {
	return withRetry(ctx, "mark_subset_for_deletion", func() error {
		_, err := c.db.ExecContext(ctx, `UPDATE subsets SET marked_for_deletion = 1 WHERE subset_uuid = ?`, subsetUUID)
		return err
	})
}
