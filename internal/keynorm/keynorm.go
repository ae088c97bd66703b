// Package keynorm implements KeyNormalizer: the pure mapping from a dict of
// user-supplied key values to a deterministic identity tuple and subset
// UUID. It never touches the catalog — subset_uuid is computed entirely
// from the key schema and the offered values.
package keynorm

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/text/unicode/norm"

	"jagstore/internal/core"
)

// Value is a tagged variant holding one key's runtime value, resolved
// against key_schema before any identity or hash operation.
type Value struct {
	Real    float64
	Integer int64
	Text    string
	Boolean bool
	Kind    core.LogicalType
}

// RealValue builds a REAL-kind Value.
func RealValue(v float64) Value { return Value{Real: v, Kind: core.LogicalReal} }

// IntegerValue builds an INTEGER-kind Value.
func IntegerValue(v int64) Value { return Value{Integer: v, Kind: core.LogicalInteger} }

// TextValue builds a TEXT-kind Value.
func TextValue(v string) Value { return Value{Text: v, Kind: core.LogicalText} }

// BooleanValue builds a BOOLEAN-kind Value.
func BooleanValue(v bool) Value { return Value{Boolean: v, Kind: core.LogicalBoolean} }

// IdentityItem is one component of an identity tuple: either a plain
// scalar (INTEGER/BOOLEAN/TEXT) or a (specials-code, quantized) pair for a
// REAL key.
type IdentityItem struct {
	IsReal    bool
	Specials  core.SpecialsCode
	Quantized int64
	Raw       float64 // the as-offered REAL value, stored alongside _s/_q for range queries
	Scalar    any
}

// Result is KeyNormalizer's output for one row of key values.
type Result struct {
	IdentityTuple []IdentityItem
	SubsetUUID    uuid.UUID
	// RawSnapshot is the as-offered key values, compared against a prior
	// snapshot for the same subset_uuid to detect IdentityConflict.
	RawSnapshot map[string]Value
}

// Normalize maps a dict of key values to an identity tuple and
// deterministic subset UUID, given the dataset's key_schema, key_order,
// and per-REAL-key quantization scale.
func Normalize(keySchema map[string]core.LogicalType, keyOrder []string, quantization map[string]float64, values map[string]Value) (Result, error) {
	tuple := make([]IdentityItem, 0, len(keyOrder))
	parts := make([]string, 0, len(keyOrder))

	for _, key := range keyOrder {
		declared, ok := keySchema[key]
		if !ok {
			return Result{}, &core.InvalidKeyValueError{Key: key, Message: "key not declared in key_schema"}
		}
		v, ok := values[key]
		if !ok {
			return Result{}, &core.InvalidKeyValueError{Key: key, Message: "missing key value"}
		}
		if v.Kind != declared {
			return Result{}, &core.InvalidKeyValueError{Key: key, Message: fmt.Sprintf("expected %s, got %s", declared, v.Kind)}
		}

		switch declared {
		case core.LogicalReal:
			scale, ok := quantization[key]
			if !ok || scale <= 0 {
				return Result{}, &core.InvalidKeyValueError{Key: key, Message: "missing quantization scale for REAL key"}
			}
			specials := ClassifyReal(v.Real)
			var q int64
			if specials == core.SpecialsNormal {
				q = quantize(v.Real, scale)
			}
			tuple = append(tuple, IdentityItem{IsReal: true, Specials: specials, Quantized: q, Raw: v.Real})
			parts = append(parts, strconv.Itoa(int(specials)), strconv.FormatInt(q, 10))

		case core.LogicalInteger:
			tuple = append(tuple, IdentityItem{Scalar: v.Integer})
			parts = append(parts, strconv.FormatInt(v.Integer, 10))

		case core.LogicalBoolean:
			tuple = append(tuple, IdentityItem{Scalar: v.Boolean})
			parts = append(parts, strconv.FormatBool(v.Boolean))

		case core.LogicalText:
			nfc := norm.NFC.String(v.Text)
			if strings.Contains(nfc, ",") {
				return Result{}, &core.InvalidKeyValueError{Key: key, Message: "TEXT key value contains a comma"}
			}
			tuple = append(tuple, IdentityItem{Scalar: nfc})
			parts = append(parts, nfc)

		default:
			return Result{}, &core.InvalidKeyValueError{Key: key, Message: fmt.Sprintf("unsupported logical type %s", declared)}
		}
	}

	digest, err := identityDigest(parts)
	if err != nil {
		return Result{}, err
	}

	subsetUUID, err := uuid.FromBytes(digest[:])
	if err != nil {
		return Result{}, fmt.Errorf("build subset uuid: %w", err)
	}

	return Result{
		IdentityTuple: tuple,
		SubsetUUID:    subsetUUID,
		RawSnapshot:   values,
	}, nil
}

// identityDigest computes blake2b-128(utf8(join(",", parts))).
func identityDigest(parts []string) ([16]byte, error) {
	var out [16]byte
	h, err := blake2b.New(16, nil)
	if err != nil {
		return out, fmt.Errorf("init blake2b-128: %w", err)
	}
	h.Write([]byte(strings.Join(parts, ",")))
	copy(out[:], h.Sum(nil))
	return out, nil
}

// ClassifyReal classifies a REAL value by its IEEE-754 bit pattern, not by
// comparison, so that NaN payload bits never leak into the classification.
func ClassifyReal(v float64) core.SpecialsCode {
	bits := math.Float64bits(v)
	exponent := (bits >> 52) & 0x7ff
	mantissa := bits & (1<<52 - 1)
	switch {
	case exponent != 0x7ff:
		return core.SpecialsNormal
	case mantissa != 0:
		return core.SpecialsNaN
	case bits>>63 == 0:
		return core.SpecialsPosInf
	default:
		return core.SpecialsNegInf
	}
}

// Quantize rounds v*scale to the nearest integer, ties to even (banker's
// rounding). Exported so Catalog can build the same k_q a query would need
// without re-deriving the rounding rule.
func Quantize(v, scale float64) int64 {
	return roundHalfEven(v * scale)
}

func quantize(v, scale float64) int64 {
	return Quantize(v, scale)
}

func roundHalfEven(x float64) int64 {
	floor := math.Floor(x)
	diff := x - floor
	switch {
	case diff < 0.5:
		return int64(floor)
	case diff > 0.5:
		return int64(floor) + 1
	default:
		// exact tie: round to even
		if int64(floor)%2 == 0 {
			return int64(floor)
		}
		return int64(floor) + 1
	}
}

// SameSnapshot reports whether two raw key snapshots for the same
// subset_uuid are identical, used to detect IdentityConflict — two Normal
// REALs collapsing to the same quantized value is expected and not a
// conflict; two differing raw snapshots colliding on subset_uuid is.
func SameSnapshot(a, b map[string]Value) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok || av != bv {
			return false
		}
	}
	return true
}
