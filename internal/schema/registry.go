// Package schema implements SchemaRegistry: the canonical dtype, jagged
// spec, and quantization map for one dataset. It is pure — no filesystem or
// database access beyond the JSON document handed to it by the caller — and
// locks the canonical dtype on first write, thereafter only accepting safe
// widening.
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"golang.org/x/crypto/blake2b"

	"jagstore/internal/core"
)

// Registry guards one dataset's SchemaDocument, serializing reads and
// mutations behind a single owning struct rather than a free-floating map.
type Registry struct {
	doc *core.SchemaDocument
}

// New constructs a Registry around a document that has not yet locked a
// dtype (a brand-new dataset).
func New(doc *core.SchemaDocument) *Registry {
	if doc.KeySchema == nil {
		doc.KeySchema = make(map[string]core.LogicalType)
	}
	if doc.Quantization == nil {
		doc.Quantization = make(map[string]float64)
	}
	if doc.Jagged == nil {
		doc.Jagged = make(map[string]core.JaggedSpec)
	}
	return &Registry{doc: doc}
}

// Document returns the current (possibly widened) schema document. Callers
// must not mutate the returned value; use the Registry's mutating methods.
func (r *Registry) Document() core.SchemaDocument {
	return *r.doc
}

// Canonicalize renders the schema document as canonical JSON: field order
// exactly as authored (dtype_descr is never resorted), map keys sorted
// alphabetically by encoding/json's default map-marshaling behavior. This
// output is both the persisted form and the fingerprint input.
func (r *Registry) Canonicalize() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(r.doc); err != nil {
		return nil, fmt.Errorf("canonicalize schema document: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Fingerprint computes schema_fingerprint = blake2b-128(canonical_json(doc)).
func (r *Registry) Fingerprint() (string, error) {
	canon, err := r.Canonicalize()
	if err != nil {
		return "", err
	}
	h, err := blake2b.New(16, nil)
	if err != nil {
		return "", fmt.Errorf("init blake2b-128: %w", err)
	}
	h.Write(canon)
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

// LockDtype locks the canonical dtype_descr from a first batch's observed
// fields, rejecting any field whose base dtype ValidateBaseDtype refuses.
// It is a no-op if the schema is already locked.
func (r *Registry) LockDtype(fields []core.FieldDescr) error {
	if r.doc.Locked {
		return nil
	}
	for _, f := range fields {
		if err := ValidateBaseDtype(f.Base); err != nil {
			return err
		}
	}
	r.doc.DtypeDescr = append([]core.FieldDescr(nil), fields...)
	r.doc.Locked = true
	return nil
}

// WidenText grows a TEXT field's canonical max byte width if the observed
// width is larger. Widening is the only permitted dtype mutation besides
// jagged-maxima growth (when AllowShapeGrowth is set); the caller is
// responsible for persisting the new width atomically with the first part
// row of the batch that triggered it.
func (r *Registry) WidenText(field string, observedMaxBytes int) error {
	for i := range r.doc.DtypeDescr {
		fd := &r.doc.DtypeDescr[i]
		if fd.Name != field {
			continue
		}
		if fd.Base != core.DtypeText {
			return &core.SchemaMismatchError{Field: field, Message: "widen requested on non-text field"}
		}
		if observedMaxBytes > fd.TextMax {
			fd.TextMax = observedMaxBytes
		}
		return nil
	}
	return &core.SchemaMismatchError{Field: field, Message: "unknown field"}
}

// ObserveJagged reconciles an observed per-row extent for a jagged field
// against its canonical maximum, growing the maximum when allowed and
// failing with DataExceedsCanonError when the schema is locked and growth
// is not permitted.
func (r *Registry) ObserveJagged(field string, varyDims []int, observed []int) error {
	spec, ok := r.doc.Jagged[field]
	if !ok {
		spec = core.JaggedSpec{VaryDims: append([]int(nil), varyDims...), CanonicalMax: append([]int(nil), observed...)}
		r.doc.Jagged[field] = spec
		return nil
	}

	if len(observed) != len(spec.CanonicalMax) {
		return &core.SchemaMismatchError{Field: field, Message: "jagged rank mismatch"}
	}

	grew := false
	next := append([]int(nil), spec.CanonicalMax...)
	for i, v := range observed {
		if v > next[i] {
			if r.doc.Locked && !r.doc.AllowShapeGrowth {
				return &core.DataExceedsCanonError{Field: field, CanonicalMax: spec.CanonicalMax, Observed: observed}
			}
			next[i] = v
			grew = true
		}
	}
	if grew {
		spec.CanonicalMax = next
		r.doc.Jagged[field] = spec
	}
	return nil
}

// MetaColumnFor returns the name and smallest-fitting integer dtype for a
// jagged field's metadata column(s): <field>_len for a single vary_dim,
// <field>_shape for more than one.
func MetaColumnFor(field string, spec core.JaggedSpec) (name string, kind core.MetaColumnKind, dtype core.BaseDtype) {
	max := 0
	for _, m := range spec.CanonicalMax {
		if m > max {
			max = m
		}
	}
	if len(spec.VaryDims) == 1 {
		return field + "_len", core.MetaLen, smallestUint(max)
	}
	return field + "_shape", core.MetaShape, smallestInt(max)
}

func smallestUint(max int) core.BaseDtype {
	if max <= math.MaxUint16 {
		return core.DtypeUint16
	}
	return core.DtypeUint32
}

func smallestInt(max int) core.BaseDtype {
	if max <= math.MaxInt16 {
		return core.DtypeInt16
	}
	return core.DtypeInt32
}

// ValidateBaseDtype rejects object/complex/timezone-datetime-shaped fields,
// i.e. anything outside the byte-representable set SchemaRegistry accepts.
func ValidateBaseDtype(d core.BaseDtype) error {
	switch d {
	case core.DtypeInt8, core.DtypeInt16, core.DtypeInt32, core.DtypeInt64,
		core.DtypeUint8, core.DtypeUint16, core.DtypeUint32,
		core.DtypeFloat32, core.DtypeFloat64, core.DtypeBool, core.DtypeText:
		return nil
	default:
		return &core.SchemaMismatchError{Message: fmt.Sprintf("rejected base dtype %q", d)}
	}
}

// sortedFieldNames returns the jagged field names in sorted order, giving
// JaggedFieldsInOrder a stable traversal of the Jagged map instead of map
// iteration order.
func sortedFieldNames(jagged map[string]core.JaggedSpec) []string {
	names := make([]string, 0, len(jagged))
	for k := range jagged {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// JaggedFieldsInOrder returns the jagged field names in dtype_descr order,
// falling back to a sorted traversal for any jagged field absent from
// dtype_descr (should not happen once locked, but ContentHasher needs a
// deterministic order regardless).
func (r *Registry) JaggedFieldsInOrder() []string {
	seen := make(map[string]bool, len(r.doc.Jagged))
	ordered := make([]string, 0, len(r.doc.Jagged))
	for _, fd := range r.doc.DtypeDescr {
		if _, ok := r.doc.Jagged[fd.Name]; ok && !seen[fd.Name] {
			ordered = append(ordered, fd.Name)
			seen[fd.Name] = true
		}
	}
	for _, name := range sortedFieldNames(r.doc.Jagged) {
		if !seen[name] {
			ordered = append(ordered, name)
			seen[name] = true
		}
	}
	return ordered
}
