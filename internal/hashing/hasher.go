// Package hashing implements ContentHasher: a byte-stable blake2b-128
// digest over a schema signature, padded row payload, and jagged meta
// arrays. The same digest must result whether the rows come from memory or
// from reading a sealed part file back, so every step here operates on
// already-padded, already-shaped byte and text representations — nothing
// in this package re-derives padding itself (that is SchemaRegistry's and
// PartFileStore's job).
package hashing

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/text/unicode/norm"

	"jagstore/internal/core"
)

// FieldValue is one field's contribution to one row, already padded to the
// field's canonical shape.
type FieldValue struct {
	// Text holds one NFC-eligible string per scalar text position when the
	// field's base dtype is text (len 1 for a scalar text field).
	Text []string
	// Raw holds the contiguous raw bytes of the padded field when the
	// field's base dtype is numeric or boolean.
	Raw []byte
}

// Row is a single record's fields, keyed by field name.
type Row map[string]FieldValue

// Signature is the schema signature hashed first: the canonical
// (field_name, base_dtype, shape) triples plus jagged vary_dims per field.
// It is written as raw bytes, not JSON: for each field in dtype_descr order
// its name, its base dtype and each shape dim as a little-endian uint64,
// then for each field in JaggedOrder its vary_dims as little-endian uint32.
// It does not use SchemaRegistry's Canonicalize output.
type Signature struct {
	DtypeDescr  []core.FieldDescr
	JaggedOrder []string // field names, in dtype_descr order, for which a jagged spec exists
	Jagged      map[string]core.JaggedSpec
}

// Hasher computes ContentHasher digests.
type Hasher struct {
	sig Signature
}

// New constructs a Hasher bound to one schema signature. The same Hasher
// may be reused across many row sets sharing that signature.
func New(sig Signature) *Hasher {
	return &Hasher{sig: sig}
}

// DefaultMaxChunkBytes bounds how many row-payload bytes accumulate in one hash
// Write before the chunk boundary; it has no effect on the resulting
// digest (blake2b is a streaming hash), only on memory use while hashing
// very large row sets.
const DefaultMaxChunkBytes = 8 << 20

// HashRows computes the content hash over rows in order, chunked by
// maxChunkBytes (a hint; pass 0 for DefaultMaxChunkBytes), followed by each
// jagged field's meta array. jaggedMeta supplies the raw <field>_len or
// <field>_shape bytes for every jagged field named in the signature's
// JaggedOrder — SchemaRegistry/PartFileStore compute these while padding;
// ContentHasher only needs their final bytes, in the same field order used
// for the signature, so that hashing an in-memory row set and hashing a
// sealed file read back produce the identical digest.
func (h *Hasher) HashRows(rows []Row, jaggedMeta map[string][]byte, maxChunkBytes int) (string, error) {
	if maxChunkBytes <= 0 {
		maxChunkBytes = DefaultMaxChunkBytes
	}

	digest, err := blake2b.New(16, nil)
	if err != nil {
		return "", fmt.Errorf("init blake2b-128: %w", err)
	}

	if err := writeSignature(digest, h.sig); err != nil {
		return "", err
	}

	chunk := make([]byte, 0, maxChunkBytes)
	flush := func() error {
		if len(chunk) == 0 {
			return nil
		}
		if _, err := digest.Write(chunk); err != nil {
			return err
		}
		chunk = chunk[:0]
		return nil
	}

	for _, row := range rows {
		rowBytes, err := encodeRow(row, h.sig.DtypeDescr)
		if err != nil {
			return "", err
		}
		if len(chunk)+len(rowBytes) > maxChunkBytes {
			if err := flush(); err != nil {
				return "", err
			}
		}
		chunk = append(chunk, rowBytes...)
	}
	if err := flush(); err != nil {
		return "", err
	}

	for _, name := range h.sig.JaggedOrder {
		if _, err := digest.Write(jaggedMeta[name]); err != nil {
			return "", err
		}
	}

	return fmt.Sprintf("%x", digest.Sum(nil)), nil
}

// EncodeRows concatenates encodeRow's output for every row, in order. This
// is the same byte encoding HashRows folds into its digest, so a caller that
// persists EncodeRows' output as a part's payload and separately calls
// HashRows over the identical rows gets a content_hash that genuinely
// describes the bytes on disk.
func EncodeRows(rows []Row, dtypeDescr []core.FieldDescr) ([]byte, error) {
	var out []byte
	for _, row := range rows {
		b, err := encodeRow(row, dtypeDescr)
		if err != nil {
			return nil, err
		}
		out = append(out, b...)
	}
	return out, nil
}

func writeSignature(w interface{ Write([]byte) (int, error) }, sig Signature) error {
	for _, fd := range sig.DtypeDescr {
		if _, err := w.Write([]byte(fd.Name)); err != nil {
			return err
		}
		if _, err := w.Write([]byte(fd.Base)); err != nil {
			return err
		}
		for _, d := range fd.Shape {
			var b [8]byte
			binary.LittleEndian.PutUint64(b[:], uint64(int64(d)))
			if _, err := w.Write(b[:]); err != nil {
				return err
			}
		}
	}
	for _, name := range sig.JaggedOrder {
		spec := sig.Jagged[name]
		for _, d := range spec.VaryDims {
			var b [4]byte
			binary.LittleEndian.PutUint32(b[:], uint32(int32(d)))
			if _, err := w.Write(b[:]); err != nil {
				return err
			}
		}
	}
	return nil
}

// encodeRow serializes one row's fields in dtype_descr order: textual
// fields as NFC-normalized, UTF-8, length-prefixed (little-endian uint32
// byte count) elements; numeric/boolean fields as their raw padded bytes.
func encodeRow(row Row, fields []core.FieldDescr) ([]byte, error) {
	var out []byte
	for _, fd := range fields {
		fv, ok := row[fd.Name]
		if !ok {
			return nil, fmt.Errorf("row missing field %q", fd.Name)
		}
		if fd.Base == core.DtypeText {
			for _, s := range fv.Text {
				nfc := norm.NFC.String(s)
				var lenBuf [4]byte
				binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(nfc)))
				out = append(out, lenBuf[:]...)
				out = append(out, []byte(nfc)...)
			}
			continue
		}
		out = append(out, fv.Raw...)
	}
	return out, nil
}
