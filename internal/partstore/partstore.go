// Package partstore implements PartFileStore: the I/O adapter that writes
// one immutable, content-addressed part file per seal and guarantees an
// atomic publish contract — tmp write, fsync, rename, fsync(dir). It makes
// no catalog writes; the caller commits the catalog row in the same
// logical operation, using the (part_uuid, file_relpath) this package
// returns.
//
// The actual columnar (HDF5-like) encoding of row data is an external
// collaborator — this package treats the payload handed to it as an
// opaque, already-serialized byte string (the caller has already run it
// through ContentHasher) and wraps it in a small self-describing envelope
// carrying embedded attributes so the part is readable without the
// catalog.
package partstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"jagstore/internal/core"
	"jagstore/internal/obslog"
)

// envelopeMagic identifies a jagstore part file; a version byte follows it
// so the reader can evolve the envelope without breaking content_hash
// (content_hash is computed over payload, never over the envelope bytes).
var envelopeMagic = [4]byte{'J', 'P', 'R', 'T'}

const envelopeVersion = 1

// Attributes are the embedded, catalog-independent part metadata a part
// file carries so it is self-describing without the catalog.
type Attributes struct {
	PartUUID        string `json:"partUuid"`
	SubsetUUID      string `json:"subsetUuid"`
	DatasetUUID     string `json:"datasetUuid"`
	CreatedAtEpochUS int64  `json:"createdAtEpochUs"`
	NRows           int64  `json:"nRows"`
	SchemeVersion   int    `json:"schemeVersion"`
	ContentHash     string `json:"contentHash"`
	SubsetKeysJSON  []byte `json:"subsetKeysJson"`
	Compression     string `json:"compression,omitempty"`
}

// PublishInput is everything PartFileStore needs to seal one part.
type PublishInput struct {
	DatasetUUID    string
	SubsetUUID     string
	ContentHash    string
	NRows          int64
	SubsetKeys     map[string]any
	Payload        []byte // already-serialized, already-hashed row+jagged bytes
	Compression    string // "", "zstd"
	StaleTmpHorizon time.Duration
}

// PublishResult is what the caller records in the catalog.
type PublishResult struct {
	PartUUID    string
	FileRelPath string
}

// Store writes part files under one dataset root according to a storage
// scheme.
type Store struct {
	root   string
	scheme core.StorageScheme
}

// New constructs a Store rooted at a dataset directory.
func New(root string, scheme core.StorageScheme) *Store {
	return &Store{root: root, scheme: scheme}
}

// RelPath computes a part's file_relpath under subsets/<subset>/parts/v<N>/…:
// unsharded when scheme.Depth == 0, else nested under Depth segments of
// Seglen hex characters taken from hash(subset ⧺ part).
func (s *Store) RelPath(subsetUUID, partUUID string) (string, error) {
	base := filepath.Join("subsets", subsetUUID, "parts", fmt.Sprintf("v%d", s.scheme.Version))
	if s.scheme.Depth == 0 {
		return filepath.Join(base, partUUID+".h5"), nil
	}

	sum := sha256.Sum256([]byte(subsetUUID + partUUID))
	hexSum := fmt.Sprintf("%x", sum)

	segs := make([]string, 0, s.scheme.Depth)
	for i := 0; i < s.scheme.Depth; i++ {
		start := i * s.scheme.Seglen
		end := start + s.scheme.Seglen
		if end > len(hexSum) {
			return "", fmt.Errorf("storage scheme depth*seglen exceeds available hash length")
		}
		segs = append(segs, hexSum[start:end])
	}
	return filepath.Join(append([]string{base}, append(segs, partUUID+".h5")...)...), nil
}

// Publish writes the envelope atomically: tmp write under the destination
// directory, fsync the file, rename into place, fsync the containing
// directory. On any failure after tmp
// creation the tmp file is removed before the error surfaces.
func (s *Store) Publish(ctx context.Context, in PublishInput) (PublishResult, error) {
	partUUID := uuid.New().String()
	relPath, err := s.RelPath(in.SubsetUUID, partUUID)
	if err != nil {
		return PublishResult{}, err
	}

	absFinal := filepath.Join(s.root, relPath)
	dir := filepath.Dir(absFinal)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return PublishResult{}, auditIOFault("mkdir", dir, err)
	}

	horizon := in.StaleTmpHorizon
	if horizon <= 0 {
		horizon = 24 * time.Hour
	}
	sweepStaleTmp(dir, horizon)

	payload := in.Payload
	if in.Compression == "zstd" {
		var err error
		payload, err = compressZstd(payload)
		if err != nil {
			return PublishResult{}, auditIOFault("zstd-compress", absFinal, err)
		}
	}

	subsetKeysJSON, err := json.Marshal(in.SubsetKeys)
	if err != nil {
		return PublishResult{}, fmt.Errorf("marshal subset keys: %w", err)
	}

	attrs := Attributes{
		PartUUID:         partUUID,
		SubsetUUID:       in.SubsetUUID,
		DatasetUUID:      in.DatasetUUID,
		CreatedAtEpochUS: time.Now().UnixMicro(),
		NRows:            in.NRows,
		SchemeVersion:    s.scheme.Version,
		ContentHash:      in.ContentHash,
		SubsetKeysJSON:   subsetKeysJSON,
		Compression:      in.Compression,
	}

	tmpPath := absFinal + ".tmp"
	if err := writeEnvelope(tmpPath, attrs, payload); err != nil {
		_ = os.Remove(tmpPath)
		return PublishResult{}, auditIOFault("write-tmp", tmpPath, err)
	}

	if err := os.Rename(tmpPath, absFinal); err != nil {
		_ = os.Remove(tmpPath)
		return PublishResult{}, auditIOFault("rename", absFinal, err)
	}

	if err := fsyncDir(dir); err != nil {
		// The file is already renamed into place; a failed directory
		// fsync is surfaced but does not roll back the rename — the next
		// fsck_dataset pass will find a live, correctly named file.
		return PublishResult{PartUUID: partUUID, FileRelPath: relPath}, auditIOFault("fsync-dir", dir, err)
	}

	return PublishResult{PartUUID: partUUID, FileRelPath: relPath}, nil
}

// writeEnvelope writes magic+version, a length-prefixed JSON attributes
// header, and the (possibly compressed) payload, fsyncing the file
// descriptor before returning.
func writeEnvelope(path string, attrs Attributes, payload []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	header, err := json.Marshal(attrs)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	buf.Write(envelopeMagic[:])
	buf.WriteByte(envelopeVersion)
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(header)))
	buf.Write(lenBuf[:])
	buf.Write(header)
	buf.Write(payload)

	if _, err := f.Write(buf.Bytes()); err != nil {
		return err
	}
	return f.Sync()
}

// ReadAttributes reads back a sealed part file's embedded attributes
// without touching the catalog.
func ReadAttributes(path string) (Attributes, error) {
	f, err := os.Open(path)
	if err != nil {
		return Attributes{}, err
	}
	defer f.Close()

	var magic [4]byte
	if _, err := io.ReadFull(f, magic[:]); err != nil {
		return Attributes{}, err
	}
	if magic != envelopeMagic {
		return Attributes{}, fmt.Errorf("not a jagstore part file: bad magic")
	}
	var version [1]byte
	if _, err := io.ReadFull(f, version[:]); err != nil {
		return Attributes{}, err
	}
	var lenBuf [4]byte
	if _, err := io.ReadFull(f, lenBuf[:]); err != nil {
		return Attributes{}, err
	}
	headerLen := binary.LittleEndian.Uint32(lenBuf[:])
	header := make([]byte, headerLen)
	if _, err := io.ReadFull(f, header); err != nil {
		return Attributes{}, err
	}

	var attrs Attributes
	if err := json.Unmarshal(header, &attrs); err != nil {
		return Attributes{}, err
	}
	return attrs, nil
}

// ReadPayload reads back a sealed part file's payload bytes (decompressed
// if the embedded attributes say so), for ContentHasher's read-back path.
func ReadPayload(path string) ([]byte, error) {
	attrs, err := ReadAttributes(path)
	if err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	headerLen := binary.LittleEndian.Uint32(raw[5:9])
	offset := 9 + int(headerLen)
	payload := raw[offset:]

	if attrs.Compression == "zstd" {
		return decompressZstd(payload)
	}
	return payload, nil
}

func compressZstd(in []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	defer enc.Close()
	return enc.EncodeAll(in, nil), nil
}

func decompressZstd(in []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	return dec.DecodeAll(in, nil)
}

// auditIOFault records an I/O fault to the audit log (a no-op unless audit
// logging is enabled) and returns the corresponding IOFaultError so callers
// can return it directly.
func auditIOFault(op, path string, cause error) error {
	obslog.Audit("io_fault", map[string]any{"op": op, "path": path, "error": cause.Error()})
	return &core.IOFaultError{Op: op, Path: path, Cause: cause}
}

func fsyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

// sweepStaleTmp removes *.tmp files in dir older than horizon on the next
// publish into the same directory. Sweep failures are not fatal to the
// publish in progress; fsck_dataset covers anything this pass misses.
func sweepStaleTmp(dir string, horizon time.Duration) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-horizon)
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".tmp" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			_ = os.Remove(filepath.Join(dir, e.Name()))
		}
	}
}

// Sweep exposes the stale-.tmp sweep as a standalone operation so
// fsck_dataset can invoke it without a live publish in flight.
func Sweep(root string, horizon time.Duration) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if filepath.Ext(path) != ".tmp" {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().Before(time.Now().Add(-horizon)) {
			_ = os.Remove(path)
		}
		return nil
	})
}
