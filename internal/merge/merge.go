// Package merge implements MergeService: replaying a source catalog's
// unseen batches into a destination catalog, skipping duplicates by
// (subset_uuid, content_hash) and linking or copying part files instead of
// re-hashing row data.
package merge

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"

	"jagstore/internal/catalog"
	"jagstore/internal/core"
	"jagstore/internal/partstore"
)

// CopyMode selects how a part file is transferred from src to dst.
type CopyMode string

const (
	CopyModeHardlink CopyMode = "hardlink"
	CopyModeReflink  CopyMode = "reflink"
	CopyModeCopy     CopyMode = "copy"
)

// Invariants are the fields that must match byte-for-byte between a source
// and destination dataset for a plain merge to proceed.
type Invariants struct {
	SchemaFingerprint string
	SchemeVersion     int
	Quantization      map[string]float64
	EncryptionMode    string
}

// Request configures one merge run.
type Request struct {
	SrcRoot             string
	SrcCatalog          *catalog.Catalog
	SrcInvariants       Invariants
	SrcProducerID       string
	SrcKeyOrder         []string
	SrcKeySchema        map[string]core.LogicalType

	DstRoot             string
	DstCatalog          *catalog.Catalog
	DstInvariants       Invariants
	DstStore            *partstore.Store
	DstAlias            string
	DstScheme           core.StorageScheme

	CopyMode            CopyMode
	VerifyHash          bool
	AllowSchemaMismatch bool
	DryRun              bool
}

// Plan is what Run would do (or did, for DryRun=false a post-hoc record of
// what happened).
type Plan struct {
	Forked        bool
	ForkedRoot    string
	BatchesMerged []string
	PartsCopied   int
	PartsSkipped  int
}

// Run compares invariants, diffs unmerged batches, and replays each batch's
// parts into the destination, recording the merge log entry once every part
// of the batch is in. Each part is published in its own destination
// transaction (see replayBatch); a batch is not applied as one transaction.
// Re-running a completed merge inserts zero rows — a batch whose
// (producer_id, bid) the destination's merge_log already records is
// skipped, and (subset_uuid, content_hash) dedup on Catalog covers any part
// a partial prior run already copied.
//
// When invariants mismatch and AllowSchemaMismatch is set, the merge forks:
// it replays into a brand new dataset (its own root directory and catalog,
// derived from DstRoot) instead of the original destination, which is left
// byte-for-byte untouched. Plan.ForkedRoot names where the fork landed.
func Run(ctx context.Context, req Request) (Plan, error) {
	var plan Plan

	mismatch := compareInvariants(req.SrcInvariants, req.DstInvariants)
	if mismatch != "" && !req.AllowSchemaMismatch {
		return plan, &core.MergeInvariantViolatedError{
			Invariant: mismatch,
			Src:       req.SrcInvariants.SchemaFingerprint,
			Dst:       req.DstInvariants.SchemaFingerprint,
		}
	}
	plan.Forked = mismatch != "" && req.AllowSchemaMismatch

	unmerged, err := req.SrcCatalog.UnmergedBatches(ctx, req.SrcProducerID)
	if err != nil {
		return plan, err
	}

	dstRoot, dstCat, dstStore := req.DstRoot, req.DstCatalog, req.DstStore
	if plan.Forked && !req.DryRun && len(unmerged) > 0 {
		forkedRoot, forkedCat, forkedStore, err := openForkedDestination(ctx, req)
		if err != nil {
			return plan, err
		}
		defer func() { _ = forkedCat.Close() }()
		dstRoot, dstCat, dstStore = forkedRoot, forkedCat, forkedStore
		plan.ForkedRoot = forkedRoot
	}

	for _, batch := range unmerged {
		var applied int
		if err := dstCat.DB().QueryRowContext(ctx,
			`SELECT COUNT(*) FROM merge_log WHERE producer_id = ? AND bid = ?`,
			req.SrcProducerID, batch.BID).Scan(&applied); err != nil {
			return plan, err
		}
		if applied > 0 {
			continue
		}

		if req.DryRun {
			plan.BatchesMerged = append(plan.BatchesMerged, batch.BID)
			continue
		}

		copied, skipped, err := replayBatch(ctx, req, dstCat, dstRoot, dstStore, batch)
		if err != nil {
			return plan, fmt.Errorf("replay batch %s: %w", batch.BID, err)
		}
		plan.PartsCopied += copied
		plan.PartsSkipped += skipped

		if err := dstCat.RecordMerge(ctx, req.SrcProducerID, batch.BID, time.Now().UnixMicro()); err != nil {
			return plan, err
		}
		plan.BatchesMerged = append(plan.BatchesMerged, batch.BID)
	}

	return plan, nil
}

// openForkedDestination creates a sibling dataset rooted next to DstRoot,
// named after it and the source's schema fingerprint, with its own catalog
// and key columns, so a schema-mismatched merge never mutates the original
// destination.
func openForkedDestination(ctx context.Context, req Request) (root string, cat *catalog.Catalog, store *partstore.Store, err error) {
	suffix := sanitizeForPath(req.SrcInvariants.SchemaFingerprint)
	if suffix == "" {
		suffix = uuid.New().String()
	}
	root = fmt.Sprintf("%s-fork-%s", req.DstRoot, suffix)

	if err = os.MkdirAll(root, 0o755); err != nil {
		return "", nil, nil, &core.IOFaultError{Op: "mkdir", Path: root, Cause: err}
	}

	cat, err = catalog.Open(filepath.Join(root, "catalog.db"), false, false)
	if err != nil {
		return "", nil, nil, err
	}
	if err = cat.Migrate(ctx); err != nil {
		_ = cat.Close()
		return "", nil, nil, err
	}
	if err = cat.EnsureKeyColumns(ctx, req.SrcKeyOrder, req.SrcKeySchema); err != nil {
		_ = cat.Close()
		return "", nil, nil, err
	}

	alias := req.DstAlias
	if alias == "" {
		alias = "dataset"
	}
	ds := core.Dataset{UUID: uuid.New().String(), Alias: alias + "-fork-" + suffix, Root: root, Scheme: req.DstScheme}
	if err = cat.EnsureDataset(ctx, ds, "{}", "{}"); err != nil {
		_ = cat.Close()
		return "", nil, nil, err
	}

	store = partstore.New(root, req.DstScheme)
	return root, cat, store, nil
}

func sanitizeForPath(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-' || r == '_':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}

func compareInvariants(src, dst Invariants) string {
	switch {
	case src.SchemaFingerprint != dst.SchemaFingerprint:
		return "schema_fingerprint"
	case src.SchemeVersion != dst.SchemeVersion:
		return "storage_scheme_version"
	case src.EncryptionMode != dst.EncryptionMode:
		return "encryption_policy"
	case !quantizationEqual(src.Quantization, dst.Quantization):
		return "quantization"
	default:
		return ""
	}
}

func quantizationEqual(a, b map[string]float64) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if bv, ok := b[k]; !ok || bv != v {
			return false
		}
	}
	return true
}

// replayBatch copies every part named by one source batch into dstCat/
// dstRoot/dstStore (the original destination, or a forked one if Run opened
// one), inside one destination Catalog transaction's worth of per-part
// PublishPart calls (Catalog itself provides the immediate-transaction +
// retry discipline per call; batch atomicity here means "all parts succeed
// or the batch is retried wholesale on the next merge pass", not a single
// multi-statement transaction spanning every part).
func replayBatch(ctx context.Context, req Request, dstCat *catalog.Catalog, dstRoot string, dstStore *partstore.Store, batch core.Batch) (copied int, skipped int, err error) {
	for _, partUUID := range batch.PartUUIDs {
		part, err := req.SrcCatalog.PartByUUID(ctx, partUUID)
		if err != nil {
			return copied, skipped, err
		}

		identity, err := req.SrcCatalog.GetSubsetIdentity(ctx, part.SubsetUUID, req.SrcKeyOrder, req.SrcKeySchema)
		if err != nil {
			return copied, skipped, err
		}
		if _, err := dstCat.GetOrCreateSubset(ctx, part.SubsetUUID, req.SrcKeyOrder, req.SrcKeySchema, identity); err != nil {
			return copied, skipped, err
		}

		srcAbs := filepath.Join(req.SrcRoot, part.FileRelPath)
		dstRelPath, err := dstStore.RelPath(part.SubsetUUID, uuid.New().String())
		if err != nil {
			return copied, skipped, err
		}
		dstAbs := filepath.Join(dstRoot, dstRelPath)

		if err := os.MkdirAll(filepath.Dir(dstAbs), 0o755); err != nil {
			return copied, skipped, &core.IOFaultError{Op: "mkdir", Path: filepath.Dir(dstAbs), Cause: err}
		}
		if err := transferFile(srcAbs, dstAbs, req.CopyMode); err != nil {
			return copied, skipped, err
		}

		if req.VerifyHash {
			if err := verifyCopyIntegrity(srcAbs, dstAbs, part.PartUUID); err != nil {
				_ = os.Remove(dstAbs)
				return copied, skipped, err
			}
		}

		part.FileRelPath = dstRelPath
		result, err := dstCat.PublishPart(ctx, part)
		if err != nil {
			return copied, skipped, err
		}
		if result.AlreadyPresent {
			_ = os.Remove(dstAbs)
			skipped++
			continue
		}
		copied++
	}
	return copied, skipped, nil
}

func transferFile(src, dst string, mode CopyMode) error {
	switch mode {
	case CopyModeHardlink, CopyModeReflink:
		// reflink has no portable syscall in the standard library; fall back
		// to a hardlink, which is at least as cheap on the same filesystem
		// and preserves the "no duplicate bytes" property reflink promises.
		if err := os.Link(src, dst); err != nil {
			return copyBytes(src, dst)
		}
		return nil
	default:
		return copyBytes(src, dst)
	}
}

func copyBytes(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return &core.IOFaultError{Op: "open-src", Path: src, Cause: err}
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return &core.IOFaultError{Op: "open-dst", Path: dst, Cause: err}
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return &core.IOFaultError{Op: "copy", Path: dst, Cause: err}
	}
	return out.Sync()
}

// verifyCopyIntegrity recomputes a payload digest from both the source and
// the just-transferred destination file and compares them, catching any
// corruption introduced by the copy itself. It does not re-derive
// ContentHasher's schema-aware digest (that requires the original Row
// structures, which MergeService never reconstructs) — it only proves the
// bytes moved intact, which is what "verify_hash" protects against here.
func verifyCopyIntegrity(srcPath, dstPath, partUUID string) error {
	srcSum, err := payloadDigest(srcPath)
	if err != nil {
		return err
	}
	dstSum, err := payloadDigest(dstPath)
	if err != nil {
		return err
	}
	if srcSum != dstSum {
		return &core.ContentHashMismatchError{PartUUID: partUUID, Expected: srcSum, Actual: dstSum}
	}
	return nil
}

func payloadDigest(path string) (string, error) {
	payload, err := partstore.ReadPayload(path)
	if err != nil {
		return "", err
	}
	h, err := blake2b.New(16, nil)
	if err != nil {
		return "", err
	}
	h.Write(payload)
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}
