// Package ingest implements IngestCoordinator: normalize → buffer →
// (spill to staging on pressure or on request) → claim prefix → seal →
// publish → record. A Coordinator is keyed by one (dataset_uuid,
// subset_uuid) space; callers route rows to the right process with
// WriterShard before ever calling Add, so no two writers ever seal the
// same subset concurrently without the subset lease serializing them
// anyway.
package ingest

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"jagstore/internal/catalog"
	"jagstore/internal/core"
	"jagstore/internal/hashing"
	"jagstore/internal/keynorm"
	"jagstore/internal/lease"
	"jagstore/internal/partstore"
	"jagstore/internal/schema"
	"jagstore/internal/staging"
)

// Row is one accepted record: key values for identity plus field values
// already canonicalized and jagged-padded by the caller (that padding is
// SchemaRegistry's job, driven by the dataset's locked dtype).
type Row struct {
	Keys       map[string]keynorm.Value
	Fields     hashing.Row
	JaggedMeta map[string][]byte // per jagged field, this row's contribution is folded at seal time
}

// Config fixes one Coordinator's dataset-level policy.
type Config struct {
	DatasetUUID  string
	KeyOrder     []string
	KeySchema    map[string]core.LogicalType
	Quantization map[string]float64
	PartRows     int
	ChunkBytes   int
	ProducerID   string
	Compression  string
}

// Coordinator buffers rows per subset and seals them into parts.
type Coordinator struct {
	cfg     Config
	cat     *catalog.Catalog
	store   *partstore.Store
	reg     *schema.Registry
	leases  *lease.Manager
	staging *staging.Queue // nil disables crash-safe spill

	mu      sync.Mutex
	buffers map[string]*subsetBuffer
}

type subsetBuffer struct {
	rows       []Row
	nRows      int
	bytes      int
	subsetKeys map[string]any
}

// New constructs a Coordinator. staging may be nil to disable crash-safe
// spill (every row stays purely in memory until sealed).
func New(cfg Config, cat *catalog.Catalog, store *partstore.Store, reg *schema.Registry, leases *lease.Manager, stagingQueue *staging.Queue) *Coordinator {
	return &Coordinator{
		cfg:     cfg,
		cat:     cat,
		store:   store,
		reg:     reg,
		leases:  leases,
		staging: stagingQueue,
		buffers: make(map[string]*subsetBuffer),
	}
}

// WriterShard computes hash(subset_uuid) mod n locally from the identity
// tuple, with no catalog lookup — the routing rule multiple worker
// processes use to split one dataset's subsets between them.
func WriterShard(subsetUUID string, n int) int {
	if n <= 0 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(subsetUUID))
	return int(h.Sum32() % uint32(n))
}

// Add normalizes keys, ensures the subset row exists, and buffers the row.
// Once the buffer crosses part_rows or chunk_mb it is sealed (direct mode)
// or spilled to the staging queue (crash-safe mode, when configured).
func (c *Coordinator) Add(ctx context.Context, row Row) error {
	result, err := keynorm.Normalize(c.cfg.KeySchema, c.cfg.KeyOrder, c.cfg.Quantization, row.Keys)
	if err != nil {
		return err
	}
	subsetUUID := result.SubsetUUID.String()

	identity := make(map[string]keynorm.IdentityItem, len(c.cfg.KeyOrder))
	rawKeys := make(map[string]any, len(c.cfg.KeyOrder))
	for i, key := range c.cfg.KeyOrder {
		identity[key] = result.IdentityTuple[i]
		rawKeys[key] = rawKeyValue(row.Keys[key])
	}

	if _, err := c.cat.GetOrCreateSubset(ctx, subsetUUID, c.cfg.KeyOrder, c.cfg.KeySchema, identity); err != nil {
		return err
	}

	rowBytes, err := hashing.EncodeRows([]hashing.Row{row.Fields}, c.reg.Document().DtypeDescr)
	if err != nil {
		return fmt.Errorf("encode row for subset %s: %w", subsetUUID, err)
	}

	c.mu.Lock()
	buf, ok := c.buffers[subsetUUID]
	if !ok {
		buf = &subsetBuffer{subsetKeys: rawKeys}
		c.buffers[subsetUUID] = buf
	}
	buf.rows = append(buf.rows, row)
	buf.nRows++
	buf.bytes += len(rowBytes)
	ready := buf.nRows >= c.cfg.PartRows || (c.cfg.ChunkBytes > 0 && buf.bytes >= c.cfg.ChunkBytes)
	c.mu.Unlock()

	if !ready {
		return nil
	}

	if c.staging != nil {
		return c.spillToStaging(ctx, subsetUUID)
	}
	return c.SealSubset(ctx, subsetUUID)
}

func rawKeyValue(v keynorm.Value) any {
	switch v.Kind {
	case core.LogicalReal:
		return v.Real
	case core.LogicalInteger:
		return v.Integer
	case core.LogicalText:
		return v.Text
	case core.LogicalBoolean:
		return v.Boolean
	default:
		return nil
	}
}

// spillToStaging durably enqueues the subset's buffered rows and clears the
// in-memory buffer; a later DrainSubset call claims and seals them. This is
// the crash-safe path: rows survive a crash between buffering and seal.
func (c *Coordinator) spillToStaging(ctx context.Context, subsetUUID string) error {
	c.mu.Lock()
	buf := c.buffers[subsetUUID]
	delete(c.buffers, subsetUUID)
	c.mu.Unlock()
	if buf == nil || len(buf.rows) == 0 {
		return nil
	}

	payload, err := encodeFramedRows(buf.rows, buf.subsetKeys)
	if err != nil {
		return err
	}
	return c.staging.Enqueue(ctx, subsetUUID, int64(buf.nRows), payload)
}

// SealSubset seals whatever rows are currently buffered in memory for
// subsetUUID into one part: acquire the subset lease, hash, publish, and
// record, in that order.
func (c *Coordinator) SealSubset(ctx context.Context, subsetUUID string) error {
	c.mu.Lock()
	buf := c.buffers[subsetUUID]
	delete(c.buffers, subsetUUID)
	c.mu.Unlock()
	if buf == nil || len(buf.rows) == 0 {
		return nil
	}

	fields := make([]hashing.Row, len(buf.rows))
	for i, r := range buf.rows {
		fields[i] = r.Fields
	}
	return c.sealRows(ctx, subsetUUID, buf.subsetKeys, fields, mergeJaggedMeta(buf.rows))
}

func mergeJaggedMeta(rows []Row) map[string][]byte {
	out := make(map[string][]byte)
	for _, r := range rows {
		for field, b := range r.JaggedMeta {
			out[field] = append(out[field], b...)
		}
	}
	return out
}

func (c *Coordinator) sealRows(ctx context.Context, subsetUUID string, subsetKeys map[string]any, fields []hashing.Row, jaggedMeta map[string][]byte) error {
	doc := c.reg.Document()

	var sealErr error
	leaseErr := c.leases.WithSubset(subsetUUID, func() error {
		hasher := hashing.New(hashing.Signature{
			DtypeDescr:  doc.DtypeDescr,
			JaggedOrder: c.reg.JaggedFieldsInOrder(),
			Jagged:      doc.Jagged,
		})
		contentHash, err := hasher.HashRows(fields, jaggedMeta, 0)
		if err != nil {
			sealErr = err
			return err
		}

		payload, err := hashing.EncodeRows(fields, doc.DtypeDescr)
		if err != nil {
			sealErr = err
			return err
		}

		result, err := c.store.Publish(ctx, partstore.PublishInput{
			DatasetUUID: c.cfg.DatasetUUID,
			SubsetUUID:  subsetUUID,
			ContentHash: contentHash,
			NRows:       int64(len(fields)),
			SubsetKeys:  subsetKeys,
			Payload:     payload,
			Compression: c.cfg.Compression,
		})
		if err != nil {
			sealErr = err
			return err
		}

		part := core.Part{
			PartUUID:       result.PartUUID,
			SubsetUUID:     subsetUUID,
			NRows:          int64(len(fields)),
			SchemeVersion:  1,
			FileRelPath:    result.FileRelPath,
			ContentHash:    contentHash,
			ProducerID:     c.cfg.ProducerID,
			CreatedAtEpoch: time.Now().UnixMicro(),
		}

		fingerprint, err := c.reg.Fingerprint()
		if err != nil {
			sealErr = err
			return err
		}
		batch := core.Batch{
			BID:               uuid.New().String(),
			SchemaFingerprint: fingerprint,
			CreatedAtEpoch:    part.CreatedAtEpoch,
			ProducerID:        c.cfg.ProducerID,
			PartUUIDs:         []string{result.PartUUID},
		}
		part.BatchID = batch.BID

		published, err := c.cat.PublishPart(ctx, part)
		if err != nil {
			sealErr = err
			return err
		}
		if published.AlreadyPresent {
			return nil
		}

		prevHash, err := c.cat.LatestEntryHash(ctx)
		if err != nil {
			sealErr = err
			return err
		}
		batch.PrevHash = prevHash

		if _, err := c.cat.RecordBatch(ctx, batch, map[string]string{result.PartUUID: contentHash}, false, ""); err != nil {
			sealErr = err
			return err
		}
		return nil
	})

	if leaseErr != nil {
		return leaseErr
	}
	return sealErr
}

// DrainSubset claims one prefix of staged rows for subsetUUID and seals it,
// deleting the claimed staging rows only after the Catalog transaction that
// publishes the resulting part has committed.
func (c *Coordinator) DrainSubset(ctx context.Context, subsetUUID string) error {
	if c.staging == nil {
		return fmt.Errorf("drain requested but no staging queue configured")
	}
	token := uuid.New().String()
	claimed, err := c.staging.SelectAndClaimPrefix(ctx, subsetUUID, int64(c.cfg.PartRows), token)
	if err != nil {
		return err
	}
	if len(claimed) == 0 {
		return nil
	}

	var rows []Row
	subsetKeys := make(map[string]any)
	for _, claim := range claimed {
		decoded, keys, err := decodeFramedRows(claim.Payload)
		if err != nil {
			return fmt.Errorf("decode staged payload: %w", err)
		}
		rows = append(rows, decoded...)
		for k, v := range keys {
			subsetKeys[k] = v
		}
	}

	fields := make([]hashing.Row, len(rows))
	for i, r := range rows {
		fields[i] = r.Fields
	}
	if err := c.sealRows(ctx, subsetUUID, subsetKeys, fields, mergeJaggedMeta(rows)); err != nil {
		return err
	}
	return c.staging.DeleteClaimed(ctx, token)
}

// Shutdown drains every hot (has pending unclaimed staged rows) subset until
// none remain or timeBound elapses.
func (c *Coordinator) Shutdown(ctx context.Context, timeBound time.Duration) error {
	if c.staging == nil {
		return nil
	}
	deadline := time.Now().Add(timeBound)
	for time.Now().Before(deadline) {
		hot, err := c.staging.HotSubsets(ctx, 16)
		if err != nil {
			return err
		}
		if len(hot) == 0 {
			return nil
		}

		g, gctx := errgroup.WithContext(ctx)
		for _, h := range hot {
			h := h
			g.Go(func() error { return c.DrainSubset(gctx, h.SubsetUUID) })
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}
	return nil
}
