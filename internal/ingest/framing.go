package ingest

import (
	"encoding/json"
	"fmt"

	"jagstore/internal/hashing"
)

// stagingMagic + stagingVersion is a 5-byte self-describing header on every
// staged payload, so a reader opening the staging database directly
// (outside a Coordinator) can at least recognize the frame before
// attempting to decode it.
var stagingMagic = [4]byte{'J', 'S', 'T', 'G'}

const stagingVersion = 1

type framedPayload struct {
	SubsetKeys map[string]any    `json:"subsetKeys"`
	Rows       []framedRow       `json:"rows"`
	IsGroup    bool              `json:"isGroup"`
}

type framedRow struct {
	Fields     hashing.Row       `json:"fields"`
	JaggedMeta map[string][]byte `json:"jaggedMeta,omitempty"`
}

// encodeFramedRows serializes a subset's buffered rows as the framed blob
// StagingQueue persists: 5-byte magic+version, then a JSON-encoded tuple of
// (subset_keys, field_data, is_group_flag).
func encodeFramedRows(rows []Row, subsetKeys map[string]any) ([]byte, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("encodeFramedRows: no rows")
	}
	payload := framedPayload{
		SubsetKeys: subsetKeys,
		IsGroup:    len(rows) > 1,
	}
	for _, r := range rows {
		payload.Rows = append(payload.Rows, framedRow{Fields: r.Fields, JaggedMeta: r.JaggedMeta})
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, 5+len(body))
	out = append(out, stagingMagic[:]...)
	out = append(out, stagingVersion)
	out = append(out, body...)
	return out, nil
}

// decodeFramedRows reverses encodeFramedRows, also returning the subset key
// snapshot carried in the frame; DrainSubset passes that snapshot on as the
// sealed part's subset keys.
func decodeFramedRows(raw []byte) ([]Row, map[string]any, error) {
	if len(raw) < 5 {
		return nil, nil, fmt.Errorf("decodeFramedRows: frame too short")
	}
	var magic [4]byte
	copy(magic[:], raw[:4])
	if magic != stagingMagic {
		return nil, nil, fmt.Errorf("decodeFramedRows: bad magic")
	}
	version := raw[4]
	if version != stagingVersion {
		return nil, nil, fmt.Errorf("decodeFramedRows: unsupported version %d", version)
	}

	var payload framedPayload
	if err := json.Unmarshal(raw[5:], &payload); err != nil {
		return nil, nil, err
	}

	rows := make([]Row, 0, len(payload.Rows))
	for _, fr := range payload.Rows {
		rows = append(rows, Row{Fields: fr.Fields, JaggedMeta: fr.JaggedMeta})
	}
	return rows, payload.SubsetKeys, nil
}
