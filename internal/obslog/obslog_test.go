package obslog_test

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"jagstore/internal/obslog"
)

func TestWithComponentTagsComponentField(t *testing.T) {
	var buf bytes.Buffer
	obslog.Init(obslog.Config{Level: obslog.InfoLevel, JSONOutput: true, Output: &buf})

	obslog.WithComponent(obslog.ComponentIngest).Info().Msg("sealed part")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "ingest", line["component"])
	require.Equal(t, "sealed part", line["message"])
}

func TestAuditRedactsKeyMaterial(t *testing.T) {
	var buf bytes.Buffer
	obslog.Init(obslog.Config{Level: obslog.InfoLevel, JSONOutput: true, AuditEnabled: true, AuditOutput: &buf})

	obslog.Audit("part_sealed", map[string]any{
		"part_uuid": "abc",
		"nonce":     []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12},
		"tag":       []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
	})

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "abc", line["part_uuid"])
	require.EqualValues(t, 12, line["nonce_len"])
	require.EqualValues(t, 16, line["tag_len"])
	require.NotContains(t, buf.String(), string([]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}))
}

func TestAuditIsNoopWhenDisabled(t *testing.T) {
	var buf bytes.Buffer
	obslog.Init(obslog.Config{Level: obslog.InfoLevel, JSONOutput: true, AuditOutput: &buf})

	obslog.Audit("part_sealed", map[string]any{"part_uuid": "abc"})

	require.Empty(t, buf.String())
}
