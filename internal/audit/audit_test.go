package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relaypath/pipeflow/internal/config"
)

func TestDisabledAuditIsNoOp(t *testing.T) {
	trail, err := New(config.Audit{Enabled: false})
	require.NoError(t, err)
	require.Nil(t, trail)
	trail.Record("reload", "pipe", nil) // must not panic on nil receiver
	require.NoError(t, trail.Close())
}

func TestRecordWritesJSONLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	trail, err := New(config.Audit{Enabled: true, Path: path, MaxSizeMB: 10, MaxBackups: 1, MaxAgeDays: 1})
	require.NoError(t, err)
	require.NotNil(t, trail)

	trail.Record("reload", "pipe", map[string]string{"new_hash": "abc"})
	require.NoError(t, trail.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	scanner := bufio.NewScanner(f)
	require.True(t, scanner.Scan())

	var entry Entry
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &entry))
	require.Equal(t, "reload", entry.Kind)
	require.Equal(t, "pipe", entry.Name)
	require.Equal(t, "abc", entry.Details["new_hash"])
}
