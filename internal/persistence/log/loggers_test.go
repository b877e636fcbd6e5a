package log

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voxelrtp/internal/rtp"
)

func readJSONL(t *testing.T, path string) []rtp.Record {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	dec, err := zstd.NewReader(f)
	require.NoError(t, err)
	defer dec.Close()

	var out []rtp.Record
	sc := bufio.NewScanner(dec)
	for sc.Scan() {
		var r rtp.Record
		require.NoError(t, json.Unmarshal(sc.Bytes(), &r))
		out = append(out, r)
	}
	require.NoError(t, sc.Err())
	return out
}

func TestOutcomeLogger_WritesCompressedJSONL(t *testing.T) {
	dir := t.TempDir()
	l := NewOutcomeLogger(dir)
	pos := [3]int{10, 64, -20}
	require.NoError(t, l.RecordOutcome(rtp.Record{ActorID: "a1", WorldID: "OVERWORLD", Outcome: "SUCCESS", Attempts: 3, Pos: &pos}))
	require.NoError(t, l.RecordOutcome(rtp.Record{ActorID: "a2", WorldID: "OVERWORLD", Outcome: "NOT_FOUND", Attempts: 50}))
	require.NoError(t, l.Close())

	files, err := filepath.Glob(filepath.Join(dir, "audit", "rtp-*.jsonl.zst"))
	require.NoError(t, err)
	require.Len(t, files, 1)

	recs := readJSONL(t, files[0])
	require.Len(t, recs, 2)
	assert.Equal(t, "a1", recs[0].ActorID)
	require.NotNil(t, recs[0].Pos)
	assert.Equal(t, pos, *recs[0].Pos)
	assert.Equal(t, "NOT_FOUND", recs[1].Outcome)
	assert.Nil(t, recs[1].Pos)
}

func TestJSONLZstdWriter_RotatesHourly(t *testing.T) {
	dir := t.TempDir()
	w := NewJSONLZstdWriter(dir, "rtp")
	cur := time.Date(2026, 3, 1, 10, 59, 0, 0, time.UTC)
	w.now = func() time.Time { return cur }

	require.NoError(t, w.Write(rtp.Record{ActorID: "a"}))
	cur = cur.Add(2 * time.Minute)
	require.NoError(t, w.Write(rtp.Record{ActorID: "b"}))
	require.NoError(t, w.Close())

	first := readJSONL(t, filepath.Join(dir, "rtp-2026-03-01-10.jsonl.zst"))
	second := readJSONL(t, filepath.Join(dir, "rtp-2026-03-01-11.jsonl.zst"))
	require.Len(t, first, 1)
	require.Len(t, second, 1)
	assert.Equal(t, "b", second[0].ActorID)
}
