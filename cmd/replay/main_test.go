package main

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	persistlog "voxelrtp/internal/persistence/log"
	"voxelrtp/internal/rtp"
	"voxelrtp/internal/sim/catalogs"
	"voxelrtp/internal/sim/multiworld"
)

func TestVerifier_FlagsUnsafeRecords(t *testing.T) {
	cats, err := catalogs.Load("../../configs")
	require.NoError(t, err)
	cfg := multiworld.Config{
		DefaultWorldID: "FLAT",
		Worlds:         []multiworld.WorldSpec{{ID: "FLAT", Height: 32, SeaLevel: 10, BoundaryR: 64}},
	}

	dir := t.TempDir()
	l := persistlog.NewOutcomeLogger(dir)
	good := [3]int{5, 11, -5}
	bad := [3]int{5, 20, -5}
	require.NoError(t, l.RecordOutcome(rtp.Record{ActorID: "a", WorldID: "FLAT", Outcome: "SUCCESS", Pos: &good}))
	require.NoError(t, l.RecordOutcome(rtp.Record{ActorID: "b", WorldID: "FLAT", Outcome: "SUCCESS", Pos: &bad}))
	require.NoError(t, l.RecordOutcome(rtp.Record{ActorID: "c", WorldID: "GONE", Outcome: "SUCCESS", Pos: &good}))
	require.NoError(t, l.RecordOutcome(rtp.Record{ActorID: "d", WorldID: "FLAT", Outcome: "NOT_FOUND"}))
	require.NoError(t, l.Close())

	files, err := listAuditFiles(filepath.Join(dir, "audit"))
	require.NoError(t, err)
	require.NotEmpty(t, files)

	v := newVerifier(cfg, 1, cats)
	defer v.Close()
	var st stats
	for _, f := range files {
		require.NoError(t, v.checkFile(f, "", &st))
	}
	assert.Equal(t, 2, st.Checked)
	assert.Equal(t, 1, st.Skipped)
	require.Len(t, st.Mismatches, 1)
	assert.Contains(t, st.Mismatches[0], "actor=b")
}
