package catalog

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/gridcapture/internal/dataset"
	"github.com/banshee-data/gridcapture/internal/geom"
)

func openTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := Open(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestOpen_MigratesToLatest(t *testing.T) {
	c := openTestCatalog(t)

	version, dirty, err := c.SchemaVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)
	assert.False(t, dirty)

	// Reopening an up-to-date database is a no-op.
	require.NoError(t, c.MigrateUp())
}

func TestMigrateDown(t *testing.T) {
	c := openTestCatalog(t)

	require.NoError(t, c.MigrateDown())
	version, _, err := c.SchemaVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)

	_, err = c.DB().Exec(`SELECT COUNT(*) FROM capture_artifacts`)
	assert.Error(t, err, "artifacts table dropped")

	require.NoError(t, c.MigrateUp())
	_, err = c.DB().Exec(`SELECT COUNT(*) FROM capture_artifacts`)
	assert.NoError(t, err)
}

func TestRunLifecycle(t *testing.T) {
	c := openTestCatalog(t)
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	id, err := c.StartRun(Run{RunDir: "output/Grid", Scene: "flat", Started: started})
	require.NoError(t, err)
	assert.Len(t, id, 36)

	require.NoError(t, c.SetPlan(id, 9, 2))

	pose := geom.NewPose(geom.Vec3{X: 1, Z: 2}, 90)
	for _, a := range []dataset.Artifact{
		{Kind: "scan", File: dataset.ScanLogName, CellIndex: 0, Robot: pose},
		{Kind: "rgb", File: "0_0_rgb.png", CellIndex: 0, Room: "Kitchen", Robot: pose},
		{Kind: "depth", File: "0_0_depth.png", CellIndex: 0, Room: "Kitchen", Robot: pose},
		{Kind: "rgb", File: "1_0_rgb.png", CellIndex: 1, Room: "LivingRoom", Robot: pose},
	} {
		require.NoError(t, c.AddArtifact(id, a, started.Add(time.Second)))
	}

	finished := started.Add(time.Minute)
	require.NoError(t, c.FinishRun(id, "completed", nil, finished))

	got, err := c.Run(id)
	require.NoError(t, err)
	want := Run{
		ID:       id,
		RunDir:   "output/Grid",
		Scene:    "flat",
		PlanLen:  9,
		Rejected: 2,
		Started:  started,
		Finished: finished,
		Outcome:  "completed",
	}
	if diff := cmp.Diff(want, got, cmp.Comparer(func(a, b time.Time) bool { return a.Equal(b) })); diff != "" {
		t.Errorf("run mismatch (-want +got):\n%s", diff)
	}

	counts, err := c.ArtifactCounts(id)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"scan": 1, "rgb": 2, "depth": 1}, counts)

	rooms, err := c.Rooms(id)
	require.NoError(t, err)
	assert.Equal(t, []string{"Kitchen", "LivingRoom"}, rooms)
}

func TestFinishRun_RecordsError(t *testing.T) {
	c := openTestCatalog(t)
	id, err := c.StartRun(Run{ID: "run-1", RunDir: "Grid"})
	require.NoError(t, err)
	assert.Equal(t, "run-1", id)

	require.NoError(t, c.FinishRun(id, "failed", errors.New("disk full"), time.Now()))
	got, err := c.Run(id)
	require.NoError(t, err)
	assert.Equal(t, "failed", got.Outcome)
	assert.Equal(t, "disk full", got.Error)
}

func TestUnknownRun(t *testing.T) {
	c := openTestCatalog(t)

	_, err := c.Run("missing")
	assert.ErrorIs(t, err, ErrRunNotFound)
	assert.ErrorIs(t, c.FinishRun("missing", "completed", nil, time.Now()), ErrRunNotFound)
	assert.ErrorIs(t, c.SetPlan("missing", 1, 0), ErrRunNotFound)
	assert.Error(t, c.AddArtifact("missing", dataset.Artifact{Kind: "rgb", File: "x.png"}, time.Now()),
		"foreign key rejects orphan artifacts")
}

func TestRuns_NewestFirst(t *testing.T) {
	c := openTestCatalog(t)
	base := time.Unix(1000, 0)
	for i, id := range []string{"a", "b", "c"} {
		_, err := c.StartRun(Run{ID: id, RunDir: id, Started: base.Add(time.Duration(i) * time.Second)})
		require.NoError(t, err)
	}

	runs, err := c.Runs(2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "c", runs[0].ID)
	assert.Equal(t, "b", runs[1].ID)
	assert.True(t, runs[0].Finished.IsZero())
}
