package processor

import (
	"errors"
	"testing"
	"time"

	"github.com/san-kum/dental-xray/server/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTask(id string, created time.Time) *models.AnalysisTask {
	return &models.AnalysisTask{
		TaskID:    id,
		Status:    models.StatusPending,
		CreatedAt: created,
	}
}

func setStatus(status models.TaskStatus) func(*models.AnalysisTask) {
	return func(t *models.AnalysisTask) { t.Status = status }
}

func TestRegistryLifecycle(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Create(newTask("a", time.Now())))
	assert.Error(t, r.Create(newTask("a", time.Now())))

	require.NoError(t, r.Update("a", setStatus(models.StatusRunning)))
	require.NoError(t, r.Update("a", func(t *models.AnalysisTask) { t.StageMessage = "working" }))
	require.NoError(t, r.Update("a", setStatus(models.StatusCompleted)))

	snap, err := r.Snapshot("a")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, snap.Status)
	assert.Equal(t, "working", snap.StageMessage)
	require.NotNil(t, snap.CompletedAt)

	assert.Error(t, r.Update("a", func(t *models.AnalysisTask) { t.StageMessage = "late" }))
	snap, _ = r.Snapshot("a")
	assert.Equal(t, "working", snap.StageMessage)
}

func TestRegistryRejectsBackwardTransitions(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Create(newTask("a", time.Now())))
	require.NoError(t, r.Update("a", setStatus(models.StatusRunning)))

	assert.Error(t, r.Update("a", setStatus(models.StatusPending)))
	snap, _ := r.Snapshot("a")
	assert.Equal(t, models.StatusRunning, snap.Status)
}

func TestRegistrySnapshotIsDetached(t *testing.T) {
	r := NewRegistry()
	task := newTask("a", time.Now())
	task.RequestedStages = []models.Stage{models.StageTeeth}
	require.NoError(t, r.Create(task))

	snap, err := r.Snapshot("a")
	require.NoError(t, err)
	snap.Status = models.StatusError
	snap.RequestedStages[0] = models.StageCysts

	again, _ := r.Snapshot("a")
	assert.Equal(t, models.StatusPending, again.Status)
	assert.Equal(t, models.StageTeeth, again.RequestedStages[0])
}

func TestRegistryNotFound(t *testing.T) {
	r := NewRegistry()
	_, err := r.Snapshot("missing")
	assert.True(t, errors.Is(err, models.ErrNotFound))
	assert.True(t, errors.Is(r.Update("missing", setStatus(models.StatusRunning)), models.ErrNotFound))
	assert.True(t, errors.Is(r.Evict("missing"), models.ErrNotFound))
}

func TestRegistryEvictOnlyTerminal(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Create(newTask("a", time.Now())))
	require.NoError(t, r.Update("a", setStatus(models.StatusRunning)))

	assert.True(t, errors.Is(r.Evict("a"), models.ErrNotReady))

	require.NoError(t, r.Update("a", setStatus(models.StatusError)))
	require.NoError(t, r.Evict("a"))
	assert.Zero(t, r.Len())
}

func TestRegistryListAndCounts(t *testing.T) {
	r := NewRegistry()
	base := time.Now()
	require.NoError(t, r.Create(newTask("late", base.Add(time.Second))))
	require.NoError(t, r.Create(newTask("early", base)))
	require.NoError(t, r.Update("late", setStatus(models.StatusRunning)))

	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, "early", list[0].TaskID)
	assert.Equal(t, "late", list[1].TaskID)

	counts := r.Counts()
	assert.Equal(t, 1, counts[models.StatusPending])
	assert.Equal(t, 1, counts[models.StatusRunning])
	assert.Equal(t, 0, counts[models.StatusCompleted])
}
