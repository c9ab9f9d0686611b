package queue

import (
	"testing"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/scopelens/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// jobsFor builds n waiting jobs owned by user, each with its own scan.
func jobsFor(owners map[uuid.UUID]uuid.UUID, user uuid.UUID, n int) []*models.Job {
	jobs := make([]*models.Job, n)
	for i := range jobs {
		scanID := uuid.New()
		owners[scanID] = user
		jobs[i] = &models.Job{ID: uuid.New(), ScanID: scanID, State: models.JobWaiting{}}
	}
	return jobs
}

func TestFairOrder_SmallUserNotStarved(t *testing.T) {
	owners := map[uuid.UUID]uuid.UUID{}
	a, b := uuid.New(), uuid.New()
	aJobs := jobsFor(owners, a, 5)
	bJobs := jobsFor(owners, b, 1)

	selected, users := FairOrder(append(aJobs, bJobs...), owners, 2)
	require.Len(t, selected, 2)
	assert.Equal(t, aJobs[0].ID, selected[0].ID)
	assert.Equal(t, bJobs[0].ID, selected[1].ID)
	assert.Equal(t, 2, users)
}

func TestFairOrder_EveryUserBeforeAnySecondJob(t *testing.T) {
	owners := map[uuid.UUID]uuid.UUID{}
	a, b, c := uuid.New(), uuid.New(), uuid.New()
	aJobs := jobsFor(owners, a, 50)
	bJobs := jobsFor(owners, b, 1)
	cJobs := jobsFor(owners, c, 3)

	all := append(append(aJobs, bJobs...), cJobs...)
	selected, users := FairOrder(all, owners, 7)
	require.Len(t, selected, 7)
	assert.Equal(t, 3, users)

	want := []uuid.UUID{
		aJobs[0].ID, bJobs[0].ID, cJobs[0].ID, // round 0
		aJobs[1].ID, cJobs[1].ID, // round 1, b exhausted
		aJobs[2].ID, cJobs[2].ID, // round 2
	}
	for i, j := range selected {
		assert.Equal(t, want[i], j.ID, "position %d", i)
	}
}

func TestFairOrder_StopsWhenExhausted(t *testing.T) {
	owners := map[uuid.UUID]uuid.UUID{}
	jobs := append(jobsFor(owners, uuid.New(), 2), jobsFor(owners, uuid.New(), 1)...)

	selected, _ := FairOrder(jobs, owners, 100)
	assert.Len(t, selected, 3)
}

func TestFairOrder_UnknownOwnersShareABucket(t *testing.T) {
	owners := map[uuid.UUID]uuid.UUID{}
	known := jobsFor(owners, uuid.New(), 2)
	orphans := []*models.Job{
		{ID: uuid.New(), ScanID: uuid.New()},
		{ID: uuid.New(), ScanID: uuid.New()},
	}

	selected, users := FairOrder(append(orphans, known...), owners, 3)
	assert.Equal(t, 2, users)
	require.Len(t, selected, 3)
	assert.Equal(t, orphans[0].ID, selected[0].ID)
	assert.Equal(t, known[0].ID, selected[1].ID)
	assert.Equal(t, orphans[1].ID, selected[2].ID)
}

func TestFairOrder_ZeroLimit(t *testing.T) {
	owners := map[uuid.UUID]uuid.UUID{}
	selected, users := FairOrder(jobsFor(owners, uuid.New(), 3), owners, 0)
	assert.Empty(t, selected)
	assert.Equal(t, 1, users)
}

func TestAccountPool_FillsInOrderAndRespectsCaps(t *testing.T) {
	x := &models.Account{ID: uuid.New(), MaxConcurrent: 2}
	y := &models.Account{ID: uuid.New(), MaxConcurrent: 3}
	full := &models.Account{ID: uuid.New(), MaxConcurrent: 1}
	load := map[uuid.UUID]int{y.ID: 2, full.ID: 1}

	p := newAccountPool([]*models.Account{x, full, y}, load)
	assert.False(t, p.empty())
	assert.Equal(t, 3, p.slots())

	var got []uuid.UUID
	for {
		a, ok := p.next()
		if !ok {
			break
		}
		got = append(got, a.ID)
	}
	assert.Equal(t, []uuid.UUID{x.ID, x.ID, y.ID}, got)
	assert.Equal(t, 2, load[y.ID], "caller's load map is not mutated")
}

func TestAccountPool_AllFull(t *testing.T) {
	a := &models.Account{ID: uuid.New(), MaxConcurrent: 1}
	p := newAccountPool([]*models.Account{a}, map[uuid.UUID]int{a.ID: 1})
	assert.True(t, p.empty())
	_, ok := p.next()
	assert.False(t, ok)
}
