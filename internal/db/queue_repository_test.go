package db

import (
	"sync"
	"testing"
	"time"

	"convopilot-server/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueueRepo(t *testing.T) *QueueRepository {
	t.Helper()
	return NewQueueRepository(setupTestDB(t), 3, 10*time.Second)
}

func TestEnqueueAndClaim(t *testing.T) {
	repo := newTestQueueRepo(t)

	id, err := repo.Enqueue(models.QueueGeneration, `{"conversation_id":"c1","message_id":"m1"}`, 1, 0)
	require.NoError(t, err)
	require.Greater(t, id, int64(0))

	items, err := repo.ClaimBatch(models.QueueGeneration, 10, "worker-1")
	require.NoError(t, err)
	require.Len(t, items, 1)

	item := items[0]
	assert.Equal(t, id, item.ID)
	assert.Equal(t, models.ItemProcessing, item.Status)
	require.NotNil(t, item.ClaimedBy)
	assert.Equal(t, "worker-1", *item.ClaimedBy)
	assert.NotNil(t, item.ClaimedAt)

	payload, err := models.GenerationPayloadOf(item)
	require.NoError(t, err)
	assert.Equal(t, "c1", payload.ConversationID)
	assert.Equal(t, "m1", payload.MessageID)
}

func TestClaimRespectsScheduledAt(t *testing.T) {
	repo := newTestQueueRepo(t)

	future := models.NowMillis() + time.Hour.Milliseconds()
	_, err := repo.Enqueue(models.QueueOutbound, `{}`, 1, future)
	require.NoError(t, err)

	items, err := repo.ClaimBatch(models.QueueOutbound, 10, "worker-1")
	require.NoError(t, err)
	assert.Empty(t, items, "future-scheduled items must not be claimable")
}

func TestClaimOrdering(t *testing.T) {
	repo := newTestQueueRepo(t)

	now := models.NowMillis() - 1000
	// Enqueued out of order on purpose.
	low, err := repo.Enqueue(models.QueueOutbound, `{"n":3}`, 5, now+10)
	require.NoError(t, err)
	first, err := repo.Enqueue(models.QueueOutbound, `{"n":1}`, 1, now)
	require.NoError(t, err)
	second, err := repo.Enqueue(models.QueueOutbound, `{"n":2}`, 1, now+5)
	require.NoError(t, err)

	items, err := repo.ClaimBatch(models.QueueOutbound, 10, "worker-1")
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, []int64{first, second, low}, []int64{items[0].ID, items[1].ID, items[2].ID})
}

func TestConcurrentClaimsAreDisjoint(t *testing.T) {
	repo := newTestQueueRepo(t)

	const itemCount = 40
	for i := 0; i < itemCount; i++ {
		_, err := repo.Enqueue(models.QueueGeneration, `{}`, 1, 0)
		require.NoError(t, err)
	}

	const workers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := make(map[int64]string)

	for w := 0; w < workers; w++ {
		wg.Add(1)
		workerID := string(rune('a' + w))
		go func(workerID string) {
			defer wg.Done()
			for {
				items, err := repo.ClaimBatch(models.QueueGeneration, 3, workerID)
				if err != nil {
					t.Errorf("ClaimBatch() error = %v", err)
					return
				}
				if len(items) == 0 {
					return
				}
				mu.Lock()
				for _, item := range items {
					if prev, dup := seen[item.ID]; dup {
						t.Errorf("item %d claimed by both %s and %s", item.ID, prev, workerID)
					}
					seen[item.ID] = workerID
				}
				mu.Unlock()
			}
		}(workerID)
	}
	wg.Wait()

	assert.Len(t, seen, itemCount, "every item should be claimed exactly once")
}

func TestCompleteIsIdempotent(t *testing.T) {
	repo := newTestQueueRepo(t)

	id, err := repo.Enqueue(models.QueueGeneration, `{}`, 1, 0)
	require.NoError(t, err)
	_, err = repo.ClaimBatch(models.QueueGeneration, 1, "worker-1")
	require.NoError(t, err)

	require.NoError(t, repo.Complete(id))
	require.NoError(t, repo.Complete(id), "second Complete must be a no-op")

	item, err := repo.GetItem(id)
	require.NoError(t, err)
	assert.Equal(t, models.ItemCompleted, item.Status)
}

func TestCompleteErrors(t *testing.T) {
	repo := newTestQueueRepo(t)

	err := repo.Complete(999)
	assert.ErrorIs(t, err, ErrItemNotFound)

	id, err := repo.Enqueue(models.QueueGeneration, `{}`, 1, 0)
	require.NoError(t, err)
	// Still pending, never claimed.
	assert.Error(t, repo.Complete(id))
}

func TestFailRetryableReturnsToPending(t *testing.T) {
	repo := newTestQueueRepo(t)

	id, err := repo.Enqueue(models.QueueGeneration, `{}`, 1, 0)
	require.NoError(t, err)
	_, err = repo.ClaimBatch(models.QueueGeneration, 1, "worker-1")
	require.NoError(t, err)

	require.NoError(t, repo.Fail(id, true, "backend timeout"))

	item, err := repo.GetItem(id)
	require.NoError(t, err)
	assert.Equal(t, models.ItemPending, item.Status)
	assert.Equal(t, 1, item.Attempts)
	assert.Nil(t, item.ClaimedBy)
	require.NotNil(t, item.LastError)
	assert.Equal(t, "backend timeout", *item.LastError)
	assert.Greater(t, item.ScheduledAt, models.NowMillis(), "retry must be backed off into the future")
}

func TestFailExhaustsAttempts(t *testing.T) {
	repo := newTestQueueRepo(t) // maxAttempts = 3

	// Advance the clock past each backoff window so retries are claimable.
	var offset int64
	repo.now = func() int64 { return models.NowMillis() + offset }

	id, err := repo.Enqueue(models.QueueGeneration, `{}`, 1, 0)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		offset += time.Hour.Milliseconds()
		items, err := repo.ClaimBatch(models.QueueGeneration, 1, "worker-1")
		require.NoError(t, err)
		require.Len(t, items, 1, "attempt %d: item should be claimable", i+1)
		require.NoError(t, repo.Fail(id, true, "still failing"))
	}

	item, err := repo.GetItem(id)
	require.NoError(t, err)
	assert.Equal(t, models.ItemFailed, item.Status)
	assert.Equal(t, 3, item.Attempts)
}

func TestFailNonRetryable(t *testing.T) {
	repo := newTestQueueRepo(t)

	id, err := repo.Enqueue(models.QueueOutbound, `{}`, 1, 0)
	require.NoError(t, err)
	_, err = repo.ClaimBatch(models.QueueOutbound, 1, "worker-1")
	require.NoError(t, err)

	require.NoError(t, repo.Fail(id, false, "invalid recipient"))

	item, err := repo.GetItem(id)
	require.NoError(t, err)
	assert.Equal(t, models.ItemFailed, item.Status)
	assert.Equal(t, 1, item.Attempts)
}

func TestReleaseDoesNotCountAttempt(t *testing.T) {
	repo := newTestQueueRepo(t)

	future := models.NowMillis() + time.Minute.Milliseconds()
	id, err := repo.Enqueue(models.QueueOutbound, `{}`, 1, future)
	require.NoError(t, err)

	// Force-claim by pretending time has passed.
	repo.now = func() int64 { return future + 1 }
	items, err := repo.ClaimBatch(models.QueueOutbound, 1, "worker-1")
	require.NoError(t, err)
	require.Len(t, items, 1)

	require.NoError(t, repo.Release(id))

	item, err := repo.GetItem(id)
	require.NoError(t, err)
	assert.Equal(t, models.ItemPending, item.Status)
	assert.Equal(t, 0, item.Attempts)
	assert.Equal(t, future, item.ScheduledAt, "release must not move the schedule")
}

func TestRequeueExpiredLeases(t *testing.T) {
	repo := newTestQueueRepo(t)

	id, err := repo.Enqueue(models.QueueGeneration, `{}`, 1, 0)
	require.NoError(t, err)
	_, err = repo.ClaimBatch(models.QueueGeneration, 1, "crashed-worker")
	require.NoError(t, err)

	// Lease not yet expired: nothing to do.
	n, err := repo.RequeueExpired(time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)

	// Sweep from one hour in the future: the lease has expired.
	repo.now = func() int64 { return models.NowMillis() + time.Hour.Milliseconds() }
	n, err = repo.RequeueExpired(30 * time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	item, err := repo.GetItem(id)
	require.NoError(t, err)
	assert.Equal(t, models.ItemPending, item.Status)
	assert.Nil(t, item.ClaimedBy)
	assert.Equal(t, 0, item.Attempts, "watchdog requeue is not a failed attempt")

	items, err := repo.ClaimBatch(models.QueueGeneration, 1, "worker-2")
	require.NoError(t, err)
	assert.Len(t, items, 1, "requeued item must be claimable again")
}

func TestCleanupRetention(t *testing.T) {
	repo := newTestQueueRepo(t)

	base := models.NowMillis()

	// Completed item inserted 25 hours ago.
	repo.now = func() int64 { return base - 25*time.Hour.Milliseconds() }
	oldCompleted, err := repo.Enqueue(models.QueueGeneration, `{}`, 1, repo.now())
	require.NoError(t, err)
	_, err = repo.ClaimBatch(models.QueueGeneration, 1, "w")
	require.NoError(t, err)
	require.NoError(t, repo.Complete(oldCompleted))

	// Failed item inserted 3 days ago.
	repo.now = func() int64 { return base - 3*24*time.Hour.Milliseconds() }
	recentFailed, err := repo.Enqueue(models.QueueGeneration, `{}`, 1, repo.now())
	require.NoError(t, err)
	_, err = repo.ClaimBatch(models.QueueGeneration, 1, "w")
	require.NoError(t, err)
	require.NoError(t, repo.Fail(recentFailed, false, "permanent"))

	// Fresh pending item.
	repo.now = func() int64 { return base }
	fresh, err := repo.Enqueue(models.QueueGeneration, `{}`, 1, base)
	require.NoError(t, err)

	deleted, err := repo.Cleanup(24*time.Hour, 7*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	_, err = repo.GetItem(oldCompleted)
	assert.ErrorIs(t, err, ErrItemNotFound, "completed item past retention must be deleted")

	_, err = repo.GetItem(recentFailed)
	assert.NoError(t, err, "failed item within retention must be kept")

	_, err = repo.GetItem(fresh)
	assert.NoError(t, err)
}

func TestDepth(t *testing.T) {
	repo := newTestQueueRepo(t)

	for i := 0; i < 3; i++ {
		_, err := repo.Enqueue(models.QueueOutbound, `{}`, 1, 0)
		require.NoError(t, err)
	}
	_, err := repo.ClaimBatch(models.QueueOutbound, 1, "worker-1")
	require.NoError(t, err)

	n, err := repo.Depth(models.QueueOutbound)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestEnqueueValidation(t *testing.T) {
	repo := newTestQueueRepo(t)

	_, err := repo.Enqueue("", `{}`, 1, 0)
	assert.Error(t, err)

	_, err = repo.ClaimBatch(models.QueueGeneration, 1, "")
	assert.Error(t, err)
}
