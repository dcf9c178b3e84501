package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"convopilot-server/internal/models"
)

// ErrItemNotFound is returned when a queue item id does not exist.
var ErrItemNotFound = errors.New("queue item not found")

// QueueRepository is the durable work queue. All queue mutation in the
// system goes through Enqueue/ClaimBatch/Complete/Fail/Release; no other
// code path touches status or claimed_by.
type QueueRepository struct {
	db          *sql.DB
	driver      string
	maxAttempts int
	backoffBase time.Duration

	// now is swappable in tests.
	now func() int64
}

func NewQueueRepository(database *Database, maxAttempts int, backoffBase time.Duration) *QueueRepository {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	if backoffBase <= 0 {
		backoffBase = 30 * time.Second
	}
	return &QueueRepository{
		db:          database.GetDB(),
		driver:      database.Driver(),
		maxAttempts: maxAttempts,
		backoffBase: backoffBase,
		now:         models.NowMillis,
	}
}

// Enqueue inserts a pending item and returns its id.
func (r *QueueRepository) Enqueue(queueName, payload string, priority int, scheduledAt int64) (int64, error) {
	if queueName == "" {
		return 0, errors.New("queue name is required")
	}
	if scheduledAt <= 0 {
		scheduledAt = r.now()
	}

	if r.driver == DriverPostgres {
		var id int64
		err := r.db.QueryRow(rebind(r.driver,
			`INSERT INTO work_queue (queue_name, payload, status, priority, scheduled_at, attempts, created_at)
			 VALUES (?, ?, 'pending', ?, ?, 0, ?) RETURNING id`),
			queueName, payload, priority, scheduledAt, r.now()).Scan(&id)
		if err != nil {
			return 0, fmt.Errorf("enqueue %s: %w", queueName, err)
		}
		return id, nil
	}

	res, err := r.db.Exec(
		`INSERT INTO work_queue (queue_name, payload, status, priority, scheduled_at, attempts, created_at)
		 VALUES (?, ?, 'pending', ?, ?, 0, ?)`,
		queueName, payload, priority, scheduledAt, r.now())
	if err != nil {
		return 0, fmt.Errorf("enqueue %s: %w", queueName, err)
	}
	return res.LastInsertId()
}

// ClaimBatch atomically claims up to limit due pending items for workerID.
// The select and the transition to processing happen in one transaction,
// and the update re-checks status = 'pending', so two concurrent callers
// can never claim the same item.
func (r *QueueRepository) ClaimBatch(queueName string, limit int, workerID string) ([]*models.WorkQueueItem, error) {
	if limit <= 0 {
		limit = 10
	}
	if workerID == "" {
		return nil, errors.New("worker ID is required")
	}

	tx, err := r.db.Begin()
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	nowMs := r.now()

	selectQuery := `SELECT id FROM work_queue
		WHERE queue_name = ? AND status = 'pending' AND scheduled_at <= ?
		ORDER BY priority, scheduled_at, id
		LIMIT ?`
	if r.driver == DriverPostgres {
		selectQuery += ` FOR UPDATE SKIP LOCKED`
	}

	rows, err := tx.Query(rebind(r.driver, selectQuery), queueName, nowMs, limit)
	if err != nil {
		return nil, fmt.Errorf("claim select: %w", err)
	}
	var ids []interface{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if len(ids) == 0 {
		return nil, tx.Commit()
	}

	args := append([]interface{}{nowMs, workerID}, ids...)
	updateQuery := fmt.Sprintf(
		`UPDATE work_queue SET status = 'processing', claimed_at = ?, claimed_by = ?
		 WHERE status = 'pending' AND id IN (%s)`, placeholders(len(ids)))
	if _, err := tx.Exec(rebind(r.driver, updateQuery), args...); err != nil {
		return nil, fmt.Errorf("claim update: %w", err)
	}

	// Return only rows this worker actually transitioned; under a racing
	// claimer some selected ids may already be processing elsewhere.
	readQuery := fmt.Sprintf(
		`SELECT id, queue_name, payload, status, priority, scheduled_at, attempts, claimed_at, claimed_by, last_error, created_at
		 FROM work_queue
		 WHERE claimed_by = ? AND status = 'processing' AND id IN (%s)
		 ORDER BY priority, scheduled_at, id`, placeholders(len(ids)))
	readArgs := append([]interface{}{workerID}, ids...)
	itemRows, err := tx.Query(rebind(r.driver, readQuery), readArgs...)
	if err != nil {
		return nil, fmt.Errorf("claim read: %w", err)
	}
	items, err := scanItems(itemRows)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return items, nil
}

// Complete transitions an item to completed. Completing an already
// completed item is a no-op.
func (r *QueueRepository) Complete(itemID int64) error {
	res, err := r.db.Exec(rebind(r.driver,
		`UPDATE work_queue SET status = 'completed' WHERE id = ? AND status = 'processing'`), itemID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	var status string
	err = r.db.QueryRow(rebind(r.driver,
		`SELECT status FROM work_queue WHERE id = ?`), itemID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrItemNotFound
	}
	if err != nil {
		return err
	}
	if status == models.ItemCompleted {
		return nil
	}
	return fmt.Errorf("cannot complete item %d in status %q", itemID, status)
}

// Fail records a failed attempt. Retryable failures below the attempt
// ceiling go back to pending with exponential backoff; everything else
// becomes failed.
func (r *QueueRepository) Fail(itemID int64, retryable bool, cause string) error {
	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	selectQuery := `SELECT attempts, status FROM work_queue WHERE id = ?`
	if r.driver == DriverPostgres {
		selectQuery += ` FOR UPDATE`
	}
	var attempts int
	var status string
	err = tx.QueryRow(rebind(r.driver, selectQuery), itemID).Scan(&attempts, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrItemNotFound
	}
	if err != nil {
		return err
	}
	if status != models.ItemProcessing {
		return fmt.Errorf("cannot fail item %d in status %q", itemID, status)
	}

	newAttempts := attempts + 1
	if retryable && newAttempts < r.maxAttempts {
		retryAt := r.now() + r.backoff(attempts).Milliseconds()
		_, err = tx.Exec(rebind(r.driver,
			`UPDATE work_queue SET status = 'pending', attempts = ?, scheduled_at = ?,
			 claimed_at = NULL, claimed_by = NULL, last_error = ? WHERE id = ?`),
			newAttempts, retryAt, cause, itemID)
	} else {
		_, err = tx.Exec(rebind(r.driver,
			`UPDATE work_queue SET status = 'failed', attempts = ?, last_error = ? WHERE id = ?`),
			newAttempts, cause, itemID)
	}
	if err != nil {
		return err
	}
	return tx.Commit()
}

// Release puts a claimed item back to pending without counting an
// attempt. Used when a worker runs out of wall-clock budget before an
// item's scheduled time arrives; waiting is not a failure.
func (r *QueueRepository) Release(itemID int64) error {
	res, err := r.db.Exec(rebind(r.driver,
		`UPDATE work_queue SET status = 'pending', claimed_at = NULL, claimed_by = NULL
		 WHERE id = ? AND status = 'processing'`), itemID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("release: item %d not processing", itemID)
	}
	return nil
}

// RequeueExpired is the lease watchdog: items stuck in processing longer
// than lease (worker crash after claim) become claimable again. Attempts
// are not incremented; only failed outcomes count.
func (r *QueueRepository) RequeueExpired(lease time.Duration) (int64, error) {
	cutoff := r.now() - lease.Milliseconds()
	res, err := r.db.Exec(rebind(r.driver,
		`UPDATE work_queue SET status = 'pending', claimed_at = NULL, claimed_by = NULL
		 WHERE status = 'processing' AND claimed_at < ?`), cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Cleanup deletes terminal items past their retention window, measured
// from insertion time. Returns the number of rows deleted.
func (r *QueueRepository) Cleanup(completedTTL, failedTTL time.Duration) (int64, error) {
	nowMs := r.now()
	var total int64

	res, err := r.db.Exec(rebind(r.driver,
		`DELETE FROM work_queue WHERE status = 'completed' AND created_at < ?`),
		nowMs-completedTTL.Milliseconds())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	total += n

	res, err = r.db.Exec(rebind(r.driver,
		`DELETE FROM work_queue WHERE status = 'failed' AND created_at < ?`),
		nowMs-failedTTL.Milliseconds())
	if err != nil {
		return total, err
	}
	n, _ = res.RowsAffected()
	total += n

	return total, nil
}

// Depth returns the number of pending items on a queue.
func (r *QueueRepository) Depth(queueName string) (int, error) {
	var n int
	err := r.db.QueryRow(rebind(r.driver,
		`SELECT COUNT(*) FROM work_queue WHERE queue_name = ? AND status = 'pending'`),
		queueName).Scan(&n)
	return n, err
}

// GetItem fetches a single item by id, mainly for tests and inspection.
func (r *QueueRepository) GetItem(itemID int64) (*models.WorkQueueItem, error) {
	rows, err := r.db.Query(rebind(r.driver,
		`SELECT id, queue_name, payload, status, priority, scheduled_at, attempts, claimed_at, claimed_by, last_error, created_at
		 FROM work_queue WHERE id = ?`), itemID)
	if err != nil {
		return nil, err
	}
	items, err := scanItems(rows)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, ErrItemNotFound
	}
	return items[0], nil
}

// ListByQueue returns all items on a queue in claim order, regardless of
// status. Used by the stats surface and by tests.
func (r *QueueRepository) ListByQueue(queueName string) ([]*models.WorkQueueItem, error) {
	rows, err := r.db.Query(rebind(r.driver,
		`SELECT id, queue_name, payload, status, priority, scheduled_at, attempts, claimed_at, claimed_by, last_error, created_at
		 FROM work_queue WHERE queue_name = ?
		 ORDER BY priority, scheduled_at, id`), queueName)
	if err != nil {
		return nil, err
	}
	return scanItems(rows)
}

func (r *QueueRepository) backoff(attempts int) time.Duration {
	if attempts > 6 {
		attempts = 6
	}
	return r.backoffBase * time.Duration(1<<attempts)
}

func scanItems(rows *sql.Rows) ([]*models.WorkQueueItem, error) {
	defer rows.Close()
	var items []*models.WorkQueueItem
	for rows.Next() {
		item := &models.WorkQueueItem{}
		var claimedAt sql.NullInt64
		var claimedBy, lastError sql.NullString
		err := rows.Scan(&item.ID, &item.QueueName, &item.Payload, &item.Status,
			&item.Priority, &item.ScheduledAt, &item.Attempts,
			&claimedAt, &claimedBy, &lastError, &item.CreatedAt)
		if err != nil {
			return nil, err
		}
		if claimedAt.Valid {
			item.ClaimedAt = &claimedAt.Int64
		}
		if claimedBy.Valid {
			item.ClaimedBy = &claimedBy.String
		}
		if lastError.Valid {
			item.LastError = &lastError.String
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}
