package store

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
)

// ErrDuplicateRequest is returned by Enqueue when a command with the same
// (tenant, request) pair already exists.
var ErrDuplicateRequest = errors.New("request already enqueued")

// CommandStore provides database operations on the command outbox.
type CommandStore struct {
	client *gorm.DB
}

// NewCommandStore creates a new command store over the shared connection.
func NewCommandStore(client *gorm.DB) *CommandStore {
	return &CommandStore{client: client}
}

// Enqueue inserts a new command in PENDING state. A (tenant, request)
// collision reports ErrDuplicateRequest so producers can treat the enqueue as
// idempotent.
func (cs *CommandStore) Enqueue(cmd *Command) error {
	if cs.client == nil {
		return fmt.Errorf("database is nil")
	}

	if cmd.Status == "" {
		cmd.Status = StatusPending
	}
	if err := cs.client.Create(cmd).Error; err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrDuplicateRequest
		}
		return fmt.Errorf("failed to enqueue command: %w", err)
	}
	return nil
}

// Get returns a command by its (tenant, request) identity.
func (cs *CommandStore) Get(tenantID, requestID string) (*Command, error) {
	if cs.client == nil {
		return nil, fmt.Errorf("database is nil")
	}

	var cmd Command
	err := cs.client.
		Where("tenant_id = ? AND request_id = ?", tenantID, requestID).
		First(&cmd).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query command: %w", err)
	}
	return &cmd, nil
}

// List returns commands for a tenant, optionally filtered by status, newest
// first.
func (cs *CommandStore) List(tenantID, status string, limit int) ([]Command, error) {
	if cs.client == nil {
		return nil, fmt.Errorf("database is nil")
	}

	query := cs.client.Model(&Command{})
	if tenantID != "" {
		query = query.Where("tenant_id = ?", tenantID)
	}
	if status != "" {
		query = query.Where("status = ?", status)
	}

	var cmds []Command
	if err := query.Order("created_at DESC").Limit(limit).Find(&cmds).Error; err != nil {
		return nil, fmt.Errorf("failed to list commands: %w", err)
	}
	return cmds, nil
}

// CountByStatus returns the number of commands per status.
func (cs *CommandStore) CountByStatus() (map[string]int64, error) {
	if cs.client == nil {
		return nil, fmt.Errorf("database is nil")
	}

	type statusCount struct {
		Status string
		Count  int64
	}
	var rows []statusCount
	err := cs.client.Model(&Command{}).
		Select("status, COUNT(*) as count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to count commands: %w", err)
	}

	counts := make(map[string]int64, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}

// eligiblePredicate matches rows the dispatcher may claim: PENDING or FAILED
// rows with attempts left whose backoff window has passed, plus LOCKED or
// SUBMITTED rows whose lock has gone stale (crashed worker).
const eligiblePredicate = "((status IN ? AND attempts < ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?)) " +
	"OR (status IN ? AND locked_at IS NOT NULL AND locked_at <= ?))"

func eligibleArgs(maxAttempts int, lockStale time.Duration, now time.Time) []interface{} {
	return []interface{}{
		[]string{StatusPending, StatusFailed}, maxAttempts, now,
		[]string{StatusLocked, StatusSubmitted}, now.Add(-lockStale),
	}
}

// ClaimEligible claims up to limit eligible commands for the given worker,
// oldest first. Each candidate is taken with a compare-and-set UPDATE that
// re-checks eligibility, so two workers can never hold the same command.
// Rows that lose the race are skipped without blocking.
func (cs *CommandStore) ClaimEligible(workerID string, limit, maxAttempts int, lockStale time.Duration, now time.Time) ([]Command, error) {
	if cs.client == nil {
		return nil, fmt.Errorf("database is nil")
	}

	args := eligibleArgs(maxAttempts, lockStale, now)

	var candidates []Command
	err := cs.client.Model(&Command{}).
		Where(eligiblePredicate, args...).
		Order("created_at ASC").
		Limit(limit).
		Find(&candidates).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query eligible commands: %w", err)
	}

	claimed := make([]Command, 0, len(candidates))
	for i := range candidates {
		cmd := candidates[i]
		res := cs.client.Model(&Command{}).
			Where("id = ?", cmd.ID).
			Where(eligiblePredicate, args...).
			Updates(map[string]interface{}{
				"status":    StatusLocked,
				"locked_by": workerID,
				"locked_at": now,
			})
		if res.Error != nil {
			return claimed, fmt.Errorf("failed to claim command %d: %w", cmd.ID, res.Error)
		}
		if res.RowsAffected == 0 {
			// Lost the race to another worker
			continue
		}

		cmd.Status = StatusLocked
		cmd.LockedBy = workerID
		lockedAt := now
		cmd.LockedAt = &lockedAt
		claimed = append(claimed, cmd)
	}
	return claimed, nil
}

// MarkSubmitted records ledger acceptance of a claimed command. Returns the
// number of rows updated; zero means the claim was lost to a stale-lock
// reclaim.
func (cs *CommandStore) MarkSubmitted(id uint, workerID, ledgerTxID string, now time.Time) (int64, error) {
	if cs.client == nil {
		return 0, fmt.Errorf("database is nil")
	}

	res := cs.client.Model(&Command{}).
		Where("id = ? AND status = ? AND locked_by = ?", id, StatusLocked, workerID).
		Updates(map[string]interface{}{
			"status":       StatusSubmitted,
			"ledger_tx_id": ledgerTxID,
			"submitted_at": now,
			"locked_at":    now,
		})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to mark command submitted: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// MarkCommitted moves a command to its terminal COMMITTED state. The guard on
// non-terminal states keeps the transition at-most-once even under stale-lock
// reclaims.
func (cs *CommandStore) MarkCommitted(id uint, ledgerTxID string, block uint64) (int64, error) {
	if cs.client == nil {
		return 0, fmt.Errorf("database is nil")
	}

	res := cs.client.Model(&Command{}).
		Where("id = ? AND status IN ?", id, []string{StatusLocked, StatusSubmitted}).
		Updates(map[string]interface{}{
			"status":          StatusCommitted,
			"ledger_tx_id":    ledgerTxID,
			"commit_block":    block,
			"locked_by":       "",
			"locked_at":       nil,
			"next_attempt_at": nil,
			"error_code":      "",
			"error_msg":       "",
		})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to mark command committed: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// RequeueRetry releases a command back to FAILED with its new attempt count
// and backoff window after a retryable submission failure.
func (cs *CommandStore) RequeueRetry(id uint, attempts int, nextAttempt time.Time, errCode, errMsg string) (int64, error) {
	if cs.client == nil {
		return 0, fmt.Errorf("database is nil")
	}

	res := cs.client.Model(&Command{}).
		Where("id = ? AND status IN ?", id, []string{StatusLocked, StatusSubmitted}).
		Updates(map[string]interface{}{
			"status":          StatusFailed,
			"attempts":        attempts,
			"next_attempt_at": nextAttempt,
			"locked_by":       "",
			"locked_at":       nil,
			"error_code":      errCode,
			"error_msg":       errMsg,
		})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to requeue command: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// MarkDead moves a command to terminal FAILED. Attempts is forced to
// maxAttempts, which is what makes the failure terminal: deterministic
// rejections burn all attempts at once.
func (cs *CommandStore) MarkDead(id uint, maxAttempts int, errCode, errMsg string) (int64, error) {
	if cs.client == nil {
		return 0, fmt.Errorf("database is nil")
	}

	res := cs.client.Model(&Command{}).
		Where("id = ? AND status IN ?", id, []string{StatusLocked, StatusSubmitted}).
		Updates(map[string]interface{}{
			"status":          StatusFailed,
			"attempts":        maxAttempts,
			"next_attempt_at": nil,
			"locked_by":       "",
			"locked_at":       nil,
			"error_code":      errCode,
			"error_msg":       errMsg,
		})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to mark command dead: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// RequeueManual resets a terminally failed command for a fresh round of
// attempts. Only operators call this; commands still inside their retry
// budget are left alone.
func (cs *CommandStore) RequeueManual(tenantID, requestID string, maxAttempts int) (int64, error) {
	if cs.client == nil {
		return 0, fmt.Errorf("database is nil")
	}

	res := cs.client.Model(&Command{}).
		Where("tenant_id = ? AND request_id = ? AND status = ? AND attempts >= ?",
			tenantID, requestID, StatusFailed, maxAttempts).
		Updates(map[string]interface{}{
			"status":          StatusPending,
			"attempts":        0,
			"next_attempt_at": nil,
			"error_code":      "",
			"error_msg":       "",
		})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to requeue command: %w", res.Error)
	}
	return res.RowsAffected, nil
}
