package models

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormTaskStore is the MySQL adapter behind the TaskStore port.
type GormTaskStore struct {
	DB *gorm.DB
}

func NewGormTaskStore(db *gorm.DB) *GormTaskStore {
	return &GormTaskStore{DB: db}
}

func (s *GormTaskStore) ClaimDue(ctx context.Context, batchSize int, staleBefore, now time.Time, maxAttempts int, workerId string) ([]SideEffectTask, error) {
	var claimed []SideEffectTask
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Eligible:
		// - PENDING / FAILED and ready to retry
		// - PROCESSING but lock is stale (worker crashed mid-batch)
		q := tx.
			Where(`
				(
					status IN ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
				)
				OR
				(
					status = ? AND locked_at IS NOT NULL AND locked_at <= ?
				)
			`, []string{SideEffectStatusPending, SideEffectStatusFailed}, now, SideEffectStatusProcessing, staleBefore).
			Order("id ASC").
			Limit(batchSize).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		if err := q.Find(&claimed).Error; err != nil {
			return err
		}
		if len(claimed) == 0 {
			return nil
		}
		for i := range claimed {
			// Enforce max attempts: poison tasks go terminal (DLQ equivalent).
			if maxAttempts > 0 && claimed[i].Attempts >= maxAttempts {
				msg := fmt.Sprintf("max attempts exceeded (%d)", maxAttempts)
				claimed[i].Status = SideEffectStatusDead
				if err := tx.Model(&SideEffectTask{}).Where("id = ?", claimed[i].ID).Updates(map[string]interface{}{
					"status":          SideEffectStatusDead,
					"last_error":      &msg,
					"next_attempt_at": nil,
					"locked_at":       nil,
					"locked_by":       nil,
				}).Error; err != nil {
					return err
				}
				continue
			}

			claimed[i].Status = SideEffectStatusProcessing
			claimed[i].LockedAt = &now
			claimed[i].LockedBy = &workerId
			claimed[i].Attempts = claimed[i].Attempts + 1
			claimed[i].LastError = nil
			if err := tx.Model(&SideEffectTask{}).Where("id = ?", claimed[i].ID).Updates(map[string]interface{}{
				"status":          claimed[i].Status,
				"locked_at":       claimed[i].LockedAt,
				"locked_by":       claimed[i].LockedBy,
				"attempts":        gorm.Expr("attempts + 1"),
				"last_error":      nil,
				"next_attempt_at": nil,
			}).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	ready := claimed[:0]
	for _, task := range claimed {
		if task.Status == SideEffectStatusDead {
			continue
		}
		ready = append(ready, task)
	}
	return ready, nil
}

func (s *GormTaskStore) ClaimByIds(ctx context.Context, ids []int, workerId string) ([]SideEffectTask, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	now := time.Now().UTC()
	var claimed []SideEffectTask
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.
			Where("id IN ? AND status = ?", ids, SideEffectStatusPending).
			Order("id ASC").
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		if err := q.Find(&claimed).Error; err != nil {
			return err
		}
		for i := range claimed {
			claimed[i].Status = SideEffectStatusProcessing
			claimed[i].LockedAt = &now
			claimed[i].LockedBy = &workerId
			claimed[i].Attempts = claimed[i].Attempts + 1
			if err := tx.Model(&SideEffectTask{}).Where("id = ?", claimed[i].ID).Updates(map[string]interface{}{
				"status":    SideEffectStatusProcessing,
				"locked_at": &now,
				"locked_by": &workerId,
				"attempts":  gorm.Expr("attempts + 1"),
			}).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (s *GormTaskStore) MarkSucceeded(ctx context.Context, id int, now time.Time) error {
	return s.DB.WithContext(ctx).Model(&SideEffectTask{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":          SideEffectStatusSucceeded,
			"processed_at":    &now,
			"locked_at":       nil,
			"locked_by":       nil,
			"next_attempt_at": nil,
		}).Error
}

func (s *GormTaskStore) MarkFailed(ctx context.Context, id int, errMsg string, nextAttemptAt *time.Time, dead bool) error {
	status := SideEffectStatusFailed
	if dead {
		status = SideEffectStatusDead
		nextAttemptAt = nil
	}
	return s.DB.WithContext(ctx).Model(&SideEffectTask{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":          status,
			"last_error":      &errMsg,
			"next_attempt_at": nextAttemptAt,
			"locked_at":       nil,
			"locked_by":       nil,
		}).Error
}
