package services

import (
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/realmforge/backend/internal/models"
	"github.com/realmforge/backend/pkg/logger"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type RateLimitPolicy struct {
	MaxAttempts int
	Window      time.Duration
	BaseBlock   time.Duration
}

var ratePolicies = map[string]RateLimitPolicy{
	"register": {MaxAttempts: 3, Window: 15 * time.Minute, BaseBlock: 30 * time.Minute},
	"login":    {MaxAttempts: 5, Window: 5 * time.Minute, BaseBlock: 10 * time.Minute},
	"default":  {MaxAttempts: 10, Window: time.Minute, BaseBlock: 5 * time.Minute},
}

const (
	maxBlockDuration = time.Hour
	staleRecordAge   = 24 * time.Hour

	dailyCreationMax   = 3
	totalCreationMax   = 10
	minCreationSpacing = time.Hour

	// Stale-record cleanup piggybacks on every Nth throttle check instead
	// of a background thread.
	cleanupEveryN = 50
)

type RateLimitResult struct {
	Allowed    bool
	Reason     string
	RetryAfter int
	Attempts   int
}

type CreationLimitResult struct {
	Allowed      bool
	Reason       string
	RetryAfter   int
	TotalCreated int
	DailyCount   int
}

// RateLimiter enforces a sliding-window throttle with escalating blocks per
// (ip, endpoint, username) tuple, a stricter account-creation quota per IP,
// and a suspicious-activity heuristic. Store errors propagate to the caller
// and fail the request closed; only event logging is best-effort.
type RateLimiter struct {
	DB     *gorm.DB
	Events *SecurityEventService

	checkCount atomic.Int64
}

func NewRateLimiter(db *gorm.DB, events *SecurityEventService) *RateLimiter {
	return &RateLimiter{DB: db, Events: events}
}

func PolicyFor(endpoint string) RateLimitPolicy {
	if policy, ok := ratePolicies[endpoint]; ok {
		return policy
	}
	return ratePolicies["default"]
}

// blockDuration doubles with every full window of attempts past the limit,
// capped at one hour.
func blockDuration(attempts int, policy RateLimitPolicy) time.Duration {
	block := policy.BaseBlock
	for i := attempts / policy.MaxAttempts; i > 0; i-- {
		block *= 2
		if block >= maxBlockDuration {
			return maxBlockDuration
		}
	}
	return block
}

func (r *RateLimiter) Check(endpoint, ip, username string) (RateLimitResult, error) {
	r.maybeCleanup()

	policy := PolicyFor(endpoint)
	now := time.Now().UTC()

	var result RateLimitResult
	err := r.DB.Transaction(func(tx *gorm.DB) error {
		var rec models.RateLimitRecord
		err := r.withRowLock(tx).
			Where("ip_address = ? AND endpoint = ? AND username = ?", ip, endpoint, username).
			First(&rec).Error

		if errors.Is(err, gorm.ErrRecordNotFound) {
			rec = models.RateLimitRecord{
				IPAddress:      ip,
				Endpoint:       endpoint,
				Username:       username,
				Attempts:       1,
				FirstAttemptAt: now,
				LastAttemptAt:  now,
			}
			if err := tx.Create(&rec).Error; err != nil {
				return err
			}
			result = RateLimitResult{Allowed: true, Attempts: 1}
			return nil
		}
		if err != nil {
			return err
		}

		if rec.BlockedUntil != nil && now.Before(*rec.BlockedUntil) {
			retry := int(rec.BlockedUntil.Sub(now).Seconds()) + 1
			result = RateLimitResult{
				Allowed:    false,
				Reason:     "temporarily_blocked",
				RetryAfter: retry,
				Attempts:   rec.Attempts,
			}
			r.Events.Record(SecurityEvent{
				IPAddress:   ip,
				Username:    username,
				EventType:   models.EventBlockedAttempt,
				Description: "request during active block",
				Metadata: map[string]interface{}{
					"endpoint":    endpoint,
					"retry_after": retry,
				},
			})
			return nil
		}

		if now.Sub(rec.FirstAttemptAt) < policy.Window {
			if rec.Attempts >= policy.MaxAttempts {
				block := blockDuration(rec.Attempts, policy)
				until := now.Add(block)
				if err := tx.Model(&rec).Updates(map[string]interface{}{
					"attempts":        gorm.Expr("attempts + 1"),
					"last_attempt_at": now,
					"blocked_until":   until,
				}).Error; err != nil {
					return err
				}
				result = RateLimitResult{
					Allowed:    false,
					Reason:     "too_many_attempts",
					RetryAfter: int(block.Seconds()),
					Attempts:   rec.Attempts + 1,
				}
				r.Events.Record(SecurityEvent{
					IPAddress:   ip,
					Username:    username,
					EventType:   models.EventMultipleFailures,
					Description: "attempt limit exceeded, block escalated",
					Metadata: map[string]interface{}{
						"endpoint":      endpoint,
						"attempts":      rec.Attempts + 1,
						"block_seconds": int(block.Seconds()),
					},
				})
				return nil
			}

			if err := tx.Model(&rec).Updates(map[string]interface{}{
				"attempts":        gorm.Expr("attempts + 1"),
				"last_attempt_at": now,
			}).Error; err != nil {
				return err
			}
			result = RateLimitResult{Allowed: true, Attempts: rec.Attempts + 1}
			return nil
		}

		// Window elapsed: start a fresh one.
		if err := tx.Model(&rec).Updates(map[string]interface{}{
			"attempts":         1,
			"first_attempt_at": now,
			"last_attempt_at":  now,
			"blocked_until":    nil,
		}).Error; err != nil {
			return err
		}
		result = RateLimitResult{Allowed: true, Attempts: 1}
		return nil
	})
	if err != nil {
		return RateLimitResult{}, err
	}
	return result, nil
}

func (r *RateLimiter) CheckAccountCreation(ip string) (CreationLimitResult, error) {
	now := time.Now().UTC()
	today := now.Format("2006-01-02")

	var result CreationLimitResult
	err := r.DB.Transaction(func(tx *gorm.DB) error {
		var quota models.AccountCreationQuota
		err := r.withRowLock(tx).Where("ip_address = ?", ip).First(&quota).Error

		if errors.Is(err, gorm.ErrRecordNotFound) {
			quota = models.AccountCreationQuota{
				IPAddress:      ip,
				TotalCreated:   1,
				DailyCount:     1,
				LastResetDate:  today,
				LastCreationAt: &now,
			}
			if err := tx.Create(&quota).Error; err != nil {
				return err
			}
			result = CreationLimitResult{Allowed: true, TotalCreated: 1, DailyCount: 1}
			return nil
		}
		if err != nil {
			return err
		}

		// Date rollover resets the daily counter before any cap applies.
		if quota.LastResetDate != today {
			quota.DailyCount = 0
			quota.LastResetDate = today
		}

		if quota.TotalCreated >= totalCreationMax {
			result = CreationLimitResult{
				Allowed:      false,
				Reason:       "total_limit_reached",
				TotalCreated: quota.TotalCreated,
				DailyCount:   quota.DailyCount,
			}
			r.recordBlockedCreation(ip, "lifetime account limit reached", quota)
			return nil
		}

		if quota.DailyCount >= dailyCreationMax {
			midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()).Add(24 * time.Hour)
			result = CreationLimitResult{
				Allowed:      false,
				Reason:       "daily_limit_reached",
				RetryAfter:   int(midnight.Sub(now).Seconds()),
				TotalCreated: quota.TotalCreated,
				DailyCount:   quota.DailyCount,
			}
			r.recordBlockedCreation(ip, "daily account limit reached", quota)
			return nil
		}

		if quota.LastCreationAt != nil {
			elapsed := now.Sub(*quota.LastCreationAt)
			if elapsed < minCreationSpacing {
				result = CreationLimitResult{
					Allowed:      false,
					Reason:       "too_soon",
					RetryAfter:   int((minCreationSpacing - elapsed).Seconds()) + 1,
					TotalCreated: quota.TotalCreated,
					DailyCount:   quota.DailyCount,
				}
				r.recordBlockedCreation(ip, "account created too recently", quota)
				return nil
			}
		}

		quota.TotalCreated++
		quota.DailyCount++
		quota.LastCreationAt = &now
		if err := tx.Model(&quota).Updates(map[string]interface{}{
			"total_created":    quota.TotalCreated,
			"daily_count":      quota.DailyCount,
			"last_reset_date":  quota.LastResetDate,
			"last_creation_at": now,
		}).Error; err != nil {
			return err
		}
		result = CreationLimitResult{
			Allowed:      true,
			TotalCreated: quota.TotalCreated,
			DailyCount:   quota.DailyCount,
		}
		return nil
	})
	if err != nil {
		return CreationLimitResult{}, err
	}
	return result, nil
}

var automationUASubstrings = []string{"bot", "curl"}

// DetectSuspiciousActivity flags endpoint scanning and automation-looking
// user agents. It only reports; callers decide whether to deny.
func (r *RateLimiter) DetectSuspiciousActivity(ip, username, userAgent string) bool {
	var reasons []string

	var distinctEndpoints int64
	err := r.DB.Model(&models.RateLimitRecord{}).
		Where("ip_address = ? AND last_attempt_at > ?", ip, time.Now().UTC().Add(-5*time.Minute)).
		Distinct("endpoint").
		Count(&distinctEndpoints).Error
	if err != nil {
		logger.Error("suspicious_activity_query_failed", err, map[string]interface{}{"ip": ip})
	} else if distinctEndpoints > 3 {
		reasons = append(reasons, "endpoint_scanning")
	}

	ua := strings.ToLower(strings.TrimSpace(userAgent))
	if len(ua) < 10 {
		reasons = append(reasons, "short_user_agent")
	} else {
		for _, marker := range automationUASubstrings {
			if strings.Contains(ua, marker) {
				reasons = append(reasons, "automation_user_agent")
				break
			}
		}
	}

	if len(reasons) == 0 {
		return false
	}

	r.Events.Record(SecurityEvent{
		IPAddress:   ip,
		Username:    username,
		EventType:   models.EventSuspiciousTiming,
		Description: "suspicious activity heuristics triggered",
		Metadata: map[string]interface{}{
			"reasons":    reasons,
			"user_agent": userAgent,
		},
	})
	return true
}

func (r *RateLimiter) recordBlockedCreation(ip, description string, quota models.AccountCreationQuota) {
	r.Events.Record(SecurityEvent{
		IPAddress:   ip,
		EventType:   models.EventBlockedCreation,
		Description: description,
		Metadata: map[string]interface{}{
			"total_created": quota.TotalCreated,
			"daily_count":   quota.DailyCount,
		},
	})
}

func (r *RateLimiter) maybeCleanup() {
	if r.checkCount.Add(1)%cleanupEveryN != 0 {
		return
	}
	cutoff := time.Now().UTC().Add(-staleRecordAge)
	result := r.DB.
		Where("last_attempt_at < ? AND (blocked_until IS NULL OR blocked_until < ?)", cutoff, time.Now().UTC()).
		Delete(&models.RateLimitRecord{})
	if result.Error != nil {
		logger.Error("rate_limit_cleanup_failed", result.Error, nil)
		return
	}
	if result.RowsAffected > 0 {
		logger.Info("rate_limit_records_cleaned", map[string]interface{}{
			"count": result.RowsAffected,
		})
	}
}

// withRowLock takes a row lock on dialects that support SELECT ... FOR
// UPDATE. sqlite serializes on a single connection instead.
func (r *RateLimiter) withRowLock(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "postgres" {
		return tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return tx
}
