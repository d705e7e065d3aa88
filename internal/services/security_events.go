package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/realmforge/backend/internal/models"
	"github.com/realmforge/backend/internal/storage"
	"github.com/realmforge/backend/pkg/logger"
	"gorm.io/gorm"
)

type SecurityEvent struct {
	IPAddress   string
	Username    string
	EventType   models.SecurityEventType
	Description string
	Metadata    map[string]interface{}
}

// SecurityEventService is an append-only sink for auth/abuse events. Writes
// go through a buffered queue so a slow or unavailable store never blocks a
// throttle decision; a full queue drops the event with a warn log.
type SecurityEventService struct {
	DB      *gorm.DB
	Storage *storage.MinIOClient
	queue   chan models.SecurityEvent
}

func NewSecurityEventService(db *gorm.DB, storageClient *storage.MinIOClient) *SecurityEventService {
	s := &SecurityEventService{
		DB:      db,
		Storage: storageClient,
		queue:   make(chan models.SecurityEvent, 1000),
	}
	go s.processQueue()
	return s
}

func (s *SecurityEventService) Record(event SecurityEvent) {
	row := models.SecurityEvent{
		IPAddress:   event.IPAddress,
		EventType:   event.EventType,
		Description: event.Description,
		Metadata:    event.Metadata,
		CreatedAt:   time.Now().UTC(),
	}
	if event.Username != "" {
		username := event.Username
		row.Username = &username
	}

	select {
	case s.queue <- row:
	default:
		logger.Warn("security_event_queue_full", map[string]interface{}{
			"event_type": string(event.EventType),
			"dropped":    true,
		})
	}
}

func (s *SecurityEventService) processQueue() {
	for row := range s.queue {
		if err := s.DB.Create(&row).Error; err != nil {
			logger.Error("security_event_insert_failed", err, map[string]interface{}{
				"event_type": string(row.EventType),
			})
		}
	}
}

// Flush waits until every queued event at call time has been drained. Test
// hook; production code never calls it.
func (s *SecurityEventService) Flush() {
	for len(s.queue) > 0 {
		time.Sleep(time.Millisecond)
	}
}

// StartExporter runs a background goroutine that periodically archives new
// security event rows to object storage as NDJSON and prunes rows older than
// the retention window.
func (s *SecurityEventService) StartExporter(interval, retention time.Duration) {
	if s.Storage == nil {
		logger.Info("security_exporter_disabled", map[string]interface{}{
			"reason": "no storage client configured",
		})
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for range ticker.C {
			s.exportToStorage()
			s.pruneExpired(retention)
		}
	}()

	logger.Info("security_exporter_started", map[string]interface{}{
		"interval":  interval.String(),
		"retention": retention.String(),
	})
}

func (s *SecurityEventService) exportToStorage() {
	var cursor models.SecurityEventExportCursor
	err := s.DB.First(&cursor).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			cursor = models.SecurityEventExportCursor{
				LastExportAt: time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC),
			}
			if createErr := s.DB.Create(&cursor).Error; createErr != nil {
				logger.Error("security_export_cursor_create_failed", createErr, nil)
				return
			}
		} else {
			logger.Error("security_export_cursor_load_failed", err, nil)
			return
		}
	}

	var events []models.SecurityEvent
	if err := s.DB.Where("created_at > ?", cursor.LastExportAt).
		Order("created_at ASC").
		Limit(10000).
		Find(&events).Error; err != nil {
		logger.Error("security_export_query_failed", err, nil)
		return
	}

	if len(events) == 0 {
		return
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, event := range events {
		if err := enc.Encode(event); err != nil {
			logger.Error("security_export_encode_failed", err, map[string]interface{}{
				"event_id": event.ID.String(),
			})
			continue
		}
	}

	now := time.Now().UTC()
	objectName := fmt.Sprintf("security-events/%s/%s.ndjson",
		now.Format("2006/01/02"),
		now.Format("15-04-05"),
	)

	if err := s.Storage.Upload(
		context.Background(),
		objectName,
		&buf,
		int64(buf.Len()),
		"application/x-ndjson",
	); err != nil {
		logger.Error("security_export_upload_failed", err, map[string]interface{}{
			"object_name": objectName,
			"count":       len(events),
		})
		return
	}

	lastCreatedAt := events[len(events)-1].CreatedAt
	s.DB.Model(&cursor).Updates(map[string]interface{}{
		"last_export_at": lastCreatedAt,
		"exported_count": gorm.Expr("exported_count + ?", len(events)),
	})

	logger.Info("security_export_success", map[string]interface{}{
		"object_name": objectName,
		"count":       len(events),
	})
}

func (s *SecurityEventService) pruneExpired(retention time.Duration) {
	cutoff := time.Now().UTC().Add(-retention)
	result := s.DB.Where("created_at < ?", cutoff).Delete(&models.SecurityEvent{})
	if result.Error != nil {
		logger.Error("security_event_prune_failed", result.Error, nil)
		return
	}
	if result.RowsAffected > 0 {
		logger.Info("security_events_pruned", map[string]interface{}{
			"count":  result.RowsAffected,
			"cutoff": cutoff.Format(time.RFC3339),
		})
	}
}
