// Package storage implements the external collaborators the protocol core
// consumes: the branch credential store, the persisted-renewal store and the
// audit log sink share one SQL database with the web side; branch connection
// metadata lives in a local LevelDB.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"branchsync/wire"
)

const auditQueueSize = 256

// Branch is a credential row for one branch. Passwords are managed by the
// back office; the protocol server only reads them.
type Branch struct {
	ID       int64  `gorm:"primaryKey"`
	Password string `gorm:"size:128"`
}

// Renewal is a contract renewal request persisted for delivery to a branch
// that may be offline at the time the renewal is created.
type Renewal struct {
	EventID       string `gorm:"primaryKey;size:128"`
	BranchID      int64  `gorm:"index"`
	ContractID    int64
	ContractCS    int64
	DateNow       time.Time
	DateProlong   time.Time
	DateToProlong time.Time
	NeedToSend    bool `gorm:"index"`
	DeliveredAt   *time.Time
}

// LogEntry is one audit record of protocol traffic.
type LogEntry struct {
	ID          uint `gorm:"primaryKey"`
	ContractID  int64
	ContractCS  int64
	BranchID    int64
	RequestType string `gorm:"size:8;index"`
	Body        string
	IsOutput    bool
	CreatedAt   time.Time
}

// Store wraps the shared SQL database. It implements the credential,
// renewal and audit collaborator interfaces of the branchnet package.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger

	auditCh   chan LogEntry
	auditWG   sync.WaitGroup
	closeOnce sync.Once
}

// Open connects to the configured SQL backend, migrates the schema and
// starts the asynchronous audit writer.
func Open(driver, dsn string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var dialector gorm.Dialector
	switch driver {
	case "postgres":
		dialector = postgres.Open(dsn)
	case "sqlite":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("storage: unsupported driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", driver, err)
	}
	if err := db.AutoMigrate(&Branch{}, &Renewal{}, &LogEntry{}); err != nil {
		return nil, fmt.Errorf("storage: migrate: %w", err)
	}

	store := &Store{
		db:      db,
		logger:  logger.With(slog.String("component", "storage")),
		auditCh: make(chan LogEntry, auditQueueSize),
	}
	store.auditWG.Add(1)
	go store.auditWriter()
	return store, nil
}

// Close drains the audit queue and releases the database.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.auditCh)
		s.auditWG.Wait()
		sqlDB, dbErr := s.db.DB()
		if dbErr != nil {
			err = dbErr
			return
		}
		err = sqlDB.Close()
	})
	return err
}

// Check verifies a branch id/password pair during the protocol handshake.
func (s *Store) Check(ctx context.Context, branchID int64, password string) (bool, error) {
	if password == "" {
		return false, nil
	}
	var branch Branch
	err := s.db.WithContext(ctx).First(&branch, "id = ?", branchID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("storage: credential lookup: %w", err)
	}
	return branch.Password == password, nil
}

// PendingForBranch returns the branch's not-yet-sent renewal requests in
// creation order, shaped as protocol records. Date fields are handed over as
// time.Time; the connection manager formats them for the wire.
func (s *Store) PendingForBranch(ctx context.Context, branchID int64) ([]wire.Record, error) {
	var rows []Renewal
	err := s.db.WithContext(ctx).
		Where("branch_id = ? AND need_to_send = ?", branchID, true).
		Order("date_now").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("storage: pending renewals: %w", err)
	}
	records := make([]wire.Record, 0, len(rows))
	for _, row := range rows {
		records = append(records, wire.Record{
			wire.FieldEventID:    row.EventID,
			wire.FieldEventType:  "prolongation",
			wire.FieldContractID: row.ContractID,
			wire.FieldContractCS: row.ContractCS,
			"filiationId":        row.BranchID,
			"DateNow":            row.DateNow,
			"DateProlong":        row.DateProlong,
			"DateToProlong":      row.DateToProlong,
			"requestType":        3,
		})
	}
	return records, nil
}

// MarkDelivered records that the branch acknowledged the renewal.
func (s *Store) MarkDelivered(ctx context.Context, eventID string) error {
	now := time.Now()
	result := s.db.WithContext(ctx).Model(&Renewal{}).
		Where("event_id = ?", eventID).
		Updates(map[string]any{"need_to_send": false, "delivered_at": &now})
	if result.Error != nil {
		return fmt.Errorf("storage: mark delivered: %w", result.Error)
	}
	return nil
}

// AddRenewal persists a renewal request for later delivery.
func (s *Store) AddRenewal(ctx context.Context, r Renewal) error {
	r.NeedToSend = true
	if err := s.db.WithContext(ctx).Create(&r).Error; err != nil {
		return fmt.Errorf("storage: add renewal: %w", err)
	}
	return nil
}

// Append queues an audit entry. It never blocks protocol progress: when the
// queue is full the entry is dropped with a warning.
func (s *Store) Append(contractID, contractCS, branchID int64, requestType string, body any, outbound bool) {
	rendered, err := json.Marshal(body)
	if err != nil {
		rendered = []byte(fmt.Sprintf("%q", fmt.Sprintf("%v", body)))
	}
	entry := LogEntry{
		ContractID:  contractID,
		ContractCS:  contractCS,
		BranchID:    branchID,
		RequestType: requestType,
		Body:        string(rendered),
		IsOutput:    outbound,
		CreatedAt:   time.Now(),
	}
	select {
	case s.auditCh <- entry:
	default:
		s.logger.Warn("Audit queue full, entry dropped",
			slog.String("request_type", requestType),
			slog.Int64("branch_id", branchID))
	}
}

func (s *Store) auditWriter() {
	defer s.auditWG.Done()
	for entry := range s.auditCh {
		if err := s.db.Create(&entry).Error; err != nil {
			s.logger.Warn("Audit write failed", slog.Any("error", err))
		}
	}
}

// Logs returns recent audit entries, newest first. Ops/debug helper.
func (s *Store) Logs(ctx context.Context, limit int) ([]LogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []LogEntry
	err := s.db.WithContext(ctx).Order("id DESC").Limit(limit).Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("storage: logs: %w", err)
	}
	return rows, nil
}
