package jobs

import (
	"context"
	"time"

	"emperror.dev/errors"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrNotFound is returned for an unknown job id.
const ErrNotFound = errors.Sentinel("sms job not found")

// Status is where a job is in its lifecycle.
type Status string

const (
	StatusPending Status = "pending"
	StatusSending Status = "sending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

// Job is one request to deliver an SMS.
type Job struct {
	ID          string     `gorm:"primaryKey;size:36" json:"id"`
	ModuleID    *string    `gorm:"size:36;index" json:"module_id"`
	PhoneNumber string     `gorm:"size:32" json:"phone_number"`
	Body        string     `json:"body"`
	Status      Status     `gorm:"size:16;index" json:"status"`
	ErrorKind   string     `gorm:"size:32" json:"error_kind,omitempty"`
	ErrorReason string     `json:"error_reason,omitempty"`
	MessageRef  string     `gorm:"size:64" json:"message_ref,omitempty"`
	Attempts    int        `json:"attempts"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// TableName keeps the table name stable regardless of gorm's pluralisation.
func (Job) TableName() string { return "sms_jobs" }

// New creates a pending job. An empty moduleID means any module.
func New(moduleID, phone, body string) *Job {
	j := &Job{
		ID:          uuid.NewString(),
		PhoneNumber: phone,
		Body:        body,
		Status:      StatusPending,
		CreatedAt:   time.Now().UTC(),
	}
	if moduleID != "" {
		j.ModuleID = &moduleID
	}
	return j
}

// Done reports whether the job reached a terminal status.
func (j *Job) Done() bool { return j.Status == StatusSent || j.Status == StatusFailed }

// MarkSending records an attempt on a module.
func (j *Job) MarkSending(moduleID string) {
	j.Status = StatusSending
	j.ModuleID = &moduleID
	j.Attempts++
}

// MarkSent completes the job successfully.
func (j *Job) MarkSent(ref string) {
	now := time.Now().UTC()
	j.Status = StatusSent
	j.MessageRef = ref
	j.ErrorKind = ""
	j.ErrorReason = ""
	j.CompletedAt = &now
}

// MarkFailed completes the job with an error. A failed job always carries
// a reason.
func (j *Job) MarkFailed(kind, reason string) {
	if reason == "" {
		reason = "unknown error"
	}
	now := time.Now().UTC()
	j.Status = StatusFailed
	j.ErrorKind = kind
	j.ErrorReason = reason
	j.CompletedAt = &now
}

// Store persists jobs in SQLite.
type Store struct {
	db *gorm.DB
}

// Open opens (or creates) the SQLite database at path and migrates it.
// ":memory:" gives a private in-memory database.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, errors.WithDetails(errors.Wrap(err, "open job database"), "path", path)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(err, "job database handle")
	}
	// One connection: SQLite serialises writers anyway, and each
	// connection to ":memory:" would otherwise see its own database.
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&Job{}); err != nil {
		sqlDB.Close()
		return nil, errors.Wrap(err, "migrate job database")
	}
	return &Store{db: db}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Create inserts a new job.
func (s *Store) Create(ctx context.Context, j *Job) error {
	return errors.WithDetails(errors.Wrap(s.db.WithContext(ctx).Create(j).Error, "create sms job"), "job", j.ID)
}

// Update saves every field of j.
func (s *Store) Update(ctx context.Context, j *Job) error {
	return errors.WithDetails(errors.Wrap(s.db.WithContext(ctx).Save(j).Error, "update sms job"), "job", j.ID)
}

// Get loads one job.
func (s *Store) Get(ctx context.Context, id string) (*Job, error) {
	var j Job
	err := s.db.WithContext(ctx).First(&j, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.WithDetails(ErrNotFound, "job", id)
	}
	if err != nil {
		return nil, errors.WithDetails(errors.Wrap(err, "load sms job"), "job", id)
	}
	return &j, nil
}

// Recent returns up to limit jobs, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []Job
	err := s.db.WithContext(ctx).Order("created_at desc").Limit(limit).Find(&out).Error
	if err != nil {
		return nil, errors.Wrap(err, "list sms jobs")
	}
	return out, nil
}
