package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"broadcast-scheduling-backend/pkg/models"
)

var (
	// ErrNotFound indicates a requested record is missing.
	ErrNotFound = errors.New("record not found")
	// ErrConflict indicates a write lost against a uniqueness constraint or a stale row version.
	ErrConflict = errors.New("record conflict")
)

// DatabaseInterface 定义数据库访问接口
type DatabaseInterface interface {
	// Threads
	CreateThread(ctx context.Context, thread *models.Thread, slots []models.Slot) error
	GetThread(ctx context.Context, threadID string) (*models.Thread, error)
	// SendThread creates the invites and moves a draft thread to sent in one transaction.
	SendThread(ctx context.Context, params SendParams) (*models.Thread, error)
	// ReplaceProposal swaps the slot set, bumps proposal_version and clears selections atomically.
	ReplaceProposal(ctx context.Context, params ReproposeParams) (*models.Thread, []models.Slot, error)
	CancelThread(ctx context.Context, threadID string, rowVersion int64, now time.Time) (*models.Thread, error)

	// Slots
	ListSlots(ctx context.Context, threadID string, proposalVersion int) ([]models.Slot, error)
	GetSlot(ctx context.Context, threadID, slotID string) (*models.Slot, error)

	// Invites
	ListInvites(ctx context.Context, threadID string) ([]models.Invite, error)
	GetInviteByToken(ctx context.Context, token string) (*models.Invite, error)
	MarkInviteAccepted(ctx context.Context, inviteID string, at time.Time) error

	// Selections
	UpsertSelection(ctx context.Context, sel *models.Selection) error
	ListSelections(ctx context.Context, threadID string) ([]models.Selection, error)

	// Finalization
	// CommitFinalization inserts the finalization and confirms the thread. When a
	// finalization already exists it is returned with created=false.
	CommitFinalization(ctx context.Context, fin *models.Finalization, rowVersion int64) (stored *models.Finalization, created bool, err error)
	GetFinalization(ctx context.Context, threadID string) (*models.Finalization, error)
	SetFinalizationMeeting(ctx context.Context, threadID string, meeting *models.MeetingRef) error
	EnsureMembership(ctx context.Context, m *models.ThreadMembership) error
	ListMemberships(ctx context.Context, threadID string) ([]models.ThreadMembership, error)

	// Reminders
	// ClaimRemindCooldown records a remind at now unless one happened within window.
	// It returns the time of the claim that currently holds the window.
	ClaimRemindCooldown(ctx context.Context, threadID, organizerID string, now time.Time, window time.Duration) (claimed bool, lastAt time.Time, err error)
	GetRemindCooldown(ctx context.Context, threadID, organizerID string) (time.Time, error)
	InsertRemindLog(ctx context.Context, log *models.RemindLog) error
	ListRemindLogs(ctx context.Context, organizerID string, limit int) ([]models.RemindLog, error)

	// Delivery queue and inbox
	EnqueueJob(ctx context.Context, job *models.DeliveryJob) error
	ListJobs(ctx context.Context, limit int) ([]models.DeliveryJob, error)
	PutInboxNotification(ctx context.Context, n *models.InboxNotification) error
	ListInbox(ctx context.Context, userID string, limit int) ([]models.InboxNotification, error)

	// Contacts & lists
	CreateContact(ctx context.Context, c *models.Contact) error
	GetContactsByIDs(ctx context.Context, ownerID string, ids []string) ([]models.Contact, error)
	CreateContactList(ctx context.Context, list *models.ContactList, contactIDs []string) error
	ListContactsInList(ctx context.Context, ownerID, listID string) ([]models.Contact, error)

	// 用户订阅信息
	PutUser(ctx context.Context, user *models.UserWithSubscription) error
	GetUserWithSubscription(ctx context.Context, userID string) (*models.UserWithSubscription, error)

	// 健康检查
	HealthCheck(ctx context.Context) error

	// 关闭连接
	Close() error
}

// SendParams describes the draft → sent transition.
type SendParams struct {
	ThreadID   string
	RowVersion int64
	Kind       models.ThreadKind
	Rule       models.AttendanceRule
	Invites    []models.Invite
	Now        time.Time
}

// ReproposeParams describes a proposal replacement.
type ReproposeParams struct {
	ThreadID        string
	RowVersion      int64
	Slots           []models.Slot
	DeadlineAt      *time.Time
	InviteExpiresAt *time.Time // invites expiring earlier are raised to this
	Now             time.Time
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Driver      string // postgres | sqlite | memory
	PostgresDSN string
	SQLitePath  string
	// AutoMigrate applies the embedded schema when a postgres store opens.
	// SQLite stores always migrate on open.
	AutoMigrate bool
	Debug       bool
}

// NewDatabase 根据配置选择数据库实现
func NewDatabase(config DatabaseConfig) (DatabaseInterface, error) {
	driver := strings.ToLower(strings.TrimSpace(config.Driver))
	if driver == "" {
		// PostgreSQL > SQLite > memory
		switch {
		case config.PostgresDSN != "":
			driver = "postgres"
		case config.SQLitePath != "":
			driver = "sqlite"
		default:
			driver = "memory"
		}
	}

	switch driver {
	case "postgres":
		if config.PostgresDSN == "" {
			return nil, fmt.Errorf("postgres driver selected but POSTGRES_DSN is empty")
		}
		store, err := NewPostgresDatabase(config.PostgresDSN)
		if err != nil {
			return nil, err
		}
		if config.AutoMigrate {
			if _, err := store.Migrate(context.Background()); err != nil {
				_ = store.Close()
				return nil, fmt.Errorf("run migrations: %w", err)
			}
		}
		return store, nil
	case "sqlite":
		if config.SQLitePath == "" {
			return nil, fmt.Errorf("sqlite driver selected but SQLITE_PATH is empty")
		}
		store, err := NewSQLiteDatabase(config.SQLitePath)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "memory":
		return NewMemoryDatabase(), nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", config.Driver)
	}
}

var (
	_ DatabaseInterface = (*SQLDatabase)(nil)
	_ DatabaseInterface = (*MemoryDatabase)(nil)
)
