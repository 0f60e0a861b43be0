// Package postgres stores schedule documents in PostgreSQL and turns writes
// from other processes into change notifications via LISTEN/NOTIFY, so two
// devices sharing one database see each other's progress live.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormLogger "gorm.io/gorm/logger"

	appLog "dayroutine/internal/log"
	"dayroutine/internal/model"
	"dayroutine/internal/store"
)

// NotifyChannel is the LISTEN/NOTIFY channel carrying changed document paths.
const NotifyChannel = "schedule_documents_changed"

type scheduleRow struct {
	ID        string         `gorm:"column:id;primaryKey"`
	Namespace string         `gorm:"column:namespace;not null;index:idx_schedule_documents_subject"`
	Subject   string         `gorm:"column:subject;not null;index:idx_schedule_documents_subject"`
	Date      string         `gorm:"column:schedule_date;not null"`
	Data      datatypes.JSON `gorm:"column:data;type:jsonb;not null"`
	UpdatedAt time.Time      `gorm:"column:updated_at;autoUpdateTime"`
}

func (scheduleRow) TableName() string {
	return "schedule_documents"
}

type Backend struct {
	db     *gorm.DB
	dsn    string
	origin string
	log    *zap.SugaredLogger
}

// Open connects to dsn and migrates the schedule table.
func Open(ctx context.Context, dsn string) (*Backend, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("postgres dsn is empty")
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormLogger.Default.LogMode(gormLogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.WithContext(ctx).AutoMigrate(&scheduleRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schedule_documents: %w", err)
	}

	return &Backend{
		db:     db,
		dsn:    dsn,
		origin: uuid.NewString(),
		log:    appLog.For("store.postgres"),
	}, nil
}

// OpenStore opens the database and wraps it in a notifying store.
func OpenStore(ctx context.Context, dsn string) (*store.Hub, error) {
	b, err := Open(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return store.NewHub(b), nil
}

func (b *Backend) Load(ctx context.Context, key store.Key) (*model.ScheduleDocument, error) {
	var row scheduleRow
	err := b.db.WithContext(ctx).Where("id = ?", key.Path()).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get document: %w", err)
	}

	doc, err := decode(row.Data)
	if err != nil {
		return nil, err
	}
	return doc, nil
}

func (b *Backend) Save(ctx context.Context, key store.Key, doc *model.ScheduleDocument) error {
	data, err := encode(doc)
	if err != nil {
		return err
	}

	row := scheduleRow{
		ID:        key.Path(),
		Namespace: key.Namespace,
		Subject:   key.Subject,
		Date:      key.Date,
		Data:      data,
	}

	return b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"data", "updated_at"}),
		}).Create(&row).Error
		if err != nil {
			return fmt.Errorf("failed to save document: %w", err)
		}

		// Delivered to listeners only when the transaction commits.
		if err := tx.Exec("SELECT pg_notify(?, ?)", NotifyChannel, b.origin+" "+key.Path()).Error; err != nil {
			return fmt.Errorf("failed to notify change: %w", err)
		}
		return nil
	})
}

// Watch implements store.ChangeFeed. Notifications from this backend's own
// writes are skipped because the hub already published them.
func (b *Backend) Watch(ctx context.Context, changed func(store.Key)) error {
	listener := pq.NewListener(b.dsn, 2*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			b.log.Errorw("listener event", "event", ev, "err", err)
		}
	})
	defer func() { _ = listener.Close() }()

	if err := listener.Listen(NotifyChannel); err != nil {
		return fmt.Errorf("failed to listen on %s: %w", NotifyChannel, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n, ok := <-listener.Notify:
			if !ok {
				return errors.New("listener closed")
			}
			if n == nil {
				// Reconnected; changes may have been missed, nothing to replay.
				b.log.Infow("listener reconnected")
				continue
			}
			origin, path, found := strings.Cut(n.Extra, " ")
			if !found || origin == b.origin {
				continue
			}
			key, err := store.ParsePath(path)
			if err != nil {
				b.log.Errorw("ignoring malformed notification", "err", err, "payload", n.Extra)
				continue
			}
			changed(key)
		}
	}
}

func (b *Backend) Close() error {
	sqlDB, err := b.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
