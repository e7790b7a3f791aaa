// Package repository defines metadata-store access for applications,
// application webhooks, subscriptions, and schedules. Jobs are not here:
// they live in the backing store.
package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmylchreest/brokerd/internal/models"
)

// ApplicationRepository defines methods for application data access.
type ApplicationRepository interface {
	Create(ctx context.Context, app *models.Application) error
	GetByID(ctx context.Context, id string) (*models.Application, error)
	GetByKeyHash(ctx context.Context, hash string) (*models.Application, error)
	GetByName(ctx context.Context, name string) (*models.Application, error)
	List(ctx context.Context) ([]*models.Application, error)
	Update(ctx context.Context, app *models.Application) error
	Delete(ctx context.Context, id string) error
}

// AppWebhookRepository defines methods for application webhook data access.
type AppWebhookRepository interface {
	Create(ctx context.Context, webhook *models.AppWebhook) error
	GetByID(ctx context.Context, id string) (*models.AppWebhook, error)
	GetByApplicationID(ctx context.Context, appID string) ([]*models.AppWebhook, error)
	GetActiveByApplicationID(ctx context.Context, appID string) ([]*models.AppWebhook, error)
	Update(ctx context.Context, webhook *models.AppWebhook) error
	Delete(ctx context.Context, id string) error
	// RecordSuccess resets the failure count and stamps lastTriggeredAt.
	RecordSuccess(ctx context.Context, id string, at time.Time) error
	// RecordFailure atomically increments the failure count, deactivating the
	// webhook once the count reaches quarantineAfter. Returns the new count.
	RecordFailure(ctx context.Context, id string, quarantineAfter int) (int, error)
}

// SubscriptionRepository defines methods for subscription data access.
type SubscriptionRepository interface {
	Create(ctx context.Context, sub *models.Subscription) error
	GetByID(ctx context.Context, id string) (*models.Subscription, error)
	GetByApplicationID(ctx context.Context, appID string) ([]*models.Subscription, error)
	GetActiveByApplicationID(ctx context.Context, appID string) ([]*models.Subscription, error)
	Update(ctx context.Context, sub *models.Subscription) error
	Delete(ctx context.Context, id string) error
	// RecordTrigger increments triggerCount and stamps lastTriggeredAt after a
	// successful delivery.
	RecordTrigger(ctx context.Context, id string, at time.Time) error
}

// ScheduleRepository defines methods for schedule data access.
type ScheduleRepository interface {
	Create(ctx context.Context, schedule *models.Schedule) error
	GetByID(ctx context.Context, id string) (*models.Schedule, error)
	GetByName(ctx context.Context, name string) (*models.Schedule, error)
	List(ctx context.Context) ([]*models.Schedule, error)
	ListEnabled(ctx context.Context) ([]*models.Schedule, error)
	Update(ctx context.Context, schedule *models.Schedule) error
	Delete(ctx context.Context, id string) error
}

// Repositories holds all repository instances.
type Repositories struct {
	Application  ApplicationRepository
	AppWebhook   AppWebhookRepository
	Subscription SubscriptionRepository
	Schedule     ScheduleRepository
}

// NewRepositories creates all repository instances.
func NewRepositories(db *sql.DB) *Repositories {
	return &Repositories{
		Application:  NewSQLiteApplicationRepository(db),
		AppWebhook:   NewSQLiteAppWebhookRepository(db),
		Subscription: NewSQLiteSubscriptionRepository(db),
		Schedule:     NewSQLiteScheduleRepository(db),
	}
}
