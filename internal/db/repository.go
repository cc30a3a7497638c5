package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// Repository handles database operations for push subscriptions
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new subscription repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// CreateSubscription registers a subscription. Re-registering an endpoint
// (browsers do this on service worker updates) replaces its keys and owner
// instead of erroring.
func (r *Repository) CreateSubscription(ctx context.Context, sub *PushSubscription) error {
	query := `
		INSERT INTO push_subscriptions (
			id, recipient_id, endpoint, p256dh, auth
		) VALUES (
			$1, $2, $3, $4, $5
		)
		ON CONFLICT (endpoint) DO UPDATE
			SET recipient_id = EXCLUDED.recipient_id,
			    p256dh = EXCLUDED.p256dh,
			    auth = EXCLUDED.auth
		RETURNING id, created_at
	`

	err := r.db.Pool().QueryRow(
		ctx,
		query,
		sub.ID,
		sub.RecipientID,
		sub.Endpoint,
		sub.P256dh,
		sub.Auth,
	).Scan(&sub.ID, &sub.CreatedAt)

	if err != nil {
		r.logger.Error("failed to create subscription",
			zap.Error(err),
			zap.String("recipient_id", sub.RecipientID),
		)
		return fmt.Errorf("insert subscription: %w", err)
	}

	r.logger.Info("subscription registered",
		zap.String("subscription_id", sub.ID.String()),
		zap.String("recipient_id", sub.RecipientID),
	)

	return nil
}

// GetSubscription retrieves a subscription by ID
func (r *Repository) GetSubscription(ctx context.Context, id uuid.UUID) (*PushSubscription, error) {
	query := `
		SELECT id, recipient_id, endpoint, p256dh, auth, created_at
		FROM push_subscriptions
		WHERE id = $1
	`

	var sub PushSubscription
	err := r.db.Pool().QueryRow(ctx, query, id).Scan(
		&sub.ID,
		&sub.RecipientID,
		&sub.Endpoint,
		&sub.P256dh,
		&sub.Auth,
		&sub.CreatedAt,
	)

	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("subscription not found: %s", id)
	}

	if err != nil {
		return nil, fmt.Errorf("query subscription: %w", err)
	}

	return &sub, nil
}

// ListByRecipient retrieves every subscription registered for a recipient.
// A recipient may have several (one per browser/device).
func (r *Repository) ListByRecipient(ctx context.Context, recipientID string) ([]*PushSubscription, error) {
	query := `
		SELECT id, recipient_id, endpoint, p256dh, auth, created_at
		FROM push_subscriptions
		WHERE recipient_id = $1
		ORDER BY created_at ASC
	`

	rows, err := r.db.Pool().Query(ctx, query, recipientID)
	if err != nil {
		return nil, fmt.Errorf("query subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []*PushSubscription
	for rows.Next() {
		var sub PushSubscription
		err := rows.Scan(
			&sub.ID,
			&sub.RecipientID,
			&sub.Endpoint,
			&sub.P256dh,
			&sub.Auth,
			&sub.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		subs = append(subs, &sub)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return subs, nil
}

// DeleteByIDs removes subscriptions in one batch. Called by the dispatcher
// after fan-out for every endpoint the push service reported gone.
func (r *Repository) DeleteByIDs(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}

	query := `DELETE FROM push_subscriptions WHERE id = ANY($1)`

	result, err := r.db.Pool().Exec(ctx, query, ids)
	if err != nil {
		r.logger.Error("failed to delete subscriptions",
			zap.Error(err),
			zap.Int("count", len(ids)),
		)
		return fmt.Errorf("delete subscriptions: %w", err)
	}

	r.logger.Info("expired subscriptions removed",
		zap.Int64("deleted", result.RowsAffected()),
		zap.Int("requested", len(ids)),
	)

	return nil
}

// DeleteByID removes a single subscription (explicit unsubscribe).
func (r *Repository) DeleteByID(ctx context.Context, id uuid.UUID) error {
	query := `DELETE FROM push_subscriptions WHERE id = $1`

	result, err := r.db.Pool().Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("subscription not found: %s", id)
	}

	r.logger.Info("subscription removed", zap.String("subscription_id", id.String()))

	return nil
}
