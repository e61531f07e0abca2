// Package postgres provides a PostgreSQL implementation of the
// entitlement.Store interface. Partial updates are built as dynamic SET
// clauses so untouched columns stay untouched, and squad status cascades run
// in a single transaction.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chartvoice/chartbill/pkg/entitlement"
)

// DB is the subset of pgxpool.Pool the store uses. It is satisfied by
// *pgxpool.Pool and by pgxmock pools in tests.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store implements entitlement.Store using PostgreSQL.
type Store struct {
	db   DB
	pool *pgxpool.Pool
}

// Config holds PostgreSQL store configuration.
type Config struct {
	// ConnectionString is the PostgreSQL connection string.
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
	}
}

// New creates a new PostgreSQL store.
func New(ctx context.Context, config Config) (*Store, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: pool, pool: pool}, nil
}

// NewWithDB wraps an existing connection. Used by tests with mock pools.
func NewWithDB(db DB) *Store {
	return &Store{db: db}
}

// Close closes the connection pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const userColumns = `user_id, status, stripe_customer_id, stripe_subscription_id,
	current_period_start, current_period_end, canceled_at, allowed_squads, squad_id, updated_at`

// GetUserSubscription implements entitlement.Store.
func (s *Store) GetUserSubscription(ctx context.Context, userID string) (*entitlement.UserSubscription, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+userColumns+` FROM user_subscriptions WHERE user_id = $1`,
		userID)
	return scanUser(row)
}

// UpsertUserSubscription implements entitlement.Store.
func (s *Store) UpsertUserSubscription(ctx context.Context, sub *entitlement.UserSubscription) error {
	if sub == nil || sub.UserID == "" {
		return fmt.Errorf("invalid user subscription")
	}

	_, err := s.db.Exec(ctx,
		`INSERT INTO user_subscriptions
			(user_id, status, stripe_customer_id, stripe_subscription_id,
			 current_period_start, current_period_end, canceled_at,
			 allowed_squads, squad_id, updated_at)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5, $6, $7, $8, NULLIF($9, ''), NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			status = EXCLUDED.status,
			stripe_customer_id = EXCLUDED.stripe_customer_id,
			stripe_subscription_id = EXCLUDED.stripe_subscription_id,
			current_period_start = EXCLUDED.current_period_start,
			current_period_end = EXCLUDED.current_period_end,
			canceled_at = EXCLUDED.canceled_at,
			allowed_squads = EXCLUDED.allowed_squads,
			squad_id = EXCLUDED.squad_id,
			updated_at = NOW()`,
		sub.UserID, string(sub.Status), sub.StripeCustomerID, sub.StripeSubscriptionID,
		sub.CurrentPeriodStart, sub.CurrentPeriodEnd, sub.CanceledAt,
		sub.AllowedSquads, sub.SquadID)
	if err != nil {
		return fmt.Errorf("failed to upsert user subscription: %w", err)
	}
	return nil
}

// UpdateUserByID implements entitlement.Store.
func (s *Store) UpdateUserByID(ctx context.Context, userID string, upd entitlement.UserUpdate) error {
	return s.updateUsers(ctx, "user_id = $1", userID, upd)
}

// UpdateUserBySubscription implements entitlement.Store.
func (s *Store) UpdateUserBySubscription(ctx context.Context, subscriptionID string, upd entitlement.UserUpdate) error {
	return s.updateUsers(ctx, "stripe_subscription_id = $1", subscriptionID, upd)
}

// UpdateUserByCustomer implements entitlement.Store.
func (s *Store) UpdateUserByCustomer(ctx context.Context, customerID string, upd entitlement.UserUpdate) error {
	return s.updateUsers(ctx, "stripe_customer_id = $1", customerID, upd)
}

func (s *Store) updateUsers(ctx context.Context, where, key string, upd entitlement.UserUpdate) error {
	set, args := userSetClauses(upd, 2)
	if len(set) == 0 {
		return nil
	}
	args = append([]any{key}, args...)

	tag, err := s.db.Exec(ctx,
		`UPDATE user_subscriptions SET `+strings.Join(set, ", ")+`, updated_at = NOW() WHERE `+where,
		args...)
	if err != nil {
		return fmt.Errorf("failed to update user subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return entitlement.ErrUserNotFound
	}
	return nil
}

const squadColumns = `id, squad_code, name, admin_user_id, stripe_customer_id,
	stripe_subscription_id, status, current_period_start, current_period_end,
	canceled_at, plan_type, included_charts, charts_used, metered_item_id, updated_at`

// CreateSquad implements entitlement.Store.
func (s *Store) CreateSquad(ctx context.Context, squad *entitlement.Squad) error {
	if squad == nil || squad.SquadCode == "" {
		return fmt.Errorf("invalid squad")
	}

	row := s.db.QueryRow(ctx,
		`INSERT INTO squads
			(squad_code, name, admin_user_id, stripe_customer_id, stripe_subscription_id,
			 status, current_period_start, current_period_end, canceled_at,
			 plan_type, included_charts, charts_used, metered_item_id, updated_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6, $7, $8, $9, $10, $11, $12, NULLIF($13, ''), NOW())
		RETURNING id`,
		squad.SquadCode, squad.Name, squad.AdminUserID,
		squad.StripeCustomerID, squad.StripeSubscriptionID,
		string(squad.Status), squad.CurrentPeriodStart, squad.CurrentPeriodEnd, squad.CanceledAt,
		squad.PlanType, squad.IncludedCharts, squad.ChartsUsed, squad.MeteredItemID)

	if err := row.Scan(&squad.ID); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			switch pgErr.ConstraintName {
			case "squads_squad_code_key":
				return entitlement.ErrSquadCodeTaken
			case "squads_stripe_subscription_id_key":
				return entitlement.ErrSquadExists
			}
		}
		return fmt.Errorf("failed to create squad: %w", err)
	}
	return nil
}

// GetSquad implements entitlement.Store.
func (s *Store) GetSquad(ctx context.Context, squadID string) (*entitlement.Squad, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+squadColumns+` FROM squads WHERE id = $1`,
		squadID)
	return scanSquad(row)
}

// GetSquadBySubscription implements entitlement.Store.
func (s *Store) GetSquadBySubscription(ctx context.Context, subscriptionID string) (*entitlement.Squad, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+squadColumns+` FROM squads WHERE stripe_subscription_id = $1`,
		subscriptionID)
	return scanSquad(row)
}

// UpdateSquadBySubscription implements entitlement.Store.
func (s *Store) UpdateSquadBySubscription(ctx context.Context, subscriptionID string, upd entitlement.SquadUpdate) error {
	set, args := squadSetClauses(upd, 2)
	if len(set) == 0 {
		return nil
	}
	args = append([]any{subscriptionID}, args...)

	tag, err := s.db.Exec(ctx,
		`UPDATE squads SET `+strings.Join(set, ", ")+`, updated_at = NOW() WHERE stripe_subscription_id = $1`,
		args...)
	if err != nil {
		return fmt.Errorf("failed to update squad: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return entitlement.ErrSquadNotFound
	}
	return nil
}

// CascadeSquadStatus implements entitlement.Store. The squad update and the
// member fan-out run in one transaction so a crash cannot leave members on a
// stale status.
func (s *Store) CascadeSquadStatus(ctx context.Context, subscriptionID string, upd entitlement.SquadUpdate, memberStatus entitlement.Status) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	set, args := squadSetClauses(upd, 2)
	if len(set) == 0 {
		set = []string{"status = status"}
	}
	args = append([]any{subscriptionID}, args...)

	var squadID string
	err = tx.QueryRow(ctx,
		`UPDATE squads SET `+strings.Join(set, ", ")+`, updated_at = NOW()
			WHERE stripe_subscription_id = $1 RETURNING id`,
		args...).Scan(&squadID)
	if errors.Is(err, pgx.ErrNoRows) {
		return entitlement.ErrSquadNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to update squad: %w", err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE user_subscriptions SET status = $2, updated_at = NOW() WHERE squad_id = $1`,
		squadID, string(memberStatus))
	if err != nil {
		return fmt.Errorf("failed to cascade status to members: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit cascade: %w", err)
	}
	return nil
}

// GetInvite implements entitlement.Store.
func (s *Store) GetInvite(ctx context.Context, inviteID string) (*entitlement.SquadInvite, error) {
	var inv entitlement.SquadInvite
	var acceptedBy *string

	err := s.db.QueryRow(ctx,
		`SELECT id, squad_id, status, accepted_at, accepted_by
			FROM squad_invites WHERE id = $1`,
		inviteID).Scan(&inv.ID, &inv.SquadID, &inv.Status, &inv.AcceptedAt, &acceptedBy)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, entitlement.ErrInviteNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get invite: %w", err)
	}
	if acceptedBy != nil {
		inv.AcceptedByUserID = *acceptedBy
	}
	return &inv, nil
}

// MarkInviteAccepted implements entitlement.Store.
func (s *Store) MarkInviteAccepted(ctx context.Context, inviteID, userID string) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE squad_invites
			SET status = 'accepted', accepted_at = NOW(), accepted_by = $2
			WHERE id = $1 AND status != 'accepted'`,
		inviteID, userID)
	if err != nil {
		return fmt.Errorf("failed to mark invite accepted: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Either already accepted (fine) or missing.
		var exists bool
		if err := s.db.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM squad_invites WHERE id = $1)`,
			inviteID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check invite: %w", err)
		}
		if !exists {
			return entitlement.ErrInviteNotFound
		}
	}
	return nil
}

// ListSubscriptionIDs implements entitlement.Store.
func (s *Store) ListSubscriptionIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.Query(ctx,
		`SELECT stripe_subscription_id FROM squads
			WHERE status != 'canceled' AND stripe_subscription_id IS NOT NULL
		UNION
		SELECT stripe_subscription_id FROM user_subscriptions
			WHERE status != 'canceled' AND stripe_subscription_id IS NOT NULL
			AND squad_id IS NULL`)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscription ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan subscription id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read subscription ids: %w", err)
	}
	return ids, nil
}

func scanUser(row pgx.Row) (*entitlement.UserSubscription, error) {
	var sub entitlement.UserSubscription
	var customerID, subscriptionID, squadID *string

	err := row.Scan(&sub.UserID, &sub.Status, &customerID, &subscriptionID,
		&sub.CurrentPeriodStart, &sub.CurrentPeriodEnd, &sub.CanceledAt,
		&sub.AllowedSquads, &squadID, &sub.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, entitlement.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user subscription: %w", err)
	}
	if customerID != nil {
		sub.StripeCustomerID = *customerID
	}
	if subscriptionID != nil {
		sub.StripeSubscriptionID = *subscriptionID
	}
	if squadID != nil {
		sub.SquadID = *squadID
	}
	return &sub, nil
}

func scanSquad(row pgx.Row) (*entitlement.Squad, error) {
	var squad entitlement.Squad
	var customerID, subscriptionID, meteredItemID *string

	err := row.Scan(&squad.ID, &squad.SquadCode, &squad.Name, &squad.AdminUserID,
		&customerID, &subscriptionID, &squad.Status,
		&squad.CurrentPeriodStart, &squad.CurrentPeriodEnd, &squad.CanceledAt,
		&squad.PlanType, &squad.IncludedCharts, &squad.ChartsUsed,
		&meteredItemID, &squad.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, entitlement.ErrSquadNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get squad: %w", err)
	}
	if customerID != nil {
		squad.StripeCustomerID = *customerID
	}
	if subscriptionID != nil {
		squad.StripeSubscriptionID = *subscriptionID
	}
	if meteredItemID != nil {
		squad.MeteredItemID = *meteredItemID
	}
	return &squad, nil
}

// userSetClauses builds SET fragments for a partial user update. Placeholders
// start at argOffset so callers can prepend WHERE arguments.
func userSetClauses(upd entitlement.UserUpdate, argOffset int) ([]string, []any) {
	var set []string
	var args []any
	n := argOffset

	add := func(column string, value any) {
		set = append(set, fmt.Sprintf("%s = $%d", column, n))
		args = append(args, value)
		n++
	}

	if upd.Status != nil {
		add("status", string(*upd.Status))
	}
	if upd.StripeCustomerID != nil {
		add("stripe_customer_id", *upd.StripeCustomerID)
	}
	if upd.StripeSubscriptionID != nil {
		add("stripe_subscription_id", *upd.StripeSubscriptionID)
	}
	if upd.CurrentPeriodStart != nil {
		add("current_period_start", *upd.CurrentPeriodStart)
	}
	if upd.CurrentPeriodEnd != nil {
		add("current_period_end", *upd.CurrentPeriodEnd)
	}
	if upd.ClearCanceledAt {
		set = append(set, "canceled_at = NULL")
	} else if upd.CanceledAt != nil {
		add("canceled_at", *upd.CanceledAt)
	}
	if upd.AllowedSquads != nil {
		add("allowed_squads", upd.AllowedSquads)
	}
	if upd.SquadID != nil {
		add("squad_id", *upd.SquadID)
	}
	return set, args
}

func squadSetClauses(upd entitlement.SquadUpdate, argOffset int) ([]string, []any) {
	var set []string
	var args []any
	n := argOffset

	add := func(column string, value any) {
		set = append(set, fmt.Sprintf("%s = $%d", column, n))
		args = append(args, value)
		n++
	}

	if upd.Status != nil {
		add("status", string(*upd.Status))
	}
	if upd.Name != nil {
		add("name", *upd.Name)
	}
	if upd.CurrentPeriodStart != nil {
		add("current_period_start", *upd.CurrentPeriodStart)
	}
	if upd.CurrentPeriodEnd != nil {
		add("current_period_end", *upd.CurrentPeriodEnd)
	}
	if upd.ClearCanceledAt {
		set = append(set, "canceled_at = NULL")
	} else if upd.CanceledAt != nil {
		add("canceled_at", *upd.CanceledAt)
	}
	return set, args
}
