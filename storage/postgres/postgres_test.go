package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chartvoice/chartbill/pkg/entitlement"
)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewWithDB(mock), mock
}

func userRow(userID string) *pgxmock.Rows {
	now := time.Now()
	return pgxmock.NewRows([]string{
		"user_id", "status", "stripe_customer_id", "stripe_subscription_id",
		"current_period_start", "current_period_end", "canceled_at",
		"allowed_squads", "squad_id", "updated_at",
	}).AddRow(userID, entitlement.StatusActive, strPtr("cus_1"), strPtr("sub_1"),
		&now, &now, nil, []string{entitlement.AllSquads}, nil, now)
}

func TestGetUserSubscription(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectQuery(`SELECT (.+) FROM user_subscriptions WHERE user_id = \$1`).
		WithArgs("user_1").
		WillReturnRows(userRow("user_1"))

	sub, err := store.GetUserSubscription(ctx, "user_1")
	require.NoError(t, err)
	assert.Equal(t, "user_1", sub.UserID)
	assert.Equal(t, entitlement.StatusActive, sub.Status)
	assert.Equal(t, "cus_1", sub.StripeCustomerID)
	assert.Equal(t, []string{entitlement.AllSquads}, sub.AllowedSquads)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetUserSubscription_NotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT (.+) FROM user_subscriptions WHERE user_id = \$1`).
		WithArgs("user_missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := store.GetUserSubscription(context.Background(), "user_missing")
	assert.ErrorIs(t, err, entitlement.ErrUserNotFound)
}

func TestUpdateUserBySubscription_PartialUpdate(t *testing.T) {
	store, mock := newMockStore(t)

	canceled := entitlement.StatusCanceled
	canceledAt := time.Now().UTC()

	// Only status and canceled_at appear in the SET clause.
	mock.ExpectExec(`UPDATE user_subscriptions SET status = \$2, canceled_at = \$3, updated_at = NOW\(\) WHERE stripe_subscription_id = \$1`).
		WithArgs("sub_1", string(canceled), canceledAt).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := store.UpdateUserBySubscription(context.Background(), "sub_1",
		entitlement.UserUpdate{Status: &canceled, CanceledAt: &canceledAt})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateUserBySubscription_ClearCanceledAt(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE user_subscriptions SET canceled_at = NULL, updated_at = NOW\(\) WHERE stripe_subscription_id = \$1`).
		WithArgs("sub_1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := store.UpdateUserBySubscription(context.Background(), "sub_1",
		entitlement.UserUpdate{ClearCanceledAt: true})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateUserBySubscription_NoMatch(t *testing.T) {
	store, mock := newMockStore(t)

	active := entitlement.StatusActive
	mock.ExpectExec(`UPDATE user_subscriptions SET`).
		WithArgs("sub_missing", string(active)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := store.UpdateUserBySubscription(context.Background(), "sub_missing",
		entitlement.UserUpdate{Status: &active})
	assert.ErrorIs(t, err, entitlement.ErrUserNotFound)
}

func TestUpdateUser_EmptyUpdateIsNoop(t *testing.T) {
	store, mock := newMockStore(t)

	// No expectations registered: any statement would fail the test.
	err := store.UpdateUserBySubscription(context.Background(), "sub_1", entitlement.UserUpdate{})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateSquad_UniqueViolations(t *testing.T) {
	cases := []struct {
		name       string
		constraint string
		want       error
	}{
		{"code collision", "squads_squad_code_key", entitlement.ErrSquadCodeTaken},
		{"subscription exists", "squads_stripe_subscription_id_key", entitlement.ErrSquadExists},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store, mock := newMockStore(t)

			mock.ExpectQuery(`INSERT INTO squads`).
				WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: tc.constraint})

			err := store.CreateSquad(context.Background(), &entitlement.Squad{
				SquadCode:            "SQ-AAAAAA",
				AdminUserID:          "admin_1",
				StripeSubscriptionID: "sub_1",
				Status:               entitlement.StatusActive,
			})
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestCreateSquad_AssignsID(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`INSERT INTO squads`).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("squad_uuid_1"))

	squad := &entitlement.Squad{
		SquadCode:            "SQ-AAAAAA",
		AdminUserID:          "admin_1",
		StripeSubscriptionID: "sub_1",
		Status:               entitlement.StatusActive,
	}
	require.NoError(t, store.CreateSquad(context.Background(), squad))
	assert.Equal(t, "squad_uuid_1", squad.ID)
}

func TestCascadeSquadStatus(t *testing.T) {
	store, mock := newMockStore(t)

	canceled := entitlement.StatusCanceled
	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE squads SET status = \$2, updated_at = NOW\(\) WHERE stripe_subscription_id = \$1 RETURNING id`).
		WithArgs("sub_1", string(canceled)).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("squad_uuid_1"))
	mock.ExpectExec(`UPDATE user_subscriptions SET status = \$2, updated_at = NOW\(\) WHERE squad_id = \$1`).
		WithArgs("squad_uuid_1", string(entitlement.StatusCanceled)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 3))
	mock.ExpectCommit()

	err := store.CascadeSquadStatus(context.Background(), "sub_1",
		entitlement.SquadUpdate{Status: &canceled}, entitlement.StatusCanceled)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCascadeSquadStatus_SquadNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	canceled := entitlement.StatusCanceled
	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE squads SET`).
		WithArgs("sub_missing", string(canceled)).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()

	err := store.CascadeSquadStatus(context.Background(), "sub_missing",
		entitlement.SquadUpdate{Status: &canceled}, entitlement.StatusCanceled)
	assert.ErrorIs(t, err, entitlement.ErrSquadNotFound)
}

func TestMarkInviteAccepted_AlreadyAccepted(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE squad_invites`).
		WithArgs("inv_1", "member_1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("inv_1").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	// Re-acceptance is a no-op, not an error.
	require.NoError(t, store.MarkInviteAccepted(context.Background(), "inv_1", "member_1"))
}

func TestMarkInviteAccepted_NotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE squad_invites`).
		WithArgs("inv_missing", "member_1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("inv_missing").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))

	err := store.MarkInviteAccepted(context.Background(), "inv_missing", "member_1")
	assert.ErrorIs(t, err, entitlement.ErrInviteNotFound)
}

func TestListSubscriptionIDs(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT stripe_subscription_id FROM squads`).
		WillReturnRows(pgxmock.NewRows([]string{"stripe_subscription_id"}).
			AddRow("sub_squad").
			AddRow("sub_solo"))

	ids, err := store.ListSubscriptionIDs(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"sub_squad", "sub_solo"}, ids)
}

func strPtr(s string) *string {
	return &s
}
