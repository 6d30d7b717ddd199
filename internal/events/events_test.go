package events

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/ksred/klear-energy/internal/auth"
	"github.com/ksred/klear-energy/internal/database"
	"github.com/ksred/klear-energy/internal/database/dbtest"
	"github.com/ksred/klear-energy/internal/types"
)

func setup(t *testing.T) (*Emitter, *gorm.DB, *types.Order) {
	t.Helper()
	h := dbtest.NewTestHelper(t)
	h.Seed(dbtest.BasicFixture("org1"))

	order := &types.Order{
		OrderID:        "order-1",
		OrganizationID: "org1",
		CreatedBy:      "org1-client",
		ProductSymbol:  "BASE_Y_26",
	}
	return NewEmitter(h.DB), h.DB, order
}

func record(t *testing.T, e *Emitter, db *gorm.DB, rec Record) *types.OrderEvent {
	t.Helper()
	var event *types.OrderEvent
	err := database.WithTransaction(context.Background(), db, func(tx *gorm.DB) error {
		var err error
		event, err = e.Record(context.Background(), tx, rec)
		return err
	})
	require.NoError(t, err)
	return event
}

func recipientsOf(t *testing.T, db *gorm.DB, eventID string) []string {
	t.Helper()
	var userIDs []string
	require.NoError(t, db.Model(&types.Notification{}).
		Where("event_id = ?", eventID).
		Order("user_id").
		Pluck("user_id", &userIDs).Error)
	return userIDs
}

func TestRecipientRoles(t *testing.T) {
	tests := []struct {
		eventType string
		want      []string
	}{
		{types.EventDraftCreated, nil},
		{types.EventSubmitted, []string{types.RoleApprover, types.RoleManager}},
		{types.EventApprovalRequested, []string{types.RoleApprover, types.RoleManager}},
		{types.EventFill, []string{types.RoleManager}},
		{types.EventRejected, []string{types.RoleManager}},
		{types.EventExpired, []string{types.RoleManager}},
	}

	for _, tt := range tests {
		t.Run(tt.eventType, func(t *testing.T) {
			assert.Equal(t, tt.want, RecipientRoles(tt.eventType))
		})
	}
}

func TestRecord_SubmittedNotifiesCreatorApproversAndManagers(t *testing.T) {
	e, db, order := setup(t)

	event := record(t, e, db, Record{
		Order:      order,
		EventType:  types.EventSubmitted,
		ActorID:    "org1-client",
		FromStatus: types.StatusDraft,
		ToStatus:   types.StatusSubmitted,
		Payload:    map[string]interface{}{"requested_mw": "50"},
	})

	require.NotNil(t, event.ActorID)
	assert.Equal(t, "org1-client", *event.ActorID)
	assert.JSONEq(t, `{"requested_mw":"50"}`, string(event.Payload))
	assert.Equal(t, []string{"org1-approver", "org1-client", "org1-manager"}, recipientsOf(t, db, event.EventID))
}

func TestRecord_ActingApproverIsNotNotified(t *testing.T) {
	e, db, order := setup(t)

	event := record(t, e, db, Record{
		Order:      order,
		EventType:  types.EventApprovalRequested,
		ActorID:    "org1-approver",
		FromStatus: types.StatusSubmitted,
		ToStatus:   types.StatusNeedsApproval,
	})

	assert.Equal(t, []string{"org1-client", "org1-manager"}, recipientsOf(t, db, event.EventID))
}

func TestRecord_FillNotifiesCreatorAndManagers(t *testing.T) {
	e, db, order := setup(t)

	event := record(t, e, db, Record{
		Order:      order,
		EventType:  types.EventFill,
		ActorID:    "org1-trader",
		FromStatus: types.StatusSubmitted,
		ToStatus:   types.StatusPartiallyFilled,
	})

	assert.Equal(t, []string{"org1-client", "org1-manager"}, recipientsOf(t, db, event.EventID))
}

func TestRecord_DraftCreatedNotifiesOnlyCreator(t *testing.T) {
	e, db, order := setup(t)

	event := record(t, e, db, Record{
		Order:     order,
		EventType: types.EventDraftCreated,
		ActorID:   "org1-client",
		ToStatus:  types.StatusDraft,
	})

	assert.Equal(t, []string{"org1-client"}, recipientsOf(t, db, event.EventID))
	assert.JSONEq(t, `{}`, string(event.Payload))
}

func TestRecord_SystemEventHasNoActor(t *testing.T) {
	e, db, order := setup(t)

	event := record(t, e, db, Record{
		Order:      order,
		EventType:  types.EventExpired,
		FromStatus: types.StatusSubmitted,
		ToStatus:   types.StatusExpired,
	})

	assert.Nil(t, event.ActorID)
	assert.Equal(t, []string{"org1-client", "org1-manager"}, recipientsOf(t, db, event.EventID))
}

func TestRecord_RolledBackWithTransaction(t *testing.T) {
	e, db, order := setup(t)
	boom := errors.New("boom")

	err := database.WithTransaction(context.Background(), db, func(tx *gorm.DB) error {
		if _, err := e.Record(context.Background(), tx, Record{
			Order:     order,
			EventType: types.EventRejected,
			ActorID:   "org1-trader",
		}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	var events, notifications int64
	require.NoError(t, db.Model(&types.OrderEvent{}).Count(&events).Error)
	require.NoError(t, db.Model(&types.Notification{}).Count(&notifications).Error)
	assert.Zero(t, events)
	assert.Zero(t, notifications)
}

func TestDatabase_ReadsRunOnGivenTransaction(t *testing.T) {
	e, db, order := setup(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := database.WithTransaction(ctx, db, func(tx *gorm.DB) error {
		if _, err := e.Record(ctx, tx, Record{Order: order, EventType: types.EventFill, ActorID: "org1-trader"}); err != nil {
			return err
		}

		unread, err := e.db.CountUnread(tx, "org1-client")
		require.NoError(t, err)
		assert.Equal(t, int64(1), unread)

		evts, err := e.db.GetEvents(tx, order.OrderID)
		require.NoError(t, err)
		assert.Len(t, evts, 1)
		return boom
	})
	require.ErrorIs(t, err, boom)

	unread, err := e.db.CountUnread(db, "org1-client")
	require.NoError(t, err)
	assert.Zero(t, unread)
}

func TestNotificationReadState(t *testing.T) {
	e, db, order := setup(t)
	ctx := context.Background()

	record(t, e, db, Record{Order: order, EventType: types.EventFill, ActorID: "org1-trader"})
	record(t, e, db, Record{Order: order, EventType: types.EventRejected, ActorID: "org1-trader"})

	count, err := e.UnreadCount(ctx, "org1-client")
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	list, err := e.ListNotifications(ctx, "org1-client", true, 0)
	require.NoError(t, err)
	require.Len(t, list, 2)

	require.NoError(t, e.MarkRead(ctx, "org1-client", list[0].NotificationID))
	// marking twice is a no-op
	require.NoError(t, e.MarkRead(ctx, "org1-client", list[0].NotificationID))

	count, err = e.UnreadCount(ctx, "org1-client")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	err = e.MarkRead(ctx, "org1-manager", list[1].NotificationID)
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)

	n, err := e.MarkAllRead(ctx, "org1-client")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	count, err = e.UnreadCount(ctx, "org1-client")
	require.NoError(t, err)
	assert.Zero(t, count)

	managerCount, err := e.UnreadCount(ctx, "org1-manager")
	require.NoError(t, err)
	assert.Equal(t, int64(2), managerCount)
}

func TestListEvents_Ordered(t *testing.T) {
	e, db, order := setup(t)

	record(t, e, db, Record{Order: order, EventType: types.EventSubmitted, ToStatus: types.StatusSubmitted})
	record(t, e, db, Record{Order: order, EventType: types.EventFill, ToStatus: types.StatusFilled})

	events, err := e.ListEvents(context.Background(), order.OrderID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, types.EventSubmitted, events[0].EventType)
	assert.Equal(t, types.EventFill, events[1].EventType)
}

func TestUnreadCountHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	e, db, order := setup(t)
	record(t, e, db, Record{Order: order, EventType: types.EventFill, ActorID: "org1-trader"})

	handlers := NewGinHandlers(e, nil)
	router := gin.New()
	router.GET("/notifications/unread-count", func(c *gin.Context) {
		auth.SetIdentity(c, auth.Identity{UserID: "org1-client", OrganizationID: "org1", Role: types.RoleClient})
		c.Next()
	}, handlers.UnreadCountHandler())

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/notifications/unread-count", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Success bool                      `json:"success"`
		Data    types.UnreadCountResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.True(t, body.Success)
	assert.Equal(t, int64(1), body.Data.Unread)
}
