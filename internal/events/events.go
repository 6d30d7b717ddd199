package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/ksred/klear-energy/internal/auth"
	"github.com/ksred/klear-energy/internal/types"
	"github.com/ksred/klear-energy/pkg/response"
)

const defaultNotificationLimit = 50

// Record describes one order transition to be written to the audit trail
type Record struct {
	Order      *types.Order
	EventType  string
	ActorID    string // empty for system actions
	FromStatus string
	ToStatus   string
	Payload    interface{} // encoded as JSON, nil for an empty object
}

// Emitter writes order events and fans them out as notifications
type Emitter struct {
	db *Database
}

// NewEmitter creates a new emitter with the given database connection
func NewEmitter(gormDB *gorm.DB) *Emitter {
	return &Emitter{
		db: NewDatabase(gormDB),
	}
}

// Record appends the event and one notification per recipient on tx. It must be called
// inside the transaction that performs the transition so that both commit or neither does.
func (e *Emitter) Record(ctx context.Context, tx *gorm.DB, rec Record) (*types.OrderEvent, error) {
	tx = tx.WithContext(ctx)

	payload := datatypes.JSON([]byte("{}"))
	if rec.Payload != nil {
		b, err := json.Marshal(rec.Payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode event payload: %w", err)
		}
		payload = datatypes.JSON(b)
	}

	now := time.Now().UTC()
	event := &types.OrderEvent{
		EventID:    uuid.New().String(),
		OrderID:    rec.Order.OrderID,
		EventType:  rec.EventType,
		FromStatus: rec.FromStatus,
		ToStatus:   rec.ToStatus,
		Payload:    payload,
		CreatedAt:  now,
	}
	if rec.ActorID != "" {
		actor := rec.ActorID
		event.ActorID = &actor
	}

	if err := e.db.CreateEvent(tx, event); err != nil {
		return nil, types.Persistence("write order event", err)
	}

	recipients, err := e.Recipients(ctx, tx, rec.Order, rec.EventType, rec.ActorID)
	if err != nil {
		return nil, types.Persistence("resolve notification recipients", err)
	}

	notifications := make([]types.Notification, 0, len(recipients))
	for _, userID := range recipients {
		notifications = append(notifications, types.Notification{
			NotificationID: uuid.New().String(),
			EventID:        event.EventID,
			OrderID:        rec.Order.OrderID,
			UserID:         userID,
			EventType:      rec.EventType,
			CreatedAt:      now,
		})
	}
	if err := e.db.CreateNotifications(tx, notifications); err != nil {
		return nil, types.Persistence("write notifications", err)
	}

	log.Debug().
		Str("order_id", rec.Order.OrderID).
		Str("event_type", rec.EventType).
		Int("recipients", len(notifications)).
		Msg("order event recorded")

	return event, nil
}

// Recipients returns who is notified about an event: always the order creator, plus the
// organization's approvers for submissions and approval requests and its managers for
// everything past the draft stage. An approver or manager acting on the order is not
// notified about their own action.
func (e *Emitter) Recipients(ctx context.Context, tx *gorm.DB, order *types.Order, eventType, actorID string) ([]string, error) {
	users, err := e.db.GetUsersByRole(tx.WithContext(ctx), order.OrganizationID, RecipientRoles(eventType))
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(users)+1)
	recipients := make([]string, 0, len(users)+1)
	if order.CreatedBy != "" {
		seen[order.CreatedBy] = true
		recipients = append(recipients, order.CreatedBy)
	}
	for _, u := range users {
		if u.UserID == actorID || seen[u.UserID] {
			continue
		}
		seen[u.UserID] = true
		recipients = append(recipients, u.UserID)
	}
	return recipients, nil
}

// RecipientRoles lists the organization roles notified for an event type on top of the
// order creator
func RecipientRoles(eventType string) []string {
	var roles []string
	switch eventType {
	case types.EventSubmitted, types.EventApprovalRequested:
		roles = append(roles, types.RoleApprover)
	}
	if eventType != types.EventDraftCreated {
		roles = append(roles, types.RoleManager)
	}
	return roles
}

// ListEvents returns the audit trail of an order
func (e *Emitter) ListEvents(ctx context.Context, orderID string) ([]types.OrderEvent, error) {
	events, err := e.db.GetEvents(e.db.DB().WithContext(ctx), orderID)
	if err != nil {
		return nil, types.Persistence("list order events", err)
	}
	return events, nil
}

func (e *Emitter) ListNotifications(ctx context.Context, userID string, unreadOnly bool, limit int) ([]types.Notification, error) {
	if limit <= 0 {
		limit = defaultNotificationLimit
	}
	notifications, err := e.db.GetNotifications(e.db.DB().WithContext(ctx), userID, unreadOnly, limit)
	if err != nil {
		return nil, types.Persistence("list notifications", err)
	}
	return notifications, nil
}

func (e *Emitter) UnreadCount(ctx context.Context, userID string) (int64, error) {
	count, err := e.db.CountUnread(e.db.DB().WithContext(ctx), userID)
	if err != nil {
		return 0, types.Persistence("count unread notifications", err)
	}
	return count, nil
}

// MarkRead marks one of the user's notifications as read. Marking an already read
// notification is a no-op.
func (e *Emitter) MarkRead(ctx context.Context, userID, notificationID string) error {
	found, err := e.db.MarkRead(e.db.DB().WithContext(ctx), userID, notificationID, time.Now().UTC())
	if err != nil {
		return types.Persistence("mark notification read", err)
	}
	if !found {
		return fmt.Errorf("notification %s: %w", notificationID, gorm.ErrRecordNotFound)
	}
	return nil
}

// MarkAllRead marks every unread notification of the user as read and returns how many changed
func (e *Emitter) MarkAllRead(ctx context.Context, userID string) (int64, error) {
	n, err := e.db.MarkAllRead(e.db.DB().WithContext(ctx), userID, time.Now().UTC())
	if err != nil {
		return 0, types.Persistence("mark notifications read", err)
	}
	return n, nil
}

// OrderLookup resolves an order visible to an organization
type OrderLookup func(ctx context.Context, organizationID, orderID string) (*types.Order, error)

// GinHandlers contains HTTP handlers for events and notifications
type GinHandlers struct {
	emitter *Emitter
	orders  OrderLookup
}

// NewGinHandlers creates a new set of HTTP handlers. orders scopes the audit trail endpoint
// to the caller's organization.
func NewGinHandlers(emitter *Emitter, orders OrderLookup) *GinHandlers {
	return &GinHandlers{
		emitter: emitter,
		orders:  orders,
	}
}

// ListOrderEventsHandler handles GET requests for an order's audit trail
// URL parameter: id
func (h *GinHandlers) ListOrderEventsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, ok := auth.IdentityFromContext(c)
		if !ok {
			response.Unauthorized(c, "Missing authentication claims")
			return
		}

		order, err := h.orders(c.Request.Context(), identity.OrganizationID, c.Param("id"))
		if err != nil {
			response.Handle(c, nil, err)
			return
		}

		events, err := h.emitter.ListEvents(c.Request.Context(), order.OrderID)
		response.Handle(c, events, err)
	}
}

// ListNotificationsHandler handles GET requests for the caller's notifications
// Query parameters: unread (bool), limit (int)
func (h *GinHandlers) ListNotificationsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, ok := auth.IdentityFromContext(c)
		if !ok {
			response.Unauthorized(c, "Missing authentication claims")
			return
		}

		unreadOnly := c.Query("unread") == "true"
		limit := 0
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				response.BadRequest(c, "limit must be a non-negative integer")
				return
			}
			limit = n
		}

		notifications, err := h.emitter.ListNotifications(c.Request.Context(), identity.UserID, unreadOnly, limit)
		response.Handle(c, notifications, err)
	}
}

func (h *GinHandlers) UnreadCountHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, ok := auth.IdentityFromContext(c)
		if !ok {
			response.Unauthorized(c, "Missing authentication claims")
			return
		}

		count, err := h.emitter.UnreadCount(c.Request.Context(), identity.UserID)
		response.Handle(c, &types.UnreadCountResponse{UserID: identity.UserID, Unread: count}, err)
	}
}

func (h *GinHandlers) MarkReadHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, ok := auth.IdentityFromContext(c)
		if !ok {
			response.Unauthorized(c, "Missing authentication claims")
			return
		}

		err := h.emitter.MarkRead(c.Request.Context(), identity.UserID, c.Param("id"))
		response.Handle(c, gin.H{"notification_id": c.Param("id"), "is_read": true}, err)
	}
}

func (h *GinHandlers) MarkAllReadHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, ok := auth.IdentityFromContext(c)
		if !ok {
			response.Unauthorized(c, "Missing authentication claims")
			return
		}

		n, err := h.emitter.MarkAllRead(c.Request.Context(), identity.UserID)
		response.Handle(c, gin.H{"marked": n}, err)
	}
}
