package trading

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ksred/klear-energy/internal/database"
	"github.com/ksred/klear-energy/internal/events"
	"github.com/ksred/klear-energy/internal/exposure"
	"github.com/ksred/klear-energy/internal/types"
)

const idempotencyTTL = 24 * time.Hour

// Service handles order submission and every order state transition
type Service struct {
	db       *Database
	limits   *exposure.Service
	emitter  *events.Emitter
	approval ApprovalPolicy
	now      func() time.Time
}

// Option configures a Service
type Option func(*Service)

// WithApprovalPolicy sets the policy deciding which submitted orders need sign-off
func WithApprovalPolicy(p ApprovalPolicy) Option {
	return func(s *Service) { s.approval = p }
}

// WithClock overrides the time source used for limit checks and timestamps
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a new trading service with the given database connection
func NewService(gormDB *gorm.DB, limits *exposure.Service, emitter *events.Emitter, opts ...Option) *Service {
	s := &Service{
		db:       NewDatabase(gormDB),
		limits:   limits,
		emitter:  emitter,
		approval: NoApproval,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) clock() time.Time {
	return s.now().UTC()
}

// CreateDraft stores a staged order. Drafts commit no exposure and take no lock.
func (s *Service) CreateDraft(ctx context.Context, input types.NewOrder) (*types.Order, error) {
	logger := log.With().
		Str("organization_id", input.OrganizationID).
		Str("product", input.ProductSymbol).
		Str("service", "trading").
		Logger()

	input, err := s.validate(input)
	if err != nil {
		return nil, err
	}

	product, err := s.db.GetProduct(s.db.DB().WithContext(ctx), input.ProductSymbol)
	if err != nil {
		return nil, types.Persistence("load product", err)
	}
	if product == nil {
		return nil, fmt.Errorf("%w: unknown product %s", types.ErrInvalidOrder, input.ProductSymbol)
	}

	order := s.newOrder(input, types.StatusDraft)
	if input.Unit == types.UnitMW {
		order.RequestedMW = input.Quantity
	}

	err = database.WithTransaction(ctx, s.db.DB(), func(tx *gorm.DB) error {
		if err := s.db.CreateOrder(tx, order); err != nil {
			return types.Persistence("create draft", err)
		}
		_, err := s.emitter.Record(ctx, tx, events.Record{
			Order:     order,
			EventType: types.EventDraftCreated,
			ActorID:   input.CreatedBy,
			ToStatus:  types.StatusDraft,
		})
		return err
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to create draft")
		return nil, err
	}

	logger.Info().Str("order_id", order.OrderID).Msg("draft created")
	return order, nil
}

// SubmitOrder accepts an order straight into SUBMITTED. The limit check runs once outside
// the lock to turn away obvious violations cheaply and again under the lock, where its
// answer is binding. When the approval policy asks for it, the order moves on to
// NEEDS_APPROVAL in the same transaction.
//
// A repeated IdempotencyKey within its lifetime returns the order created the first time.
func (s *Service) SubmitOrder(ctx context.Context, input types.NewOrder) (*types.Order, error) {
	logger := log.With().
		Str("organization_id", input.OrganizationID).
		Str("product", input.ProductSymbol).
		Str("service", "trading").
		Logger()

	input, err := s.validate(input)
	if err != nil {
		return nil, err
	}
	now := s.clock()

	if input.IdempotencyKey != "" {
		existing, err := s.idempotentOrder(s.db.DB().WithContext(ctx), input.OrganizationID, input.IdempotencyKey, now)
		if err != nil || existing != nil {
			return existing, err
		}
	}

	product, err := s.db.GetProduct(s.db.DB().WithContext(ctx), input.ProductSymbol)
	if err != nil {
		return nil, types.Persistence("load product", err)
	}
	if product == nil {
		return nil, types.NewLimitError(types.ErrProductNotAllowed,
			fmt.Sprintf("product %s is not known", input.ProductSymbol))
	}

	req := exposure.Request{
		OrganizationID: input.OrganizationID,
		Product:        product,
		Quantity:       input.Quantity,
		Unit:           input.Unit,
		AsOf:           now,
	}

	// Unlocked pre-check
	if _, err := s.limits.Evaluate(ctx, s.db.DB(), req); err != nil {
		return nil, err
	}

	var order *types.Order
	err = database.WithLock(ctx, s.db.DB(), input.OrganizationID, product.Profile, func(tx *gorm.DB) error {
		if input.IdempotencyKey != "" {
			existing, err := s.idempotentOrder(tx, input.OrganizationID, input.IdempotencyKey, now)
			if err != nil {
				return err
			}
			if existing != nil {
				order = existing
				return nil
			}
		}

		decision, err := s.limits.Evaluate(ctx, tx, req)
		if err != nil {
			return err
		}

		order = s.newOrder(input, types.StatusSubmitted)
		order.RequestedMW = decision.RequestedMW
		if err := s.db.CreateOrder(tx, order); err != nil {
			return types.Persistence("create order", err)
		}

		if _, err := s.emitter.Record(ctx, tx, events.Record{
			Order:     order,
			EventType: types.EventSubmitted,
			ActorID:   input.CreatedBy,
			ToStatus:  types.StatusSubmitted,
			Payload:   decision,
		}); err != nil {
			return err
		}

		if s.approval(order) {
			if err := s.requestApproval(ctx, tx, logger, order, product, input.CreatedBy); err != nil {
				return err
			}
		}

		if input.IdempotencyKey != "" {
			if err := s.db.SaveIdempotencyRecord(tx, &types.IdempotencyRecord{
				OrganizationID: input.OrganizationID,
				IdempotencyKey: input.IdempotencyKey,
				ResourceID:     order.OrderID,
				ResourceType:   "order",
				ExpiresAt:      now.Add(idempotencyTTL),
			}); err != nil {
				return types.Persistence("save idempotency record", err)
			}
		}
		return nil
	})
	if err != nil {
		s.logFailure(logger, err, "order submission failed")
		return nil, err
	}

	logger.Info().
		Str("order_id", order.OrderID).
		Str("status", order.Status).
		Str("requested_mw", order.RequestedMW.String()).
		Msg("order submitted")
	return order, nil
}

// FinalizeDraft moves a draft to SUBMITTED after a fresh limit check
func (s *Service) FinalizeDraft(ctx context.Context, orderID, actorID string) (*types.Order, error) {
	return s.transition(ctx, orderID, "finalize draft", func(tx *gorm.DB, logger zerolog.Logger, order *types.Order, product *types.Product) error {
		if err := s.guard(logger, order, types.StatusSubmitted); err != nil {
			return err
		}
		if !order.ValidUntil.After(s.clock()) {
			return fmt.Errorf("%w: validity deadline of order %s has passed", types.ErrInvalidOrder, order.OrderID)
		}

		decision, err := s.limits.Evaluate(ctx, tx, exposure.Request{
			OrganizationID: order.OrganizationID,
			Product:        product,
			Quantity:       order.Quantity,
			Unit:           order.Unit,
			AsOf:           s.clock(),
			ExcludeOrderID: order.OrderID,
		})
		if err != nil {
			return err
		}

		if err := s.apply(ctx, tx, logger, order, types.StatusSubmitted, map[string]interface{}{
			"requested_mw": decision.RequestedMW,
		}, events.Record{
			EventType: types.EventSubmitted,
			ActorID:   actorID,
			Payload:   decision,
		}); err != nil {
			return err
		}
		order.RequestedMW = decision.RequestedMW

		if s.approval(order) {
			return s.requestApproval(ctx, tx, logger, order, product, actorID)
		}
		return nil
	})
}

// RequestApproval moves a SUBMITTED order to NEEDS_APPROVAL
func (s *Service) RequestApproval(ctx context.Context, orderID, actorID string) (*types.Order, error) {
	return s.transition(ctx, orderID, "request approval", func(tx *gorm.DB, logger zerolog.Logger, order *types.Order, product *types.Product) error {
		return s.requestApproval(ctx, tx, logger, order, product, actorID)
	})
}

func (s *Service) requestApproval(ctx context.Context, tx *gorm.DB, logger zerolog.Logger, order *types.Order, product *types.Product, actorID string) error {
	if err := s.guard(logger, order, types.StatusNeedsApproval); err != nil {
		return err
	}
	decision, err := s.recheck(ctx, tx, order, product)
	if err != nil {
		return err
	}
	return s.apply(ctx, tx, logger, order, types.StatusNeedsApproval, nil, events.Record{
		EventType: types.EventApprovalRequested,
		ActorID:   actorID,
		Payload:   decision,
	})
}

// ApplyFill records an externally executed quantity against the order. A fill that
// completes the remaining quantity closes the order as FILLED.
func (s *Service) ApplyFill(ctx context.Context, orderID string, delta decimal.Decimal, actorID string) (*types.Order, error) {
	if !delta.IsPositive() {
		return nil, fmt.Errorf("%w: fill quantity must be positive", types.ErrInvalidFill)
	}
	if !types.FitsQuantityScale(delta) {
		return nil, fmt.Errorf("%w: fill quantity has more than %d decimal places", types.ErrInvalidFill, types.QuantityScale)
	}

	return s.transition(ctx, orderID, "apply fill", func(tx *gorm.DB, logger zerolog.Logger, order *types.Order, product *types.Product) error {
		if err := s.guard(logger, order, types.StatusPartiallyFilled); err != nil {
			return err
		}

		remaining := order.RemainingMW()
		if delta.GreaterThan(remaining) {
			return fmt.Errorf("%w: fill of %s MW exceeds the remaining %s MW",
				types.ErrInvalidFill, delta.String(), remaining.String())
		}

		if _, err := s.recheck(ctx, tx, order, product); err != nil {
			return err
		}

		to := types.StatusPartiallyFilled
		if delta.Equal(remaining) {
			to = types.StatusFilled
		}
		filled := order.FilledMW.Add(delta)

		if err := s.apply(ctx, tx, logger, order, to, map[string]interface{}{
			"filled_mw": filled,
		}, events.Record{
			EventType: types.EventFill,
			ActorID:   actorID,
			Payload: FillPayload{
				DeltaMW:     delta.String(),
				FilledMW:    filled.String(),
				RemainingMW: order.RequestedMW.Sub(filled).String(),
			},
		}); err != nil {
			return err
		}
		order.FilledMW = filled
		return nil
	})
}

// RejectOrder closes an order on the desk's request. An order that has executed quantity
// is closed as FILLED, keeping the executed part and discarding the remainder.
func (s *Service) RejectOrder(ctx context.Context, orderID, reason, actorID string) (*types.Order, error) {
	return s.transition(ctx, orderID, "reject order", func(tx *gorm.DB, logger zerolog.Logger, order *types.Order, product *types.Product) error {
		kill := KillRemainder(order)
		to := types.StatusRejected
		if kill {
			to = types.StatusFilled
		}
		if err := s.guard(logger, order, to); err != nil {
			return err
		}

		return s.apply(ctx, tx, logger, order, to, nil, events.Record{
			EventType: types.EventRejected,
			ActorID:   actorID,
			Payload: RejectPayload{
				Reason:          reason,
				KillRemainder:   kill,
				DiscardedMW:     order.RemainingMW().String(),
				ResultingStatus: to,
			},
		})
	})
}

// ExpireOrder expires an order whose validity deadline is before asOf. It reports false
// without error when the order is already terminal or not yet due.
func (s *Service) ExpireOrder(ctx context.Context, orderID string, asOf time.Time) (bool, error) {
	asOf = asOf.UTC()
	expired := false

	_, err := s.transition(ctx, orderID, "expire order", func(tx *gorm.DB, logger zerolog.Logger, order *types.Order, product *types.Product) error {
		if types.IsTerminal(order.Status) || !order.ValidUntil.Before(asOf) {
			return nil
		}
		if err := s.guard(logger, order, types.StatusExpired); err != nil {
			return err
		}

		if err := s.apply(ctx, tx, logger, order, types.StatusExpired, nil, events.Record{
			EventType: types.EventExpired,
			Payload: map[string]interface{}{
				"valid_until": order.ValidUntil.UTC(),
				"as_of":       asOf,
			},
		}); err != nil {
			return err
		}
		expired = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return expired, nil
}

// GetOrder retrieves an order by its ID
func (s *Service) GetOrder(ctx context.Context, orderID string) (*types.Order, error) {
	order, err := s.db.GetOrder(s.db.DB().WithContext(ctx), orderID)
	if err != nil {
		return nil, types.Persistence("load order", err)
	}
	if order == nil {
		return nil, types.ErrOrderNotFound
	}
	return order, nil
}

// GetOrderForOrganization retrieves an order only if it belongs to the organization
func (s *Service) GetOrderForOrganization(ctx context.Context, organizationID, orderID string) (*types.Order, error) {
	order, err := s.db.GetOrderByOrderIDAndOrganizationID(s.db.DB().WithContext(ctx), orderID, organizationID)
	if err != nil {
		return nil, types.Persistence("load order", err)
	}
	if order == nil {
		return nil, types.ErrOrderNotFound
	}
	return order, nil
}

// ListOrders lists an organization's orders, optionally restricted to some statuses
func (s *Service) ListOrders(ctx context.Context, organizationID string, statuses []string, limit int) ([]types.Order, error) {
	orders, err := s.db.ListOrders(s.db.DB().WithContext(ctx), organizationID, statuses, limit)
	if err != nil {
		return nil, types.Persistence("list orders", err)
	}
	return orders, nil
}

// transitionFunc performs one state change on the order as re-read under the lock
type transitionFunc func(tx *gorm.DB, logger zerolog.Logger, order *types.Order, product *types.Product) error

// transition runs fn in a transaction holding the order's exposure lock, on a copy of the
// order read inside that transaction. Any error rolls the whole transition back.
func (s *Service) transition(ctx context.Context, orderID, op string, fn transitionFunc) (*types.Order, error) {
	logger := log.With().
		Str("order_id", orderID).
		Str("operation", op).
		Str("service", "trading").
		Logger()

	observed, err := s.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	logger = logger.With().Str("organization_id", observed.OrganizationID).Logger()

	product, err := s.db.GetProduct(s.db.DB().WithContext(ctx), observed.ProductSymbol)
	if err != nil {
		return nil, types.Persistence("load product", err)
	}
	if product == nil {
		return nil, types.Persistence("load product", fmt.Errorf("product %s of order %s does not exist", observed.ProductSymbol, orderID))
	}

	var order *types.Order
	err = database.WithLock(ctx, s.db.DB(), observed.OrganizationID, product.Profile, func(tx *gorm.DB) error {
		current, err := s.db.GetOrder(tx, orderID)
		if err != nil {
			return types.Persistence("reload order", err)
		}
		if current == nil {
			return types.ErrOrderNotFound
		}
		order = current
		return fn(tx, logger, current, product)
	})
	if err != nil {
		s.logFailure(logger, err, op+" failed")
		return nil, err
	}
	return order, nil
}

// guard checks the transition table for the order's current status
func (s *Service) guard(logger zerolog.Logger, order *types.Order, to string) error {
	if types.CanTransition(order.Status, to) {
		return nil
	}
	logger.Error().
		Str("from_status", order.Status).
		Str("to_status", to).
		Msg("invalid order transition")
	return &types.TransitionError{OrderID: order.OrderID, From: order.Status, To: to}
}

// recheck re-runs the limit check for an order's full committed quantity, excluding the
// order itself from what is already committed
func (s *Service) recheck(ctx context.Context, tx *gorm.DB, order *types.Order, product *types.Product) (*exposure.Decision, error) {
	return s.limits.Evaluate(ctx, tx, exposure.Request{
		OrganizationID: order.OrganizationID,
		Product:        product,
		Quantity:       order.RequestedMW,
		Unit:           types.UnitMW,
		AsOf:           s.clock(),
		ExcludeOrderID: order.OrderID,
	})
}

// apply writes the new status and fields under a status guard and records the event.
// order is updated in place on success.
func (s *Service) apply(ctx context.Context, tx *gorm.DB, logger zerolog.Logger, order *types.Order, to string, updates map[string]interface{}, rec events.Record) error {
	from := order.Status
	now := s.clock()

	fields := map[string]interface{}{"status": to, "updated_at": now}
	for k, v := range updates {
		fields[k] = v
	}

	ok, err := s.db.UpdateOrderIfStatus(tx, order.OrderID, from, fields)
	if err != nil {
		return types.Persistence("update order", err)
	}
	if !ok {
		logger.Error().
			Str("from_status", from).
			Str("to_status", to).
			Msg("order changed concurrently")
		return &types.TransitionError{OrderID: order.OrderID, From: from, To: to}
	}

	order.Status = to
	order.UpdatedAt = now

	rec.Order = order
	rec.FromStatus = from
	rec.ToStatus = to
	if _, err := s.emitter.Record(ctx, tx, rec); err != nil {
		return err
	}

	logger.Info().
		Str("from_status", from).
		Str("to_status", to).
		Msg("order transitioned")
	return nil
}

func (s *Service) logFailure(logger zerolog.Logger, err error, msg string) {
	switch {
	case types.IsLimitError(err):
		// already logged by the evaluator
	case types.IsDomainError(err) && !types.IsPersistenceError(err):
		logger.Warn().Err(err).Msg(msg)
	default:
		logger.Error().Err(err).Msg(msg)
	}
}

func (s *Service) idempotentOrder(tx *gorm.DB, organizationID, key string, now time.Time) (*types.Order, error) {
	record, err := s.db.GetIdempotencyRecord(tx, organizationID, key, now)
	if err != nil {
		return nil, types.Persistence("load idempotency record", err)
	}
	if record == nil {
		return nil, nil
	}
	order, err := s.db.GetOrder(tx, record.ResourceID)
	if err != nil {
		return nil, types.Persistence("load order", err)
	}
	if order == nil {
		return nil, types.ErrOrderNotFound
	}
	return order, nil
}

func (s *Service) validate(input types.NewOrder) (types.NewOrder, error) {
	input.ProductSymbol = strings.TrimSpace(input.ProductSymbol)
	input.Side = strings.ToUpper(strings.TrimSpace(input.Side))
	input.Unit = strings.ToUpper(strings.TrimSpace(input.Unit))
	if input.Unit == "" {
		input.Unit = types.UnitMW
	}

	switch {
	case input.OrganizationID == "" || input.CreatedBy == "":
		return input, fmt.Errorf("%w: organization and creator are required", types.ErrInvalidOrder)
	case input.ProductSymbol == "":
		return input, fmt.Errorf("%w: product symbol is required", types.ErrInvalidOrder)
	case input.Side != types.SideBuy && input.Side != types.SideSell:
		return input, fmt.Errorf("%w: side must be BUY or SELL", types.ErrInvalidOrder)
	case input.Unit != types.UnitMW && input.Unit != types.UnitPercent:
		return input, fmt.Errorf("%w: unit must be MW or PERCENT", types.ErrInvalidQuantity)
	case !input.Quantity.IsPositive():
		return input, fmt.Errorf("%w: quantity must be positive", types.ErrInvalidQuantity)
	case !types.FitsQuantityScale(input.Quantity):
		return input, fmt.Errorf("%w: quantity has more than %d decimal places", types.ErrInvalidQuantity, types.QuantityScale)
	case input.LimitPrice.Valid && input.LimitPrice.Decimal.IsNegative():
		return input, fmt.Errorf("%w: limit price must not be negative", types.ErrInvalidOrder)
	case input.ValidUntil.IsZero() || !input.ValidUntil.After(s.clock()):
		return input, fmt.Errorf("%w: valid_until must be in the future", types.ErrInvalidOrder)
	}
	return input, nil
}

func (s *Service) newOrder(input types.NewOrder, status string) *types.Order {
	now := s.clock()
	id := uuid.New()
	return &types.Order{
		OrderID:        id.String(),
		OrderNumber:    OrderNumber(now, id),
		OrganizationID: input.OrganizationID,
		CreatedBy:      input.CreatedBy,
		ProductSymbol:  input.ProductSymbol,
		Side:           input.Side,
		Quantity:       input.Quantity,
		Unit:           input.Unit,
		LimitPrice:     input.LimitPrice,
		ValidUntil:     input.ValidUntil.UTC(),
		Status:         status,
		FilledMW:       decimal.Zero,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// OrderNumber renders the human readable order number, e.g. EO-20260115-1A2B3C4D
func OrderNumber(at time.Time, id uuid.UUID) string {
	return fmt.Sprintf("EO-%s-%s", at.UTC().Format("20060102"),
		strings.ToUpper(strings.ReplaceAll(id.String(), "-", "")[:8]))
}
