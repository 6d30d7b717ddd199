package expiry

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/pool"
	"gorm.io/gorm"

	"github.com/ksred/klear-energy/internal/auth"
	"github.com/ksred/klear-energy/internal/types"
	"github.com/ksred/klear-energy/pkg/response"
)

// Expirer applies the expiry transition to a single order
type Expirer interface {
	ExpireOrder(ctx context.Context, orderID string, asOf time.Time) (bool, error)
}

// Sweeper expires orders whose validity deadline has passed
type Sweeper struct {
	db      *Database
	orders  Expirer
	workers int
}

// NewSweeper creates a sweeper. workers bounds how many organizations SweepAll works on at once.
func NewSweeper(gormDB *gorm.DB, orders Expirer, workers int) *Sweeper {
	if workers < 1 {
		workers = 1
	}
	return &Sweeper{
		db:      NewDatabase(gormDB),
		orders:  orders,
		workers: workers,
	}
}

// Sweep expires the organization's open orders that were due before asOf and returns how many
// it expired. Every order is expired in its own transaction; a failing order is logged and
// skipped. Orders that are already terminal are skipped silently, so repeated sweeps are safe.
func (s *Sweeper) Sweep(ctx context.Context, organizationID string, asOf time.Time) (int, error) {
	logger := log.With().
		Str("organization_id", organizationID).
		Str("component", "expiry_sweeper").
		Logger()

	ids, err := s.db.GetExpiryCandidates(s.db.DB().WithContext(ctx), organizationID, asOf)
	if err != nil {
		logger.Error().Err(err).Msg("failed to list expiry candidates")
		return 0, types.Persistence("list expiry candidates", err)
	}

	expired := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return expired, err
		}

		ok, err := s.orders.ExpireOrder(ctx, id, asOf)
		if err != nil {
			logger.Error().Err(err).Str("order_id", id).Msg("failed to expire order")
			continue
		}
		if ok {
			expired++
		}
	}

	if len(ids) > 0 {
		logger.Info().
			Int("candidates", len(ids)).
			Int("expired", expired).
			Msg("expiry sweep finished")
	}
	return expired, nil
}

// SweepAll sweeps every organization with due orders, several organizations at a time
func (s *Sweeper) SweepAll(ctx context.Context, asOf time.Time) (int, error) {
	orgs, err := s.db.GetOrganizationsWithCandidates(s.db.DB().WithContext(ctx), asOf)
	if err != nil {
		return 0, types.Persistence("list organizations to sweep", err)
	}

	p := pool.NewWithResults[int]().WithContext(ctx).WithMaxGoroutines(s.workers)
	for _, org := range orgs {
		org := org
		p.Go(func(ctx context.Context) (int, error) {
			return s.Sweep(ctx, org, asOf)
		})
	}

	counts, err := p.Wait()
	total := 0
	for _, n := range counts {
		total += n
	}
	return total, err
}

// GinHandlers contains HTTP handlers for expiry endpoints
type GinHandlers struct {
	sweeper *Sweeper
}

// NewGinHandlers creates a new set of HTTP handlers for expiry endpoints
func NewGinHandlers(sweeper *Sweeper) *GinHandlers {
	return &GinHandlers{
		sweeper: sweeper,
	}
}

// SweepOrganizationHandler handles POST requests sweeping the caller's organization. The
// portal calls it when a dashboard loads.
func (h *GinHandlers) SweepOrganizationHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, ok := auth.IdentityFromContext(c)
		if !ok {
			response.Unauthorized(c, "Missing authentication claims")
			return
		}

		asOf := time.Now().UTC()
		n, err := h.sweeper.Sweep(c.Request.Context(), identity.OrganizationID, asOf)
		response.Handle(c, &types.SweepResponse{OrganizationID: identity.OrganizationID, Expired: n, AsOf: asOf}, err)
	}
}

// SweepAllHandler handles POST requests sweeping every organization
// Requires the desk role
func (h *GinHandlers) SweepAllHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		asOf := time.Now().UTC()
		n, err := h.sweeper.SweepAll(c.Request.Context(), asOf)
		response.Handle(c, &types.SweepResponse{Expired: n, AsOf: asOf}, err)
	}
}
