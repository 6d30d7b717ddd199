package exposure

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ksred/klear-energy/internal/auth"
	"github.com/ksred/klear-energy/internal/types"
	"github.com/ksred/klear-energy/pkg/response"
)

var hundred = decimal.NewFromInt(100)

// Request is an order quantity to be checked against an organization's contracts
type Request struct {
	OrganizationID string
	Product        *types.Product
	Quantity       decimal.Decimal
	Unit           string
	AsOf           time.Time
	// ExcludeOrderID leaves an already committed order out of the bucket sum, so that
	// re-checking an existing order does not count it twice
	ExcludeOrderID string
}

// Decision is the outcome of a limit evaluation
type Decision struct {
	Allowed     bool                `json:"allowed"`
	Code        string              `json:"code,omitempty"`
	Reason      string              `json:"reason,omitempty"`
	Bucket      string              `json:"bucket"`
	RequestedMW decimal.Decimal     `json:"requested_mw"`
	Committed   decimal.Decimal     `json:"committed_mw"`
	Limit       decimal.NullDecimal `json:"limit_mw"`
}

// Service evaluates limits and reports exposure. It never writes.
type Service struct {
	db *Database
}

// NewService creates a new exposure service with the given database connection
func NewService(gormDB *gorm.DB) *Service {
	return &Service{
		db: NewDatabase(gormDB),
	}
}

// Evaluate decides whether the request fits the organization's contracts as of req.AsOf.
// The reads run on tx; callers performing a transition pass their locked transaction so the
// decision reflects every committed competitor. A limit violation is returned as a
// *types.LimitError together with the decision that produced it.
func (s *Service) Evaluate(ctx context.Context, tx *gorm.DB, req Request) (*Decision, error) {
	tx = tx.WithContext(ctx)
	asOf := req.AsOf.UTC()
	product := req.Product

	logger := log.With().
		Str("organization_id", req.OrganizationID).
		Str("product", product.Symbol).
		Str("service", "exposure").
		Logger()

	decision := &Decision{Bucket: product.Bucket()}

	if !req.Quantity.IsPositive() {
		return decision, fmt.Errorf("%w: quantity must be positive", types.ErrInvalidQuantity)
	}
	if !types.FitsQuantityScale(req.Quantity) {
		return decision, fmt.Errorf("%w: quantity has more than %d decimal places",
			types.ErrInvalidQuantity, types.QuantityScale)
	}
	unit := req.Unit
	if unit == "" {
		unit = types.UnitMW
	}
	if unit != types.UnitMW && unit != types.UnitPercent {
		return decision, fmt.Errorf("%w: unknown unit %q", types.ErrInvalidQuantity, req.Unit)
	}
	if unit == types.UnitPercent && req.Quantity.GreaterThan(hundred) {
		return decision, fmt.Errorf("%w: percentage above 100", types.ErrInvalidQuantity)
	}

	contracts, err := s.db.GetContractsInForce(tx, req.OrganizationID, asOf)
	if err != nil {
		logger.Error().Err(err).Msg("failed to load contracts")
		return decision, types.Persistence("load contracts", err)
	}

	listing := make([]types.Contract, 0, len(contracts))
	for _, c := range contracts {
		if c.Allows(product.Symbol) {
			listing = append(listing, c)
		}
	}
	if len(listing) == 0 {
		return s.deny(logger, decision, types.ErrProductNotAllowed,
			fmt.Sprintf("product %s is not covered by any active contract", product.Symbol))
	}

	decision.Limit = YearlyCap(listing, decision.Bucket)

	requestedMW := req.Quantity
	if unit == types.UnitPercent {
		if !decision.Limit.Valid {
			return decision, fmt.Errorf("%w: percentage orders need a yearly limit for %s",
				types.ErrInvalidQuantity, decision.Bucket)
		}
		requestedMW = req.Quantity.Mul(decision.Limit.Decimal).Div(hundred).Round(types.QuantityScale)
		if !requestedMW.IsPositive() {
			return decision, fmt.Errorf("%w: %s%% of %s MW rounds to zero",
				types.ErrInvalidQuantity, req.Quantity.String(), decision.Limit.Decimal.String())
		}
	}
	decision.RequestedMW = requestedMW

	for _, c := range listing {
		if c.MaxOrderMW.Valid && requestedMW.GreaterThan(c.MaxOrderMW.Decimal) {
			return s.deny(logger, decision, types.ErrOrderTooLarge,
				fmt.Sprintf("order of %s MW exceeds the per-order maximum of %s MW",
					requestedMW.String(), c.MaxOrderMW.Decimal.String()))
		}
	}

	committed, err := s.Committed(ctx, tx, req.OrganizationID, product.Profile, product.DeliveryYear(), req.ExcludeOrderID)
	if err != nil {
		logger.Error().Err(err).Msg("failed to compute committed exposure")
		return decision, types.Persistence("compute committed exposure", err)
	}
	decision.Committed = committed

	if decision.Limit.Valid && committed.Add(requestedMW).GreaterThan(decision.Limit.Decimal) {
		return s.deny(logger, decision, types.ErrYearlyLimitExceeded,
			fmt.Sprintf("order of %s MW would bring %s to %s MW, above the yearly limit of %s MW",
				requestedMW.String(), decision.Bucket, committed.Add(requestedMW).String(),
				decision.Limit.Decimal.String()))
	}

	decision.Allowed = true
	logger.Debug().
		Str("bucket", decision.Bucket).
		Str("requested_mw", requestedMW.String()).
		Str("committed_mw", committed.String()).
		Msg("limit check passed")

	return decision, nil
}

func (s *Service) deny(logger zerolog.Logger, decision *Decision, sentinel error, reason string) (*Decision, error) {
	limitErr := types.NewLimitError(sentinel, reason)
	decision.Allowed = false
	decision.Code = limitErr.Code
	decision.Reason = reason

	// Expected, user-correctable outcome: not an error in the logs
	logger.Info().
		Str("code", limitErr.Code).
		Str("reason", reason).
		Msg("order outside limits")

	return decision, limitErr
}

// YearlyCap returns the strictest yearly cap any of the contracts sets for bucket.
func YearlyCap(contracts []types.Contract, bucket string) decimal.NullDecimal {
	var limit decimal.NullDecimal
	for _, c := range contracts {
		for key, v := range c.YearlyLimits {
			if key != bucket {
				if canonical, err := types.CanonicalBucket(key); err != nil || canonical != bucket {
					continue
				}
			}
			if !limit.Valid || v.LessThan(limit.Decimal) {
				limit = decimal.NewNullDecimal(v)
			}
		}
	}
	return limit
}

// Committed sums the exposure an organization holds in one profile and delivery year.
// Open orders count with their requested quantity; filled and expired orders count with
// what was actually filled, so a kill-remainder close or an expiry releases only the
// unexecuted part.
func (s *Service) Committed(ctx context.Context, tx *gorm.DB, organizationID, profile string, year int, excludeOrderID string) (decimal.Decimal, error) {
	rows, err := s.db.GetCommittedRows(tx.WithContext(ctx), organizationID, profile, year, excludeOrderID)
	if err != nil {
		return decimal.Zero, err
	}
	return sumCommitted(rows), nil
}

func sumCommitted(rows []committedRow) decimal.Decimal {
	total := decimal.Zero
	for _, r := range rows {
		if types.CountsFilledOnly(r.Status) {
			total = total.Add(r.FilledMW)
		} else {
			total = total.Add(r.RequestedMW)
		}
	}
	return total
}

// Snapshot reports committed exposure against every yearly cap of the organization's
// contracts in force. It takes no lock and may trail in-flight transitions.
func (s *Service) Snapshot(ctx context.Context, organizationID string, asOf time.Time) (*types.ExposureResponse, error) {
	tx := s.db.DB().WithContext(ctx)

	contracts, err := s.db.GetContractsInForce(tx, organizationID, asOf)
	if err != nil {
		return nil, types.Persistence("load contracts", err)
	}

	buckets := make(map[string]struct{})
	for _, c := range contracts {
		for b := range c.YearlyLimits {
			canonical, err := types.CanonicalBucket(b)
			if err != nil {
				log.Warn().Str("organization_id", organizationID).Str("contract_id", c.ContractID).Str("bucket", b).Msg("skipping malformed yearly limit key")
				continue
			}
			buckets[canonical] = struct{}{}
		}
	}

	keys := make([]string, 0, len(buckets))
	for b := range buckets {
		keys = append(keys, b)
	}
	sort.Strings(keys)

	resp := &types.ExposureResponse{
		OrganizationID: organizationID,
		AsOf:           asOf.UTC(),
		Buckets:        make([]types.ExposureBucket, 0, len(keys)),
	}
	for _, key := range keys {
		profile, year, _ := ParseBucket(key)
		committed, err := s.Committed(ctx, tx, organizationID, profile, year, "")
		if err != nil {
			return nil, types.Persistence("compute committed exposure", err)
		}

		limit := YearlyCap(contracts, key)
		bucket := types.ExposureBucket{Bucket: key, Committed: committed, Limit: limit}
		if limit.Valid {
			bucket.Headroom = decimal.NewNullDecimal(decimal.Max(limit.Decimal.Sub(committed), decimal.Zero))
		}
		resp.Buckets = append(resp.Buckets, bucket)
	}

	return resp, nil
}

// ParseBucket splits a "{PROFILE}:{YEAR}" bucket key.
func ParseBucket(key string) (string, int, error) {
	return types.ParseBucket(key)
}

// GinHandlers contains HTTP handlers for exposure endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for exposure endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// GetExposureHandler handles GET requests for the caller's organization exposure
func (h *GinHandlers) GetExposureHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, ok := auth.IdentityFromContext(c)
		if !ok {
			response.Unauthorized(c, "Missing authentication claims")
			return
		}

		snapshot, err := h.service.Snapshot(c.Request.Context(), identity.OrganizationID, time.Now())
		response.Handle(c, snapshot, err)
	}
}
