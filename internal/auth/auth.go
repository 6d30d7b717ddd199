package auth

import (
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/ksred/klear-energy/internal/types"
	"github.com/ksred/klear-energy/pkg/response"
)

var (
	ErrInvalidCredentials = errors.New("invalid API credentials")
	ErrTokenGeneration    = errors.New("failed to generate token")
	ErrInvalidToken       = errors.New("invalid token")
)

// identityKey is the gin context key the authenticated Identity is stored under
const identityKey = "identity"

// Credentials represents the API authentication credentials
type Credentials struct {
	APIKey    string `json:"api_key"`
	APISecret string `json:"api_secret"`
}

// TokenResponse represents the JWT token response
type TokenResponse struct {
	Token      string    `json:"jwt_token"`
	Expiration time.Time `json:"expiration"`
}

// Identity is the authenticated caller of a request
type Identity struct {
	UserID         string `json:"user_id"`
	OrganizationID string `json:"organization_id"`
	Role           string `json:"role"`
}

// HasRole reports whether the identity holds one of the roles
func (i Identity) HasRole(roles ...string) bool {
	for _, r := range roles {
		if i.Role == r {
			return true
		}
	}
	return false
}

// Claims represents the JWT claims structure
type Claims struct {
	jwt.RegisteredClaims
	UserID         string `json:"user_id"`
	OrganizationID string `json:"organization_id"`
	Role           string `json:"role"`
}

// Service handles authentication and authorization operations
type Service struct {
	jwtSecret []byte
	tokenTTL  time.Duration
	db        *gorm.DB
}

// NewService creates a new authentication service. API credentials are checked against the
// users table.
func NewService(jwtSecret string, tokenTTL time.Duration, db *gorm.DB) *Service {
	if tokenTTL <= 0 {
		tokenTTL = 24 * time.Hour
	}
	return &Service{
		jwtSecret: []byte(jwtSecret),
		tokenTTL:  tokenTTL,
		db:        db,
	}
}

// GenerateToken generates a JWT token for valid API credentials
// The token carries the user's id, organization and role
func (s *Service) GenerateToken(creds Credentials) (*TokenResponse, error) {
	user, err := s.authenticate(creds)
	if err != nil {
		return nil, err
	}

	return s.IssueToken(Identity{
		UserID:         user.UserID,
		OrganizationID: user.OrganizationID,
		Role:           user.Role,
	})
}

// IssueToken signs a token for an already authenticated identity
func (s *Service) IssueToken(identity Identity) (*TokenResponse, error) {
	now := time.Now()
	expiration := now.Add(s.tokenTTL)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity.UserID,
			ExpiresAt: jwt.NewNumericDate(expiration),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
		UserID:         identity.UserID,
		OrganizationID: identity.OrganizationID,
		Role:           identity.Role,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	tokenString, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return nil, ErrTokenGeneration
	}

	return &TokenResponse{
		Token:      tokenString,
		Expiration: expiration,
	}, nil
}

// ValidateToken validates a JWT token and returns the identity it carries
// Verifies token signature and expiration
func (s *Service) ValidateToken(tokenString string) (*Identity, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.UserID == "" || claims.OrganizationID == "" {
		return nil, ErrInvalidToken
	}

	return &Identity{
		UserID:         claims.UserID,
		OrganizationID: claims.OrganizationID,
		Role:           claims.Role,
	}, nil
}

// authenticate looks the API key up and verifies the secret against its bcrypt hash
func (s *Service) authenticate(creds Credentials) (*types.User, error) {
	if creds.APIKey == "" || creds.APISecret == "" {
		return nil, ErrInvalidCredentials
	}

	var users []types.User
	if err := s.db.Where("api_key = ?", creds.APIKey).Limit(1).Find(&users).Error; err != nil {
		return nil, types.Persistence("load user credentials", err)
	}
	if len(users) == 0 || users[0].APISecretHash == "" {
		return nil, ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword([]byte(users[0].APISecretHash), []byte(creds.APISecret)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return &users[0], nil
}

// SetIdentity stores the authenticated identity on the request context
func SetIdentity(c *gin.Context, identity Identity) {
	c.Set(identityKey, identity)
}

// IdentityFromContext returns the identity the auth middleware stored on the request
func IdentityFromContext(c *gin.Context) (Identity, bool) {
	v, exists := c.Get(identityKey)
	if !exists {
		return Identity{}, false
	}
	identity, ok := v.(Identity)
	return identity, ok
}

// GinHandlers contains HTTP handlers for authentication endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for authentication endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// GenerateTokenHandler handles POST requests to generate JWT tokens
// Request body should contain API credentials
func (h *GinHandlers) GenerateTokenHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var creds Credentials
		if err := c.ShouldBindJSON(&creds); err != nil {
			response.BadRequest(c, "Invalid request body")
			return
		}

		token, err := h.service.GenerateToken(creds)
		if errors.Is(err, ErrInvalidCredentials) {
			response.Unauthorized(c, err.Error())
			return
		}
		response.Handle(c, token, err)
	}
}
