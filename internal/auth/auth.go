package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"palaver/internal/content"
	"palaver/internal/models"

	"github.com/c-pro/geche"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const (
	DefaultTokenExpiry = 24 * time.Hour
	minPasswordLength  = 8
)

// Store is the slice of the backing store the auth service needs.
type Store interface {
	CreateProfile(profile models.Profile, passwordHash string) error
	GetCredentials(username string) (models.Profile, string, error)
}

type Config struct {
	Secret      string        `json:"secret"`
	TokenExpiry time.Duration `json:"tokenExpiry"`
}

func (c *Config) Validate() error {
	if c.Secret == "" {
		return errors.New("secret is required")
	}
	if c.TokenExpiry == 0 {
		c.TokenExpiry = DefaultTokenExpiry
	}
	return nil
}

// Claims carried by access tokens: the subject is the profile identifier,
// plus the custom claims the UI reads.
type Claims struct {
	Username string `json:"username"`
	IsAdmin  bool   `json:"isAdmin"`
	jwt.RegisteredClaims
}

type LoginResponse struct {
	Token       string         `json:"token"`
	TokenExpiry int64          `json:"tokenExpiry"` // Unix timestamp (seconds)
	Profile     models.Profile `json:"profile"`
}

type AuthService struct {
	Config
	store Store

	// Live token IDs. Tokens expire out of the cache with the same TTL
	// as the JWT itself, and logoff deletes, so a token is valid only
	// while its jti is present.
	liveTokens geche.Geche[string, string]

	now func() time.Time
}

func NewAuthService(ctx context.Context, config Config, store Store) (*AuthService, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &AuthService{
		Config:     config,
		store:      store,
		liveTokens: geche.NewMapTTLCache[string, string](ctx, config.TokenExpiry, time.Minute),
		now:        time.Now,
	}, nil
}

// Register creates a new profile. Registration never grants the admin
// flag; that is reserved for the bootstrap command.
func (as *AuthService) Register(username, password string) (models.Profile, error) {
	return as.register(username, password, false)
}

// CreateAdmin is Register with the admin flag set, used by the bootstrap
// command only.
func (as *AuthService) CreateAdmin(username, password string) (models.Profile, error) {
	return as.register(username, password, true)
}

func (as *AuthService) register(username, password string, admin bool) (models.Profile, error) {
	if err := content.ValidateUsername(username); err != nil {
		return models.Profile{}, fmt.Errorf("%w: %v", models.ErrValidation, err)
	}
	if len(password) < minPasswordLength {
		return models.Profile{}, fmt.Errorf("%w: password must be at least %d characters", models.ErrValidation, minPasswordLength)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return models.Profile{}, fmt.Errorf("failed to hash password: %w", err)
	}

	profile := models.Profile{
		ID:        uuid.NewString(),
		Username:  username,
		IsAdmin:   admin,
		Theme:     models.Themes[0],
		CreatedAt: as.now().UnixMilli(),
	}

	if err := as.store.CreateProfile(profile, string(hash)); err != nil {
		return models.Profile{}, err
	}
	return profile, nil
}

func (as *AuthService) Login(username, password string) (LoginResponse, error) {
	profile, hash, err := as.store.GetCredentials(username)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return LoginResponse{}, models.ErrUnauthorized
		}
		return LoginResponse{}, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return LoginResponse{}, models.ErrUnauthorized
	}

	now := as.now()
	expiresAt := now.Add(as.TokenExpiry)
	tokenID := uuid.NewString()

	claims := &Claims{
		Username: profile.Username,
		IsAdmin:  profile.IsAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        tokenID,
			Subject:   profile.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(as.Secret))
	if err != nil {
		slog.Error("token signing failed", "user_id", profile.ID, "error", err)
		return LoginResponse{}, fmt.Errorf("failed to sign token: %w", err)
	}

	as.liveTokens.Set(tokenID, profile.ID)

	return LoginResponse{
		Token:       token,
		TokenExpiry: expiresAt.Unix(),
		Profile:     profile,
	}, nil
}

// Verify validates the token signature and expiry and checks the session
// has not been revoked. It returns the claims of the active session.
func (as *AuthService) Verify(token string) (Claims, error) {
	claims := Claims{}
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(as.Secret), nil
	}, jwt.WithTimeFunc(func() time.Time { return as.now() }))
	if err != nil || !parsed.Valid {
		return Claims{}, models.ErrUnauthorized
	}

	if _, err := as.liveTokens.Get(claims.ID); err != nil {
		return Claims{}, models.ErrUnauthorized
	}

	return claims, nil
}

// Logoff revokes the session behind the token. Revoking an unknown or
// already-expired token is not an error.
func (as *AuthService) Logoff(token string) error {
	claims, err := as.Verify(token)
	if err != nil {
		return nil
	}
	return as.liveTokens.Del(claims.ID)
}
