package tokens

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/nkiryanov/authkeeper/internal/apperrors"
	"github.com/nkiryanov/authkeeper/internal/models"
)

const (
	defaultAccessTTL  = 15 * time.Minute
	defaultRefreshTTL = 24 * time.Hour
	defaultSkew       = 30 * time.Second
	defaultIssuer     = "authkeeper"
)

const (
	TypeAccess  = "access"
	TypeRefresh = "refresh"
)

// Claims carried by both token kinds
// jti of a refresh token is the session's current refresh id
type Claims struct {
	jwt.RegisteredClaims
	Type      string    `json:"typ"`
	AccountID uuid.UUID `json:"uid"`
	SessionID uuid.UUID `json:"sid"`
}

// Token manager with sensible default
type Config struct {
	// Required
	Keyring *Keyring

	// If not set than default is used
	Issuer     string
	AccessTTL  time.Duration
	RefreshTTL time.Duration

	// Tolerance for clock drift when checking exp and iat
	Skew time.Duration
}

type Manager struct {
	keys *Keyring

	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	skew       time.Duration

	now func() time.Time
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

func New(cfg Config, opts ...Option) (*Manager, error) {
	if cfg.Keyring == nil {
		return nil, errors.New("keyring must be set")
	}
	if cfg.AccessTTL < 0 || cfg.RefreshTTL < 0 || cfg.Skew < 0 {
		return nil, errors.New("token lifetimes and skew must not be negative")
	}

	setDefault := func(field *time.Duration, def time.Duration) {
		if *field == 0 {
			*field = def
		}
	}
	setDefault(&cfg.AccessTTL, defaultAccessTTL)
	setDefault(&cfg.RefreshTTL, defaultRefreshTTL)
	setDefault(&cfg.Skew, defaultSkew)
	if cfg.Issuer == "" {
		cfg.Issuer = defaultIssuer
	}

	m := &Manager{
		keys:       cfg.Keyring,
		issuer:     cfg.Issuer,
		accessTTL:  cfg.AccessTTL,
		refreshTTL: cfg.RefreshTTL,
		skew:       cfg.Skew,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}

	return m, nil
}

// IssueAccess mints a short lived token bound to the session
func (m *Manager) IssueAccess(session models.Session) (models.IssuedToken, error) {
	now := m.now().Truncate(time.Second)
	expiresAt := now.Add(m.accessTTL)

	return m.sign(Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   session.Identity,
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		Type:      TypeAccess,
		AccountID: session.AccountID,
		SessionID: session.ID,
	}, expiresAt)
}

// IssueRefresh mints the refresh token for the session's current refresh id
// It never outlives the session
func (m *Manager) IssueRefresh(session models.Session) (models.IssuedToken, error) {
	now := m.now().Truncate(time.Second)
	expiresAt := now.Add(m.refreshTTL)
	if sessionEnd := session.ExpiresAt.Truncate(time.Second); sessionEnd.Before(expiresAt) {
		expiresAt = sessionEnd
	}

	return m.sign(Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        session.CurrentRefreshID.String(),
			Subject:   session.Identity,
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		Type:      TypeRefresh,
		AccountID: session.AccountID,
		SessionID: session.ID,
	}, expiresAt)
}

// IssuePair issues access and refresh tokens for the session
func (m *Manager) IssuePair(session models.Session) (models.TokenPair, error) {
	access, err := m.IssueAccess(session)
	if err != nil {
		return models.TokenPair{}, err
	}
	refresh, err := m.IssueRefresh(session)
	if err != nil {
		return models.TokenPair{}, err
	}
	return models.TokenPair{Access: access, Refresh: refresh}, nil
}

func (m *Manager) sign(claims Claims, expiresAt time.Time) (models.IssuedToken, error) {
	key := m.keys.current

	token := jwt.NewWithClaims(key.signingMethod(), claims)
	token.Header["kid"] = key.ID

	value, err := token.SignedString(key.sign)
	if err != nil {
		return models.IssuedToken{}, fmt.Errorf("error while signing %s token. Err: %w", claims.Type, err)
	}

	return models.IssuedToken{Value: value, ExpiresAt: expiresAt}, nil
}

// ParseAccess checks signature and expiry of an access token
// Revocation is not checked here
func (m *Manager) ParseAccess(value string) (Claims, error) {
	return m.parse(value, TypeAccess, true)
}

func (m *Manager) ParseRefresh(value string) (Claims, error) {
	return m.parse(value, TypeRefresh, true)
}

// ParseRefreshForLogout accepts expired but authentic refresh tokens
func (m *Manager) ParseRefreshForLogout(value string) (Claims, error) {
	return m.parse(value, TypeRefresh, false)
}

func (m *Manager) parse(value string, typ string, checkTime bool) (Claims, error) {
	claims := Claims{}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods(m.keys.methods()),
		jwt.WithIssuer(m.issuer),
		jwt.WithTimeFunc(m.now),
		jwt.WithLeeway(m.skew),
	}
	if checkTime {
		opts = append(opts, jwt.WithExpirationRequired(), jwt.WithIssuedAt())
	} else {
		opts = append(opts, jwt.WithoutClaimsValidation())
	}

	_, err := jwt.ParseWithClaims(value, &claims, m.keys.keyFunc, opts...)
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return Claims{}, fmt.Errorf("%w: %w", apperrors.ErrTokenExpired, err)
	case err != nil:
		return Claims{}, fmt.Errorf("%w: %w", apperrors.ErrTokenInvalid, err)
	}

	// Issuer is checked by validator, skipped together with it for logout
	if !checkTime && claims.Issuer != m.issuer {
		return Claims{}, fmt.Errorf("%w: wrong issuer", apperrors.ErrTokenInvalid)
	}

	if claims.Type != typ {
		return Claims{}, fmt.Errorf("%w: expected %s token, got %q", apperrors.ErrTokenInvalid, typ, claims.Type)
	}
	if claims.SessionID == uuid.Nil || claims.AccountID == uuid.Nil {
		return Claims{}, fmt.Errorf("%w: missing session or account", apperrors.ErrTokenInvalid)
	}

	return claims, nil
}

// TokenID returns jti as uuid
func (c Claims) TokenID() (uuid.UUID, error) {
	id, err := uuid.Parse(c.ID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: malformed jti", apperrors.ErrTokenInvalid)
	}
	return id, nil
}

// Principal of a verified access token
func (c Claims) Principal() (models.Principal, error) {
	id, err := c.TokenID()
	if err != nil {
		return models.Principal{}, err
	}

	var expiresAt time.Time
	if c.ExpiresAt != nil {
		expiresAt = c.ExpiresAt.Time
	}

	return models.Principal{
		AccountID: c.AccountID,
		Identity:  c.Subject,
		SessionID: c.SessionID,
		TokenID:   id,
		ExpiresAt: expiresAt,
	}, nil
}
