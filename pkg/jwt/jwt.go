package jwt

import (
	"errors"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token has expired")
	ErrRevokedToken = errors.New("token has been revoked")
	ErrEmptySecret  = errors.New("jwt secret must not be empty")
)

// Issue times carry milliseconds so that a token minted right after a
// revocation in the same second stays valid.
func init() {
	jwt.TimePrecision = time.Millisecond
}

// Token types carried in the "type" claim.
const (
	TypeAccess  = "access"
	TypeRefresh = "refresh"
)

// Roles known to the platform.
const (
	RoleAdmin   = "admin"
	RoleTeacher = "teacher"
	RoleStudent = "student"
)

// Claims represents JWT claims.
type Claims struct {
	jwt.RegisteredClaims
	UserID   string `json:"user_id"`
	Email    string `json:"email,omitempty"`
	Username string `json:"username,omitempty"`
	Role     string `json:"role,omitempty"`
	Type     string `json:"type"`
}

// CanModerate reports whether the role may mute, remove or clear chat.
func (c *Claims) CanModerate() bool {
	return CanModerate(c.Role)
}

// CanModerate reports whether role is a privileged live-class role.
func CanModerate(role string) bool {
	return role == RoleAdmin || role == RoleTeacher
}

// TokenPair is an issued access/refresh pair.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  int64
	RefreshExpiresAt int64
}

// Manager signs and validates HS256 tokens. Every service that shares the
// secret can validate tokens issued by any other.
type Manager struct {
	secret          []byte
	accessDuration  time.Duration
	refreshDuration time.Duration
	issuer          string
	now             func() time.Time

	// user ID -> revocation deadline
	revoked map[string]time.Time
	mu      sync.RWMutex
}

// NewManager creates a new JWT manager.
func NewManager(secret string, accessDuration, refreshDuration time.Duration, issuer string) (*Manager, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}
	return &Manager{
		secret:          []byte(secret),
		accessDuration:  accessDuration,
		refreshDuration: refreshDuration,
		issuer:          issuer,
		now:             time.Now,
		revoked:         make(map[string]time.Time),
	}, nil
}

// GenerateTokenPair creates access and refresh tokens.
func (m *Manager) GenerateTokenPair(userID, email, username, role string) (*TokenPair, error) {
	now := m.now()

	access := m.claims(now, m.accessDuration, userID, TypeAccess)
	access.Email = email
	access.Username = username
	access.Role = role

	accessToken, err := m.sign(access)
	if err != nil {
		return nil, err
	}

	// The refresh token carries the profile too so that a refresh can mint a
	// full access token without a user lookup.
	refresh := m.claims(now, m.refreshDuration, userID, TypeRefresh)
	refresh.Email = email
	refresh.Username = username
	refresh.Role = role

	refreshToken, err := m.sign(refresh)
	if err != nil {
		return nil, err
	}

	return &TokenPair{
		AccessToken:      accessToken,
		RefreshToken:     refreshToken,
		AccessExpiresAt:  access.ExpiresAt.Unix(),
		RefreshExpiresAt: refresh.ExpiresAt.Unix(),
	}, nil
}

// ValidateToken validates a token of any type and returns its claims.
func (m *Manager) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return m.secret, nil
	}, jwt.WithTimeFunc(m.now), jwt.WithIssuer(m.issuer))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	if m.IsRevoked(claims.UserID, claims.IssuedAt) {
		return nil, ErrRevokedToken
	}

	return claims, nil
}

// ValidateAccessToken validates tokenString and requires an access token.
func (m *Manager) ValidateAccessToken(tokenString string) (*Claims, error) {
	claims, err := m.ValidateToken(tokenString)
	if err != nil {
		return nil, err
	}
	if claims.Type != TypeAccess {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// RefreshTokens creates a new token pair from a valid refresh token.
func (m *Manager) RefreshTokens(refreshToken string) (*TokenPair, error) {
	claims, err := m.ValidateToken(refreshToken)
	if err != nil {
		return nil, err
	}
	if claims.Type != TypeRefresh {
		return nil, ErrInvalidToken
	}
	return m.GenerateTokenPair(claims.UserID, claims.Email, claims.Username, claims.Role)
}

// RevokeUserTokens revokes every token issued to userID up to now.
func (m *Manager) RevokeUserTokens(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revoked[userID] = m.now().Truncate(jwt.TimePrecision)
}

// IsRevoked reports whether a token issued at issuedAt for userID has been
// revoked. Tokens issued after the revocation stay valid.
func (m *Manager) IsRevoked(userID string, issuedAt *jwt.NumericDate) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	at, ok := m.revoked[userID]
	if !ok {
		return false
	}
	if issuedAt == nil {
		return true
	}
	return !issuedAt.Time.After(at)
}

// CleanupExpiredRevocations removes entries older than the refresh lifetime;
// every token they could affect has expired by then.
func (m *Manager) CleanupExpiredRevocations() {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().Add(-m.refreshDuration)
	for userID, at := range m.revoked {
		if at.Before(cutoff) {
			delete(m.revoked, userID)
		}
	}
}

func (m *Manager) claims(now time.Time, ttl time.Duration, userID, typ string) *Claims {
	return &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		UserID: userID,
		Type:   typ,
	}
}

func (m *Manager) sign(claims *Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secret)
}

// PeekClaims decodes claims without verifying the signature. Clients use it to
// learn their own user ID and role from a token they were handed; it must
// never be used to authorise anything.
func PeekClaims(tokenString string) (*Claims, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
