package server

import (
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"baagent/internal/types"
)

// User is the authenticated principal attached to each request.
type User struct {
	ID           string `json:"id"`
	Username     string `json:"username"`
	passwordHash []byte
}

// Claims is the JWT payload for both token types.
type Claims struct {
	Username  string `json:"username"`
	TokenType string `json:"token_type"` // "access" or "refresh"
	jwt.RegisteredClaims
}

// TokenPair is what login and refresh return.
type TokenPair struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	TokenType    string    `json:"token_type"` // always "Bearer"
	ExpiresAt    time.Time `json:"expires_at"`
}

// AuthService issues and validates HS256 JWTs over an in-memory user
// set. Logout revokes the token's id until its natural expiry.
type AuthService struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration

	mu      sync.RWMutex
	users   map[string]*User // by username
	revoked map[string]time.Time
}

// NewAuthService builds the auth collaborator. accessMinutes and
// refreshDays fall back to 30 and 7.
func NewAuthService(secret string, accessMinutes, refreshDays int) (*AuthService, error) {
	if len(secret) < 32 {
		return nil, types.E(types.KindBadInput, "jwt secret must be at least 32 characters")
	}
	if accessMinutes <= 0 {
		accessMinutes = 30
	}
	if refreshDays <= 0 {
		refreshDays = 7
	}
	return &AuthService{
		secret:     []byte(secret),
		accessTTL:  time.Duration(accessMinutes) * time.Minute,
		refreshTTL: time.Duration(refreshDays) * 24 * time.Hour,
		users:      make(map[string]*User),
		revoked:    make(map[string]time.Time),
	}, nil
}

// AddUser registers a user with a bcrypt-hashed password.
func (s *AuthService) AddUser(username, password string) error {
	if username == "" || password == "" {
		return types.E(types.KindBadInput, "username and password are required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return types.WrapErr(types.KindInternal, "hash password", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[username] = &User{
		ID:           uuid.NewString(),
		Username:     username,
		passwordHash: hash,
	}
	return nil
}

// Authenticate checks credentials and returns the user.
func (s *AuthService) Authenticate(username, password string) (*User, error) {
	s.mu.RLock()
	user, ok := s.users[username]
	s.mu.RUnlock()
	if !ok {
		return nil, types.E(types.KindNotPermitted, "invalid credentials")
	}
	if err := bcrypt.CompareHashAndPassword(user.passwordHash, []byte(password)); err != nil {
		return nil, types.E(types.KindNotPermitted, "invalid credentials")
	}
	return user, nil
}

// IssueTokens mints an access/refresh pair for the user.
func (s *AuthService) IssueTokens(user *User) (*TokenPair, error) {
	now := time.Now()
	accessExpiry := now.Add(s.accessTTL)

	access, err := s.sign(user, "access", now, accessExpiry)
	if err != nil {
		return nil, err
	}
	refresh, err := s.sign(user, "refresh", now, now.Add(s.refreshTTL))
	if err != nil {
		return nil, err
	}
	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
		ExpiresAt:    accessExpiry,
	}, nil
}

func (s *AuthService) sign(user *User, tokenType string, now, expiry time.Time) (string, error) {
	claims := Claims{
		Username:  user.Username,
		TokenType: tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			Issuer:    "ba-agent",
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiry),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", types.WrapErr(types.KindInternal, "sign token", err)
	}
	return signed, nil
}

// Validate parses a token, enforcing the expected type and the revocation list.
func (s *AuthService) Validate(tokenString, wantType string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, types.E(types.KindNotPermitted, "unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, types.E(types.KindNotPermitted, "invalid token")
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || claims.TokenType != wantType {
		return nil, types.E(types.KindNotPermitted, "invalid token type")
	}

	s.mu.RLock()
	_, revoked := s.revoked[claims.ID]
	s.mu.RUnlock()
	if revoked {
		return nil, types.E(types.KindNotPermitted, "token revoked")
	}
	return claims, nil
}

// Revoke blacklists a token id until the token would expire anyway.
func (s *AuthService) Revoke(claims *Claims) {
	s.mu.Lock()
	defer s.mu.Unlock()
	expiry := time.Now().Add(s.refreshTTL)
	if claims.ExpiresAt != nil {
		expiry = claims.ExpiresAt.Time
	}
	s.revoked[claims.ID] = expiry

	// Drop revocations that have outlived their tokens.
	now := time.Now()
	for id, exp := range s.revoked {
		if exp.Before(now) {
			delete(s.revoked, id)
		}
	}
}

// UserByID resolves a user from a validated claim subject.
func (s *AuthService) UserByID(id string) (*User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if u.ID == id {
			return u, true
		}
	}
	return nil, false
}
