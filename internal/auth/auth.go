package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"chatsync/internal/content"
	"chatsync/internal/models"

	"github.com/c-pro/geche"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const (
	DefaultTokenExpiry = 12 * time.Hour
	minPasswordLength  = 8
)

var (
	ErrUserExists         = errors.New("user already exists")
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrInvalidToken       = errors.New("invalid or expired token")
)

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	Token       string `json:"token"`
	TokenExpiry int64  `json:"tokenExpiry"` // Unix timestamp (seconds)
	UserID      string `json:"userId"`
}

// UserCredentials is a user together with its password hash.
type UserCredentials struct {
	models.User
	PasswordHash string
}

// CredentialStore persists credentials. Lookups of unknown users return
// models.ErrNotFound.
type CredentialStore interface {
	UpsertCredentials(credentials UserCredentials) error
	GetCredentialsByName(username string) (UserCredentials, error)
}

type Config struct {
	TokenExpiry time.Duration
	// BcryptCost defaults to bcrypt.DefaultCost.
	BcryptCost int
}

func (c *Config) Validate() error {
	if c.TokenExpiry == 0 {
		c.TokenExpiry = DefaultTokenExpiry
	}
	if c.TokenExpiry < 0 {
		return errors.New("token expiry must be positive")
	}
	if c.BcryptCost == 0 {
		c.BcryptCost = bcrypt.DefaultCost
	}
	if c.BcryptCost < bcrypt.MinCost || c.BcryptCost > bcrypt.MaxCost {
		return fmt.Errorf("bcrypt cost %d out of range", c.BcryptCost)
	}
	return nil
}

type AuthService struct {
	Config
	store      CredentialStore
	liveTokens geche.Geche[string, string]
	now        func() time.Time

	// serialises AddUser so username uniqueness holds
	mu sync.Mutex
}

func NewAuthService(ctx context.Context, config Config, store CredentialStore) (*AuthService, error) {
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

func (as *AuthService) AddUser(username, password, displayName string) (models.User, error) {
	if err := content.ValidateUsername(username); err != nil {
		return models.User{}, err
	}
	if len(password) < minPasswordLength {
		return models.User{}, fmt.Errorf("password must be at least %d characters", minPasswordLength)
	}
	displayName = content.Sanitize(displayName)
	if displayName == "" {
		displayName = username
	}

	as.mu.Lock()
	defer as.mu.Unlock()

	if _, err := as.store.GetCredentialsByName(username); err == nil {
		return models.User{}, ErrUserExists
	} else if !errors.Is(err, models.ErrNotFound) {
		return models.User{}, fmt.Errorf("failed to check user: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), as.BcryptCost)
	if err != nil {
		return models.User{}, fmt.Errorf("failed to hash password: %w", err)
	}

	user := models.User{
		ID:          uuid.NewString(),
		UserName:    username,
		DisplayName: displayName,
	}
	if err := as.store.UpsertCredentials(UserCredentials{User: user, PasswordHash: string(hash)}); err != nil {
		return models.User{}, fmt.Errorf("failed to store user: %w", err)
	}
	return user, nil
}

func (as *AuthService) Login(req LoginRequest) (LoginResponse, error) {
	creds, err := as.store.GetCredentialsByName(req.Username)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return LoginResponse{}, ErrInvalidCredentials
		}
		return LoginResponse{}, fmt.Errorf("failed to load user: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(creds.PasswordHash), []byte(req.Password)); err != nil {
		return LoginResponse{}, ErrInvalidCredentials
	}

	token, err := as.generateToken()
	if err != nil {
		slog.Error("login failed", "user_id", creds.ID, "error", err)
		return LoginResponse{}, err
	}
	as.liveTokens.Set(token, creds.ID)

	return LoginResponse{
		Token:       token,
		TokenExpiry: as.now().Add(as.TokenExpiry).Unix(),
		UserID:      creds.ID,
	}, nil
}

func (as *AuthService) Logoff(token string) error {
	return as.liveTokens.Del(token)
}

func (as *AuthService) GetUserID(token string) (string, error) {
	if token == "" {
		return "", ErrInvalidToken
	}
	userID, err := as.liveTokens.Get(token)
	if err != nil {
		return "", ErrInvalidToken
	}
	return userID, nil
}

func (as *AuthService) generateToken() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// TokenFromRequest extracts the bearer token from the Authorization header,
// falling back to the token query parameter and cookie for clients that
// cannot set headers.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	if c, err := r.Cookie("token"); err == nil {
		return c.Value
	}
	return ""
}
