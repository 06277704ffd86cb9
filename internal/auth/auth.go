package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"deskbot/internal/config"
	"deskbot/internal/logging"
	"deskbot/internal/models"
	"deskbot/internal/store"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrWeakPassword       = errors.New("password must be at least 8 characters")
	ErrTokenInvalid       = errors.New("invalid or expired token")
)

// Claims is what a verified token asserts about the caller.
type Claims struct {
	UserID string
	Email  string
	Role   models.Role
}

// Service issues and verifies HS256 bearer tokens backed by a user store.
// The signing secret comes from DESKBOT_JWT_SECRET; when unset an ephemeral
// secret is generated, so tokens do not survive a restart.
type Service struct {
	users  store.UserRepo
	secret []byte
	ttl    time.Duration
}

func New(users store.UserRepo) *Service {
	secret := config.String("DESKBOT_JWT_SECRET", "")
	if secret == "" {
		buf := make([]byte, 32)
		_, _ = rand.Read(buf)
		secret = hex.EncodeToString(buf)
		logging.Sugar.Warnw("DESKBOT_JWT_SECRET not set; using ephemeral signing secret")
	}
	ttl := time.Duration(config.Int("DESKBOT_JWT_TTL_HOURS", 8)) * time.Hour
	return &Service{users: users, secret: []byte(secret), ttl: ttl}
}

// TTL reports the configured token lifetime.
func (s *Service) TTL() time.Duration { return s.ttl }

// Register creates a user with a bcrypt-hashed password.
func (s *Service) Register(email, name, password string, role models.Role) (*models.User, error) {
	if len(password) < 8 {
		return nil, ErrWeakPassword
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	return s.users.CreateUser(email, name, role, string(hash))
}

// Login verifies the password and returns a signed token plus the user.
func (s *Service) Login(email, password string) (string, *models.User, error) {
	u, ok := s.users.GetUserByEmail(email)
	if !ok {
		return "", nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return "", nil, ErrInvalidCredentials
	}
	if err := s.users.TouchLastLogin(u.ID); err != nil {
		logging.Sugar.Warnw("touch last login", "user", u.ID, "err", err)
	}
	tok, err := s.IssueToken(u)
	if err != nil {
		return "", nil, err
	}
	return tok, u, nil
}

// IssueToken signs a token carrying the user id as subject.
func (s *Service) IssueToken(u *models.User) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":   u.ID,
		"email": u.Email,
		"role":  string(u.Role),
		"iat":   now.Unix(),
		"exp":   now.Add(s.ttl).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// Verify parses and validates a token. Only HMAC-signed tokens are accepted;
// anything else (wrong alg, bad signature, expired) maps to ErrTokenInvalid.
func (s *Service) Verify(tokenString string) (*Claims, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrTokenInvalid
	}
	mc, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrTokenInvalid
	}
	sub, _ := mc["sub"].(string)
	if sub == "" {
		return nil, ErrTokenInvalid
	}
	email, _ := mc["email"].(string)
	role, _ := mc["role"].(string)
	return &Claims{UserID: sub, Email: email, Role: models.Role(role)}, nil
}

// SeedAdmin creates the initial admin account from DESKBOT_ADMIN_EMAIL and
// DESKBOT_ADMIN_PASSWORD when no users exist yet. Returns true when a user
// was created.
func (s *Service) SeedAdmin() (bool, error) {
	if s.users.CountUsers() > 0 {
		return false, nil
	}
	email := config.String("DESKBOT_ADMIN_EMAIL", "")
	password := config.String("DESKBOT_ADMIN_PASSWORD", "")
	if email == "" || password == "" {
		return false, nil
	}
	u, err := s.Register(email, "Administrator", password, models.RoleAdmin)
	if err != nil {
		return false, err
	}
	logging.Sugar.Infow("seeded admin user", "email", u.Email)
	return true, nil
}

// BearerToken extracts the token from an Authorization header value.
// Returns "" when the header is missing or not a bearer scheme.
func BearerToken(header string) string {
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return parts[1]
}
