package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/alexedwards/argon2id"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/noah-isme/backend-pawtag/internal/common"
	"github.com/noah-isme/backend-pawtag/internal/store"
)

const defaultAccessTTL = 15 * time.Minute

const rolesClaim = "roles"

// UserStore is the account persistence surface the auth service needs.
type UserStore interface {
	Create(ctx context.Context, u *store.User) error
	GetByID(ctx context.Context, id string) (*store.User, error)
	GetByEmail(ctx context.Context, email string) (*store.User, error)
}

// Service issues and validates access tokens and manages credentials.
type Service struct {
	users     UserStore
	secret    []byte
	accessTTL time.Duration
	now       func() time.Time
	signer    jwa.SignatureAlgorithm
	validator TokenValidator
	issuer    string
	audience  string
}

// Config configures the auth service.
type Config struct {
	Users          UserStore
	Secret         string
	AccessTokenTTL time.Duration
	Issuer         string
	Audience       string
	ClockSkew      time.Duration
}

// User is the safe subset of the account returned to clients.
type User struct {
	ID               string     `json:"id"`
	Name             string     `json:"name"`
	Surname          string     `json:"surname,omitempty"`
	Email            string     `json:"email"`
	Contact          string     `json:"contact,omitempty"`
	Roles            []string   `json:"roles"`
	MembershipActive bool       `json:"membershipActive"`
	MembershipStart  *time.Time `json:"membershipStartDate,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
}

// LoginResult bundles the token material returned after a successful login.
type LoginResult struct {
	User         User      `json:"user"`
	AccessToken  string    `json:"access_token"`
	AccessExpiry time.Time `json:"access_expires_at"`
}

// RegisterInput carries a signup request.
type RegisterInput struct {
	Name            string
	Surname         string
	Contact         string
	Email           string
	Password        string
	PrivacyPolicy   bool
	TermsConditions bool
	Agreement       bool
}

// NewService constructs a Service with sane defaults.
func NewService(cfg Config) (*Service, error) {
	if cfg.Users == nil {
		return nil, errors.New("auth: user store is required")
	}
	secret := strings.TrimSpace(cfg.Secret)
	if secret == "" {
		return nil, errors.New("auth: secret is required")
	}
	accessTTL := cfg.AccessTokenTTL
	if accessTTL <= 0 {
		accessTTL = defaultAccessTTL
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		issuer = "pawtag-api"
	}
	audience := strings.TrimSpace(cfg.Audience)
	if audience == "" {
		audience = "pawtag-frontend"
	}
	clockSkew := cfg.ClockSkew
	if clockSkew < 0 {
		clockSkew = 0
	}

	return &Service{
		users:     cfg.Users,
		secret:    []byte(secret),
		accessTTL: accessTTL,
		now:       time.Now,
		signer:    jwa.HS256,
		validator: TokenValidator{
			Issuer:    issuer,
			Audience:  audience,
			ClockSkew: clockSkew,
			Algorithm: jwa.HS256,
		},
		issuer:   issuer,
		audience: audience,
	}, nil
}

// WithNow allows tests to override the time provider.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Register creates a new account with the supplied credentials.
func (s *Service) Register(ctx context.Context, in RegisterInput) (User, error) {
	if strings.TrimSpace(in.Name) == "" {
		return User{}, common.ErrValidation("name is required")
	}
	normalizedEmail := strings.TrimSpace(strings.ToLower(in.Email))
	if normalizedEmail == "" {
		return User{}, common.ErrValidation("email is required")
	}
	if len(in.Password) < 8 {
		return User{}, common.ErrValidation("password must be at least 8 characters")
	}
	if !in.PrivacyPolicy || !in.TermsConditions || !in.Agreement {
		return User{}, common.ErrValidation("privacy policy, terms and agreement must be accepted")
	}

	hash, err := argon2id.CreateHash(in.Password, argon2id.DefaultParams)
	if err != nil {
		return User{}, fmt.Errorf("hash password: %w", err)
	}

	u := &store.User{
		Name:            strings.TrimSpace(in.Name),
		Surname:         strings.TrimSpace(in.Surname),
		Contact:         strings.TrimSpace(in.Contact),
		Email:           normalizedEmail,
		PasswordHash:    hash,
		PrivacyPolicy:   in.PrivacyPolicy,
		TermsConditions: in.TermsConditions,
		Agreement:       in.Agreement,
	}
	if err := s.users.Create(ctx, u); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return User{}, common.NewAppError("EMAIL_ALREADY_USED", "email is already registered", http.StatusConflict, err)
		}
		return User{}, fmt.Errorf("create user: %w", err)
	}
	return convertUser(u), nil
}

// Login verifies credentials and issues an access token.
func (s *Service) Login(ctx context.Context, email, password string) (LoginResult, error) {
	normalizedEmail := strings.TrimSpace(strings.ToLower(email))
	if normalizedEmail == "" || password == "" {
		return LoginResult{}, invalidCredentials(nil)
	}

	u, err := s.users.GetByEmail(ctx, normalizedEmail)
	if err != nil {
		return LoginResult{}, invalidCredentials(err)
	}
	ok, err := argon2id.ComparePasswordAndHash(password, u.PasswordHash)
	if err != nil || !ok {
		return LoginResult{}, invalidCredentials(err)
	}

	accessToken, accessExpiry, err := s.signAccessToken(u.ID, u.Roles)
	if err != nil {
		return LoginResult{}, fmt.Errorf("sign access token: %w", err)
	}
	return LoginResult{
		User:         convertUser(u),
		AccessToken:  accessToken,
		AccessExpiry: accessExpiry,
	}, nil
}

// Me fetches the current authenticated user.
func (s *Service) Me(ctx context.Context, userID string) (User, error) {
	if strings.TrimSpace(userID) == "" {
		return User{}, common.ErrUnauthorized("unauthorized")
	}
	u, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return User{}, common.ErrUnauthorized("unauthorized")
	}
	return convertUser(u), nil
}

// ParseAccessToken validates an access token and returns the subject and roles.
func (s *Service) ParseAccessToken(token string) (string, []string, error) {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return "", nil, common.ErrUnauthorized("missing token")
	}
	algorithm, err := extractTokenAlgorithm(trimmed)
	if err != nil {
		return "", nil, invalidToken(err)
	}
	if s.validator.Algorithm != "" && algorithm != s.validator.Algorithm {
		return "", nil, invalidToken(fmt.Errorf("unexpected token algorithm %s", algorithm))
	}
	parsed, err := jwt.ParseString(trimmed, jwt.WithKey(algorithm, s.secret))
	if err != nil {
		return "", nil, invalidToken(err)
	}
	if err := s.validator.Validate(parsed, algorithm, s.now()); err != nil {
		return "", nil, invalidToken(err)
	}
	return parsed.Subject(), extractRoles(parsed), nil
}

func (s *Service) signAccessToken(userID string, roles []string) (string, time.Time, error) {
	now := s.now()
	expiresAt := now.Add(s.accessTTL)
	builder := jwt.NewBuilder().
		Subject(userID).
		Issuer(s.issuer).
		Audience([]string{s.audience}).
		IssuedAt(now).
		Expiration(expiresAt).
		Claim(rolesClaim, roles)
	token, err := builder.Build()
	if err != nil {
		return "", time.Time{}, err
	}
	signed, err := jwt.Sign(token, jwt.WithKey(s.signer, s.secret))
	if err != nil {
		return "", time.Time{}, err
	}
	return string(signed), expiresAt, nil
}

func extractTokenAlgorithm(token string) (jwa.SignatureAlgorithm, error) {
	message, err := jws.ParseString(token)
	if err != nil {
		return "", err
	}
	signatures := message.Signatures()
	if len(signatures) == 0 {
		return "", errors.New("auth: token contains no signatures")
	}
	var algorithm jwa.SignatureAlgorithm
	for _, sig := range signatures {
		headers := sig.ProtectedHeaders()
		if headers == nil {
			return "", errors.New("auth: token missing protected headers")
		}
		alg := headers.Algorithm()
		if alg == "" {
			return "", errors.New("auth: token missing algorithm")
		}
		if alg == jwa.NoSignature {
			return "", errors.New("auth: token uses none algorithm")
		}
		if algorithm == "" {
			algorithm = alg
		} else if algorithm != alg {
			return "", errors.New("auth: mixed token algorithms detected")
		}
	}
	return algorithm, nil
}

func extractRoles(tok jwt.Token) []string {
	raw, ok := tok.Get(rolesClaim)
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		roles := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				roles = append(roles, s)
			}
		}
		return roles
	}
	return nil
}

func convertUser(u *store.User) User {
	return User{
		ID:               u.ID,
		Name:             u.Name,
		Surname:          u.Surname,
		Email:            u.Email,
		Contact:          u.Contact,
		Roles:            u.Roles,
		MembershipActive: u.MembershipActive,
		MembershipStart:  u.MembershipStartDate,
		CreatedAt:        u.CreatedAt,
	}
}

func invalidCredentials(err error) *common.AppError {
	return common.NewAppError("INVALID_CREDENTIALS", "invalid email or password", http.StatusUnauthorized, err)
}

func invalidToken(err error) *common.AppError {
	return common.NewAppError("UNAUTHORIZED", "invalid token", http.StatusUnauthorized, err)
}
