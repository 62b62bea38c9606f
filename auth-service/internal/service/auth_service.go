package service

import (
	"context"
	"errors"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/teachflow/teachflow-live/auth-service/internal/audit"
	"github.com/teachflow/teachflow-live/auth-service/internal/domain"
	"github.com/teachflow/teachflow-live/auth-service/internal/repository"
	"github.com/teachflow/teachflow-live/pkg/jwt"
	"github.com/teachflow/teachflow-live/pkg/log"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUserNotFound       = errors.New("user not found")
	ErrRoleNotAllowed     = errors.New("role cannot be self-assigned")
)

type authServiceImpl struct {
	repo       repository.UserRepository
	tokens     *jwt.Manager
	selfRoles  map[string]bool
	bcryptCost int
}

// NewAuthService creates the service. selfRoles lists the roles a user may
// pick at registration.
func NewAuthService(repo repository.UserRepository, tokens *jwt.Manager, selfRoles []string, bcryptCost int) AuthService {
	allowed := make(map[string]bool, len(selfRoles))
	for _, r := range selfRoles {
		allowed[r] = true
	}
	if bcryptCost == 0 {
		bcryptCost = bcrypt.DefaultCost
	}
	return &authServiceImpl{
		repo:       repo,
		tokens:     tokens,
		selfRoles:  allowed,
		bcryptCost: bcryptCost,
	}
}

func (s *authServiceImpl) Register(ctx context.Context, req *domain.RegisterRequest) (*domain.AuthResponse, error) {
	l := log.Ctx(ctx)

	role := req.Role
	if role == "" {
		role = jwt.RoleStudent
	}
	if !s.selfRoles[role] {
		return nil, ErrRoleNotAllowed
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.bcryptCost)
	if err != nil {
		l.Error().Err(err).Msg("failed to hash password")
		return nil, err
	}

	user := &domain.User{
		Email:        strings.ToLower(strings.TrimSpace(req.Email)),
		Username:     strings.TrimSpace(req.Username),
		PasswordHash: string(hashedPassword),
		Role:         role,
	}
	if err := s.repo.Create(ctx, user); err != nil {
		if !errors.Is(err, repository.ErrEmailExists) && !errors.Is(err, repository.ErrUsernameExists) {
			l.Error().Err(err).Msg("failed to create user")
		}
		return nil, err
	}

	resp, err := s.issue(user)
	if err != nil {
		l.Error().Err(err).Str(log.FieldUserID, user.ID).Msg("failed to generate tokens after register")
		return nil, err
	}

	audit.LogWithDetail(ctx, audit.ActionRegister, user.ID, role, "user registered")
	return resp, nil
}

func (s *authServiceImpl) Login(ctx context.Context, req *domain.LoginRequest) (*domain.AuthResponse, error) {
	l := log.Ctx(ctx)
	email := strings.ToLower(strings.TrimSpace(req.Email))

	user, err := s.repo.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			audit.LogWithDetail(ctx, audit.ActionLoginFailed, "", email, "login failed: user not found")
			return nil, ErrInvalidCredentials
		}
		l.Error().Err(err).Msg("failed to get user by email")
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		audit.LogWithDetail(ctx, audit.ActionLoginFailed, user.ID, email, "login failed: wrong password")
		return nil, ErrInvalidCredentials
	}

	resp, err := s.issue(user)
	if err != nil {
		l.Error().Err(err).Str(log.FieldUserID, user.ID).Msg("failed to generate tokens after login")
		return nil, err
	}

	audit.Log(ctx, audit.ActionLogin, user.ID, "user logged in")
	return resp, nil
}

// RefreshToken rotates a refresh token. The new pair carries the role
// currently stored for the user.
func (s *authServiceImpl) RefreshToken(ctx context.Context, req *domain.RefreshTokenRequest) (*domain.AuthResponse, error) {
	l := log.Ctx(ctx)

	claims, err := s.tokens.ValidateToken(req.RefreshToken)
	if err != nil || claims.Type != jwt.TypeRefresh {
		audit.LogWithDetail(ctx, audit.ActionRefreshFailed, "", errString(err), "refresh rejected")
		return nil, ErrInvalidCredentials
	}

	user, err := s.repo.GetByID(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			audit.LogWithDetail(ctx, audit.ActionRefreshFailed, claims.UserID, "user not found", "refresh rejected")
			return nil, ErrInvalidCredentials
		}
		l.Error().Err(err).Str(log.FieldUserID, claims.UserID).Msg("failed to get user for token refresh")
		return nil, err
	}

	resp, err := s.issue(user)
	if err != nil {
		return nil, err
	}

	audit.Log(ctx, audit.ActionRefresh, user.ID, "token refreshed")
	return resp, nil
}

// Logout revokes every token issued to the user so far.
func (s *authServiceImpl) Logout(ctx context.Context, userID string) error {
	s.tokens.RevokeUserTokens(userID)
	audit.Log(ctx, audit.ActionLogout, userID, "user logged out")
	return nil
}

func (s *authServiceImpl) GetUser(ctx context.Context, userID string) (*domain.UserResponse, error) {
	user, err := s.repo.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	resp := user.ToResponse()
	return &resp, nil
}

func (s *authServiceImpl) issue(user *domain.User) (*domain.AuthResponse, error) {
	pair, err := s.tokens.GenerateTokenPair(user.ID, user.Email, user.Username, user.Role)
	if err != nil {
		return nil, err
	}
	return &domain.AuthResponse{
		User:         user.ToResponse(),
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		ExpiresAt:    pair.AccessExpiresAt,
	}, nil
}

func errString(err error) string {
	if err == nil {
		return "wrong token type"
	}
	return err.Error()
}
