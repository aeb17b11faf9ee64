package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/sakif/kittygram/internal/apperror"
	"github.com/sakif/kittygram/internal/auth"
	"github.com/sakif/kittygram/internal/metrics"
	"github.com/sakif/kittygram/internal/model"
	"github.com/sakif/kittygram/internal/repository"
)

// loginPattern is the Django username rule Kittygram inherited: letters,
// digits and @ . + - _, between 3 and 150 characters.
var loginPattern = regexp.MustCompile(`^[A-Za-z0-9@.+_-]{3,150}$`)

// AuthService handles the authentication business logic.
//
//	AuthHandler (HTTP) → AuthService → UserRepository, RevocationRepository
//	                                 ↘ TokenService (JWT), PasswordService (bcrypt)
//
// It is both the Token Issuer (Register, Login, LoginOrRegisterGitHub) and
// the Request Authenticator (Authenticate, Logout).
type AuthService struct {
	users       repository.UserRepository
	revocations repository.RevocationRepository
	tokens      *auth.TokenService
	passwords   *auth.PasswordService
	logger      *slog.Logger
	opts        options
}

var _ auth.Authenticator = (*AuthService)(nil)

func NewAuthService(
	users repository.UserRepository,
	revocations repository.RevocationRepository,
	tokens *auth.TokenService,
	passwords *auth.PasswordService,
	logger *slog.Logger,
	opts ...Option,
) *AuthService {
	return &AuthService{
		users:       users,
		revocations: revocations,
		tokens:      tokens,
		passwords:   passwords,
		logger:      logger,
		opts:        buildOptions(opts),
	}
}

// AuthResult bundles the user record and the issued token so the GitHub
// callback handler can set the cookie and respond in one step.
type AuthResult struct {
	User  *model.User
	Token auth.Token
}

// Register creates a password account.
func (s *AuthService) Register(ctx context.Context, login, password string) (*model.User, error) {
	login = strings.TrimSpace(login)
	if !loginPattern.MatchString(login) {
		return nil, apperror.ValidationFailed("username",
			"username must be 3-150 characters: letters, digits and @/./+/-/_ only")
	}
	if err := validatePassword("password", password); err != nil {
		return nil, err
	}

	hash, err := s.passwords.Hash(password)
	if err != nil {
		return nil, fmt.Errorf("service/auth: %w", err)
	}

	user := &model.User{Login: login, PasswordHash: hash}
	ctx, cancel := s.opts.bound(ctx)
	defer cancel()
	if err := s.users.Create(ctx, user); err != nil {
		return nil, storeErr(s.logger, "registering user", err)
	}

	s.logger.Info("user registered", slog.String("userID", user.ID), slog.String("login", user.Login))
	return user, nil
}

// Login verifies a login/password pair and issues a token.
//
// Every failure looks the same to the caller: unknown login, wrong
// password, and password-less (GitHub) accounts all return
// InvalidCredentials after the same amount of bcrypt work.
func (s *AuthService) Login(ctx context.Context, login, password string) (auth.Token, error) {
	lookupCtx, cancel := s.opts.bound(ctx)
	user, err := s.users.GetByLogin(lookupCtx, strings.TrimSpace(login))
	cancel()
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			s.passwords.VerifyDummy(password)
			return s.rejectLogin(login, "unknown login")
		}
		s.opts.metrics.IncLogin(metrics.OutcomeError)
		return auth.Token{}, storeErr(s.logger, "looking up user", err)
	}

	if user.PasswordHash == "" {
		s.passwords.VerifyDummy(password)
		return s.rejectLogin(login, "account has no password")
	}
	if err := s.passwords.Verify(user.PasswordHash, password); err != nil {
		if !errors.Is(err, auth.ErrPasswordMismatch) {
			s.logger.Error("stored password hash is unreadable",
				slog.String("userID", user.ID), slog.String("error", err.Error()))
		}
		return s.rejectLogin(login, "wrong password")
	}

	tok, err := s.issue(user)
	if err != nil {
		s.opts.metrics.IncLogin(metrics.OutcomeError)
		return auth.Token{}, err
	}
	s.opts.metrics.IncLogin(metrics.OutcomeSuccess)
	return tok, nil
}

func (s *AuthService) rejectLogin(login, reason string) (auth.Token, error) {
	s.opts.metrics.IncLogin(metrics.OutcomeRejected)
	s.logger.Info("login rejected", slog.String("login", login), slog.String("reason", reason))
	return auth.Token{}, apperror.InvalidCredentials()
}

// issue signs a token and writes the audit line. The token value itself is
// never logged.
func (s *AuthService) issue(user *model.User) (auth.Token, error) {
	tok, err := s.tokens.Issue(user.ID)
	if err != nil {
		return auth.Token{}, fmt.Errorf("service/auth: issuing token for user %s: %w", user.ID, err)
	}
	s.logger.Info("token issued",
		slog.String("userID", user.ID),
		slog.String("tokenID", tok.ID),
		slog.Time("expiresAt", tok.ExpiresAt),
	)
	return tok, nil
}

// ChangePassword replaces the password after checking the current one.
// Tokens issued before the change stay valid until they expire or are
// logged out.
func (s *AuthService) ChangePassword(ctx context.Context, userID, current, next string) error {
	if err := validatePassword("new_password", next); err != nil {
		return err
	}

	user, err := s.GetUserByID(ctx, userID)
	if err != nil {
		return err
	}
	if user.PasswordHash == "" {
		return apperror.InvalidCredentials()
	}
	if err := s.passwords.Verify(user.PasswordHash, current); err != nil {
		return apperror.InvalidCredentials()
	}

	hash, err := s.passwords.Hash(next)
	if err != nil {
		return fmt.Errorf("service/auth: %w", err)
	}

	ctx, cancel := s.opts.bound(ctx)
	defer cancel()
	if err := s.users.UpdatePassword(ctx, user.ID, hash); err != nil {
		return storeErr(s.logger, "updating password", err)
	}
	s.logger.Info("password changed", slog.String("userID", user.ID))
	return nil
}

// LoginOrRegisterGitHub handles the GitHub OAuth callback after the code
// exchange: upsert the user by GitHub id, then issue a normal token.
//
// WHY UPSERT?
// GitHub's numeric id is stable and unique, so the first sign-in inserts
// and later ones only refresh the login in case it was renamed on GitHub.
func (s *AuthService) LoginOrRegisterGitHub(ctx context.Context, ghUser *auth.GitHubUser) (*AuthResult, error) {
	if ghUser == nil {
		return nil, fmt.Errorf("service/auth: GitHub user must not be nil")
	}

	ghID := ghUser.ID
	user := &model.User{GitHubID: &ghID, Login: ghUser.Login}

	upsertCtx, cancel := s.opts.bound(ctx)
	err := s.users.Upsert(upsertCtx, user)
	cancel()
	if err != nil {
		return nil, storeErr(s.logger, "upserting GitHub user", err)
	}

	s.logger.Info("user authenticated via GitHub",
		slog.String("userID", user.ID),
		slog.String("login", user.Login),
	)

	tok, err := s.issue(user)
	if err != nil {
		return nil, err
	}
	s.opts.metrics.IncLogin(metrics.OutcomeSuccess)
	return &AuthResult{User: user, Token: tok}, nil
}

// Authenticate resolves a raw token to the caller.
//
// Missing, malformed, forged, expired and revoked tokens all produce the
// same Unauthenticated error, so a client cannot tell which check failed.
// A revocation lookup that fails returns StorageError instead: the token
// may be fine, and the client should retry rather than log in again.
func (s *AuthService) Authenticate(ctx context.Context, raw string) (auth.Identity, error) {
	claims, err := s.tokens.Validate(raw)
	if err != nil {
		s.opts.metrics.IncAuthRejection()
		s.logger.Debug("token rejected", slog.String("error", err.Error()))
		return auth.Identity{}, apperror.Unauthenticated()
	}

	ctx, cancel := s.opts.bound(ctx)
	defer cancel()
	revoked, err := s.revocations.IsRevoked(ctx, claims.TokenID)
	if err != nil {
		return auth.Identity{}, storeErr(s.logger, "checking token revocation", err)
	}
	if revoked {
		s.opts.metrics.IncAuthRejection()
		return auth.Identity{}, apperror.Unauthenticated()
	}

	return auth.Identity{
		UserID:    claims.UserID,
		TokenID:   claims.TokenID,
		ExpiresAt: claims.ExpiresAt,
	}, nil
}

// Logout revokes the token the caller presented. Other tokens of the same
// user stay valid.
func (s *AuthService) Logout(ctx context.Context, id auth.Identity) error {
	if id.TokenID == "" {
		return apperror.Unauthenticated()
	}

	ctx, cancel := s.opts.bound(ctx)
	defer cancel()
	err := s.revocations.Revoke(ctx, model.Revocation{
		TokenID:   id.TokenID,
		UserID:    id.UserID,
		ExpiresAt: id.ExpiresAt,
	})
	if err != nil {
		return storeErr(s.logger, "revoking token", err)
	}
	s.logger.Info("token revoked", slog.String("userID", id.UserID), slog.String("tokenID", id.TokenID))
	return nil
}

// GetUserByID returns the user for the given internal ID.
func (s *AuthService) GetUserByID(ctx context.Context, id string) (*model.User, error) {
	if id == "" {
		return nil, apperror.Unauthenticated()
	}

	ctx, cancel := s.opts.bound(ctx)
	defer cancel()
	user, err := s.users.GetUserByID(ctx, id)
	if err != nil {
		return nil, storeErr(s.logger, "fetching user", err)
	}
	return user, nil
}

func validatePassword(field, password string) error {
	switch {
	case len(password) < auth.MinPasswordLen:
		return apperror.ValidationFailed(field,
			fmt.Sprintf("password must be at least %d characters", auth.MinPasswordLen))
	case len(password) > auth.MaxPasswordLen:
		return apperror.ValidationFailed(field,
			fmt.Sprintf("password must be %d bytes or fewer", auth.MaxPasswordLen))
	}
	return nil
}
