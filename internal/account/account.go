// Package account implements sign-up, email verification and login.
package account

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/PaulBabatuyi/anonymous-messages/internal/apperr"
	"github.com/PaulBabatuyi/anonymous-messages/internal/auth"
	"github.com/PaulBabatuyi/anonymous-messages/internal/data"
	"github.com/PaulBabatuyi/anonymous-messages/internal/mailer"
	"github.com/PaulBabatuyi/anonymous-messages/internal/normalize"
	"github.com/PaulBabatuyi/anonymous-messages/internal/validation"
	"github.com/PaulBabatuyi/anonymous-messages/internal/verify"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// Store is the subset of data.UsersStore used by account flows.
type Store interface {
	CreateUser(ctx context.Context, user *data.User) error
	GetUserByUsername(ctx context.Context, username string) (*data.User, error)
	GetUserByEmail(ctx context.Context, email string) (*data.User, error)
	GetUserByIdentifier(ctx context.Context, identifier string) (*data.User, error)
	VerifiedUsernameExists(ctx context.Context, username string) (bool, error)
	UpdatePendingUser(ctx context.Context, id bson.ObjectID, hashedPassword, code string, expiry time.Time) error
	MarkVerified(ctx context.Context, id bson.ObjectID) error
}

// Session is what a successful login hands back.
type Session struct {
	Token               string    `json:"token"`
	ExpiresAt           time.Time `json:"expiresAt"`
	UserID              string    `json:"userId"`
	Username            string    `json:"username"`
	IsAcceptingMessages bool      `json:"isAcceptingMessages"`
}

// Service wires the store, token manager, code issuer and mail sender.
type Service struct {
	store       Store
	tokens      *auth.JWTManager
	codes       *verify.Issuer
	mail        mailer.Sender
	mailTimeout time.Duration
	validate    *validator.Validate
	log         *logrus.Entry
	now         func() time.Time
}

// NewService returns an account Service.
func NewService(store Store, tokens *auth.JWTManager, codes *verify.Issuer, mail mailer.Sender, mailTimeout time.Duration, log *logrus.Entry) *Service {
	return &Service{
		store:       store,
		tokens:      tokens,
		codes:       codes,
		mail:        mail,
		mailTimeout: mailTimeout,
		validate:    validation.New(),
		log:         log,
		now:         time.Now,
	}
}

var errInternal = errors.New("internal error")

type signupInput struct {
	Username string `validate:"required,username"`
	Email    string `validate:"required,email"`
	Password string `validate:"required,min=6"`
}

// Signup registers username/email or refreshes a pending registration for
// the same email, then mails a verification code.
func (s *Service) Signup(ctx context.Context, username, email, password string) error {
	in := signupInput{
		Username: normalize.Username(username),
		Email:    normalize.Email(email),
		Password: password,
	}
	if err := s.validate.Struct(in); err != nil {
		return apperr.Wrap(apperr.ErrValidation, firstProblem(err), err)
	}
	log := s.log.WithField("username", in.Username)

	taken, err := s.store.VerifiedUsernameExists(ctx, in.Username)
	if err != nil {
		return s.internal(log, "error registering user", err)
	}
	if taken {
		return apperr.E(apperr.ErrConflict, "username is already taken")
	}

	hashed, err := auth.HashPassword(in.Password)
	if err != nil {
		return s.internal(log, "error registering user", err)
	}
	code, expiry, err := s.codes.Issue()
	if err != nil {
		return s.internal(log, "error registering user", err)
	}

	existing, err := s.store.GetUserByEmail(ctx, in.Email)
	switch {
	case err == nil && existing.IsVerified:
		return apperr.E(apperr.ErrConflict, "user already exists with this email")
	case err == nil:
		if err := s.store.UpdatePendingUser(ctx, existing.ID, hashed, code, expiry); err != nil {
			return s.internal(log, "error registering user", err)
		}
		// the pending account keeps the username it registered with
		in.Username = existing.Username
	case errors.Is(err, data.ErrUserNotFound):
		user := &data.User{
			Username:            in.Username,
			Email:               in.Email,
			Password:            hashed,
			VerifyCode:          code,
			VerifyCodeExpiry:    expiry,
			IsAcceptingMessages: true,
		}
		if err := s.store.CreateUser(ctx, user); err != nil {
			if errors.Is(err, data.ErrDuplicateUser) {
				return apperr.E(apperr.ErrConflict, "username is already taken")
			}
			return s.internal(log, "error registering user", err)
		}
	default:
		return s.internal(log, "error registering user", err)
	}

	mailCtx, cancel := context.WithTimeout(ctx, s.mailTimeout)
	defer cancel()
	if err := s.mail.SendVerification(mailCtx, mailer.Verification{Email: in.Email, Username: in.Username, Code: code}); err != nil {
		log.WithError(err).Error("sending verification email failed")
		return apperr.Wrap(apperr.ErrUpstream, "failed to send verification email", err)
	}

	log.Info("user registered, verification pending")
	return nil
}

// Verify confirms username's account with code.
func (s *Service) Verify(ctx context.Context, username, code string) error {
	username = normalize.Username(username)
	code = strings.TrimSpace(code)
	if username == "" || code == "" {
		return apperr.E(apperr.ErrValidation, "username and code are required")
	}
	log := s.log.WithField("username", username)

	user, err := s.store.GetUserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, data.ErrUserNotFound) {
			return apperr.E(apperr.ErrNotFound, "user not found")
		}
		return s.internal(log, "error verifying user", err)
	}
	if user.IsVerified {
		return nil
	}

	switch verify.Check(user.VerifyCode, user.VerifyCodeExpiry, code, s.now()) {
	case verify.Expired:
		return apperr.E(apperr.ErrValidation, "verification code has expired, please sign up again to get a new code")
	case verify.Mismatch:
		return apperr.E(apperr.ErrValidation, "incorrect verification code")
	}

	if err := s.store.MarkVerified(ctx, user.ID); err != nil {
		return s.internal(log, "error verifying user", err)
	}
	log.Info("account verified")
	return nil
}

// Login authenticates identifier (email or username) and issues a session.
func (s *Service) Login(ctx context.Context, identifier, password string) (*Session, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" || password == "" {
		return nil, apperr.E(apperr.ErrValidation, "identifier and password are required")
	}

	user, err := s.store.GetUserByIdentifier(ctx, identifier)
	if err != nil {
		if errors.Is(err, data.ErrUserNotFound) {
			return nil, apperr.E(apperr.ErrUnauthorized, "invalid credentials")
		}
		return nil, s.internal(s.log, "error logging in", err)
	}
	log := s.log.WithField("user_id", user.ID.Hex())

	if err := auth.CheckPassword(user.Password, password); err != nil {
		log.Debug("password mismatch")
		return nil, apperr.E(apperr.ErrUnauthorized, "invalid credentials")
	}
	if !user.IsVerified {
		return nil, apperr.E(apperr.ErrUnauthorized, "please verify your account before login")
	}

	token, expiresAt, err := s.tokens.GenerateToken(auth.Identity{
		UserID:              user.ID,
		Username:            user.Username,
		Email:               user.Email,
		IsVerified:          user.IsVerified,
		IsAcceptingMessages: user.IsAcceptingMessages,
	})
	if err != nil {
		return nil, s.internal(log, "error logging in", err)
	}

	log.Info("user logged in")
	return &Session{
		Token:               token,
		ExpiresAt:           expiresAt,
		UserID:              user.ID.Hex(),
		Username:            user.Username,
		IsAcceptingMessages: user.IsAcceptingMessages,
	}, nil
}

// UsernameAvailable reports whether username is well formed and not owned
// by a verified account.
func (s *Service) UsernameAvailable(ctx context.Context, username string) (bool, error) {
	username = normalize.Username(username)
	if !validation.ValidUsername(username) {
		return false, apperr.E(apperr.ErrValidation, "username must be 3-20 characters of letters, digits or underscore")
	}
	taken, err := s.store.VerifiedUsernameExists(ctx, username)
	if err != nil {
		return false, s.internal(s.log, "error checking username", err)
	}
	return !taken, nil
}

func (s *Service) internal(log *logrus.Entry, msg string, err error) error {
	log.WithError(err).Error(msg)
	return apperr.Wrap(errInternal, msg, err)
}

func firstProblem(err error) string {
	fields := validation.Describe(err)
	for _, key := range []string{"username", "email", "password", "request"} {
		if msg, ok := fields[key]; ok {
			return msg
		}
	}
	return "invalid request"
}
