// Package inbox stores and serves the anonymous messages each user receives.
package inbox

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"

	"github.com/PaulBabatuyi/anonymous-messages/internal/apperr"
	"github.com/PaulBabatuyi/anonymous-messages/internal/data"
	"github.com/PaulBabatuyi/anonymous-messages/internal/validation"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// Store is the subset of data.UsersStore the inbox needs.
type Store interface {
	AppendMessage(ctx context.Context, username string, msg data.Message) error
	ListMessages(ctx context.Context, userID bson.ObjectID, page data.Page) ([]data.Message, error)
	DeleteMessage(ctx context.Context, userID, messageID bson.ObjectID) error
	SetAcceptingMessages(ctx context.Context, userID bson.ObjectID, accepting bool) (bool, error)
	AcceptingMessages(ctx context.Context, userID bson.ObjectID) (bool, error)
}

// Service implements the message operations on top of a Store.
type Service struct {
	store    Store
	validate *validator.Validate
	log      *logrus.Entry
	now      func() time.Time
}

// NewService returns a Service. A nil logger discards output.
func NewService(store Store, log *logrus.Entry) *Service {
	if log == nil {
		l := logrus.New()
		l.SetLevel(logrus.PanicLevel)
		log = logrus.NewEntry(l)
	}
	return &Service{
		store:    store,
		validate: validation.New(),
		log:      log,
		now:      time.Now,
	}
}

type appendInput struct {
	Username string `validate:"required,username"`
	Content  string `validate:"required,max=2000"`
}

// Append delivers content to username's inbox. Content is trimmed first and
// must be 1-2000 characters. The recipient must exist and accept messages.
func (s *Service) Append(ctx context.Context, username, content string) (*data.Message, error) {
	in := appendInput{Username: strings.TrimSpace(username), Content: strings.TrimSpace(content)}
	if err := s.validate.Struct(in); err != nil {
		return nil, apperr.Wrap(apperr.ErrValidation, describe(err), err)
	}

	msg := data.Message{
		ID:        bson.NewObjectID(),
		Content:   in.Content,
		CreatedAt: s.now().UTC(),
	}
	log := s.log.WithFields(logrus.Fields{"username": in.Username, "message_id": msg.ID.Hex()})

	err := s.store.AppendMessage(ctx, in.Username, msg)
	switch {
	case err == nil:
		log.Info("message delivered")
		return &msg, nil
	case errors.Is(err, data.ErrUserNotFound):
		log.Debug("recipient not found")
		return nil, apperr.E(apperr.ErrNotFound, "user not found")
	case errors.Is(err, data.ErrNotAccepting):
		log.Debug("recipient is not accepting messages")
		return nil, apperr.E(apperr.ErrRejected, "user is not accepting messages")
	default:
		log.WithError(err).Error("append message failed")
		return nil, apperr.Wrap(errInternal, "error sending message", err)
	}
}

// ListOwn returns the session user's messages, newest first.
func (s *Service) ListOwn(ctx context.Context, userID string, page data.Page) ([]data.Message, error) {
	id, err := sessionID(userID)
	if err != nil {
		return nil, err
	}
	if page.Offset < 0 || page.Limit < 0 {
		return nil, apperr.E(apperr.ErrValidation, "offset and limit must not be negative")
	}
	// the store pages with 32-bit positions
	if page.Offset > math.MaxInt32 || page.Limit > math.MaxInt32 {
		return nil, apperr.E(apperr.ErrValidation, "offset and limit are too large")
	}

	msgs, err := s.store.ListMessages(ctx, id, page)
	if err != nil {
		if errors.Is(err, data.ErrUserNotFound) {
			return nil, apperr.E(apperr.ErrNotFound, "user not found")
		}
		s.log.WithError(err).WithField("user_id", userID).Error("list messages failed")
		return nil, apperr.Wrap(errInternal, "error fetching messages", err)
	}
	return msgs, nil
}

// DeleteOwn removes one of the session user's messages.
func (s *Service) DeleteOwn(ctx context.Context, userID, messageID string) error {
	owner, err := sessionID(userID)
	if err != nil {
		return err
	}
	log := s.log.WithFields(logrus.Fields{"user_id": userID, "message_id": messageID})

	// a malformed id cannot name any stored message
	id, err := bson.ObjectIDFromHex(messageID)
	if err != nil {
		log.Debug("malformed message id")
		return apperr.E(apperr.ErrNotFound, "message not found or already deleted")
	}

	err = s.store.DeleteMessage(ctx, owner, id)
	switch {
	case err == nil:
		log.Info("message deleted")
		return nil
	case errors.Is(err, data.ErrMessageNotFound):
		return apperr.E(apperr.ErrNotFound, "message not found or already deleted")
	default:
		log.WithError(err).Error("delete message failed")
		return apperr.Wrap(errInternal, "error deleting message", err)
	}
}

// SetAcceptingMessages updates the session user's accept-messages flag and
// returns the stored value.
func (s *Service) SetAcceptingMessages(ctx context.Context, userID string, accepting bool) (bool, error) {
	id, err := sessionID(userID)
	if err != nil {
		return false, err
	}
	got, err := s.store.SetAcceptingMessages(ctx, id, accepting)
	if err != nil {
		if errors.Is(err, data.ErrUserNotFound) {
			return false, apperr.E(apperr.ErrNotFound, "user not found")
		}
		s.log.WithError(err).WithField("user_id", userID).Error("update accept status failed")
		return false, apperr.Wrap(errInternal, "error updating message acceptance status", err)
	}
	s.log.WithFields(logrus.Fields{"user_id": userID, "accepting": got}).Info("accept status updated")
	return got, nil
}

// AcceptingMessages reads the session user's accept-messages flag.
func (s *Service) AcceptingMessages(ctx context.Context, userID string) (bool, error) {
	id, err := sessionID(userID)
	if err != nil {
		return false, err
	}
	got, err := s.store.AcceptingMessages(ctx, id)
	if err != nil {
		if errors.Is(err, data.ErrUserNotFound) {
			return false, apperr.E(apperr.ErrNotFound, "user not found")
		}
		s.log.WithError(err).WithField("user_id", userID).Error("read accept status failed")
		return false, apperr.Wrap(errInternal, "error retrieving message acceptance status", err)
	}
	return got, nil
}

// errInternal marks failures that are not the caller's fault.
var errInternal = errors.New("internal error")

func sessionID(userID string) (bson.ObjectID, error) {
	if userID == "" {
		return bson.ObjectID{}, apperr.E(apperr.ErrUnauthorized, "not authenticated")
	}
	id, err := bson.ObjectIDFromHex(userID)
	if err != nil {
		return bson.ObjectID{}, apperr.Wrap(apperr.ErrUnauthorized, "not authenticated", err)
	}
	return id, nil
}

func describe(err error) string {
	fields := validation.Describe(err)
	if msg, ok := fields["content"]; ok {
		return msg
	}
	if msg, ok := fields["username"]; ok {
		return msg
	}
	return "invalid message"
}
