// Package datatest provides an in-memory implementation of the users store
// for tests that should not need a MongoDB server.
package datatest

import (
	"bytes"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/PaulBabatuyi/anonymous-messages/internal/data"
	"github.com/PaulBabatuyi/anonymous-messages/internal/normalize"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// Store mirrors data.UsersStore. Each method holds the lock for its whole
// duration, matching the per-document atomicity MongoDB gives the real store.
type Store struct {
	mu    sync.Mutex
	users map[bson.ObjectID]*data.User
	now   func() time.Time
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{users: map[bson.ObjectID]*data.User{}, now: time.Now}
}

func clone(u *data.User) *data.User {
	cp := *u
	cp.Messages = slices.Clone(u.Messages)
	return &cp
}

func (s *Store) byUsername(username string) *data.User {
	for _, u := range s.users {
		if u.Username == username {
			return u
		}
	}
	return nil
}

func (s *Store) byEmail(email string) *data.User {
	for _, u := range s.users {
		if u.Email == email {
			return u
		}
	}
	return nil
}

// CreateUser stores a copy of user and assigns its ID.
func (s *Store) CreateUser(_ context.Context, user *data.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user.Email = normalize.Email(user.Email)
	user.Username = normalize.Username(user.Username)
	if s.byUsername(user.Username) != nil || s.byEmail(user.Email) != nil {
		return data.ErrDuplicateUser
	}
	if user.ID.IsZero() {
		user.ID = bson.NewObjectID()
	}
	if user.Messages == nil {
		user.Messages = []data.Message{}
	}
	now := s.now()
	user.CreatedAt, user.UpdatedAt = now, now
	s.users[user.ID] = clone(user)
	return nil
}

// GetUserByID finds a user by ObjectID.
func (s *Store) GetUserByID(_ context.Context, id bson.ObjectID) (*data.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[id]; ok {
		return clone(u), nil
	}
	return nil, data.ErrUserNotFound
}

// GetUserByUsername finds a user by exact username.
func (s *Store) GetUserByUsername(_ context.Context, username string) (*data.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u := s.byUsername(normalize.Username(username)); u != nil {
		return clone(u), nil
	}
	return nil, data.ErrUserNotFound
}

// GetUserByEmail finds a user by email.
func (s *Store) GetUserByEmail(_ context.Context, email string) (*data.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u := s.byEmail(normalize.Email(email)); u != nil {
		return clone(u), nil
	}
	return nil, data.ErrUserNotFound
}

// GetUserByIdentifier finds a user by email or username.
func (s *Store) GetUserByIdentifier(_ context.Context, identifier string) (*data.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := normalize.Identifier(identifier)
	if u := s.byEmail(id); u != nil {
		return clone(u), nil
	}
	if u := s.byUsername(id); u != nil {
		return clone(u), nil
	}
	return nil, data.ErrUserNotFound
}

// VerifiedUsernameExists reports whether a verified user owns username.
func (s *Store) VerifiedUsernameExists(_ context.Context, username string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.byUsername(normalize.Username(username))
	return u != nil && u.IsVerified, nil
}

// UpdatePendingUser updates an unverified account's password and code.
func (s *Store) UpdatePendingUser(_ context.Context, id bson.ObjectID, hashedPassword, code string, expiry time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok || u.IsVerified {
		return data.ErrUserNotFound
	}
	u.Password, u.VerifyCode, u.VerifyCodeExpiry = hashedPassword, code, expiry
	u.UpdatedAt = s.now()
	return nil
}

// MarkVerified flags the account as verified.
func (s *Store) MarkVerified(_ context.Context, id bson.ObjectID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return data.ErrUserNotFound
	}
	u.IsVerified = true
	u.VerifyCode = ""
	u.UpdatedAt = s.now()
	return nil
}

// AppendMessage adds msg to username's messages if they accept messages.
func (s *Store) AppendMessage(_ context.Context, username string, msg data.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.byUsername(normalize.Username(username))
	if u == nil {
		return data.ErrUserNotFound
	}
	if !u.IsAcceptingMessages {
		return data.ErrNotAccepting
	}
	u.Messages = append(u.Messages, msg)
	u.UpdatedAt = s.now()
	return nil
}

// ListMessages returns the user's messages newest first, ties broken by
// descending id.
func (s *Store) ListMessages(_ context.Context, userID bson.ObjectID, page data.Page) ([]data.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return nil, data.ErrUserNotFound
	}

	msgs := slices.Clone(u.Messages)
	slices.SortFunc(msgs, func(a, b data.Message) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return bytes.Compare(b.ID[:], a.ID[:])
	})

	start := min(max(page.Offset, 0), len(msgs))
	end := len(msgs)
	if page.Limit > 0 {
		end = min(start+page.Limit, len(msgs))
	}
	out := msgs[start:end]
	if out == nil {
		out = []data.Message{}
	}
	return out, nil
}

// DeleteMessage removes messageID from userID's messages.
func (s *Store) DeleteMessage(_ context.Context, userID, messageID bson.ObjectID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return data.ErrMessageNotFound
	}
	i := slices.IndexFunc(u.Messages, func(m data.Message) bool { return m.ID == messageID })
	if i < 0 {
		return data.ErrMessageNotFound
	}
	u.Messages = slices.Delete(u.Messages, i, i+1)
	u.UpdatedAt = s.now()
	return nil
}

// SetAcceptingMessages stores the flag and returns it.
func (s *Store) SetAcceptingMessages(_ context.Context, userID bson.ObjectID, accepting bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return false, data.ErrUserNotFound
	}
	u.IsAcceptingMessages = accepting
	u.UpdatedAt = s.now()
	return u.IsAcceptingMessages, nil
}

// AcceptingMessages reads the flag.
func (s *Store) AcceptingMessages(_ context.Context, userID bson.ObjectID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return false, data.ErrUserNotFound
	}
	return u.IsAcceptingMessages, nil
}

// MessageCount is a test helper returning how many messages userID holds.
func (s *Store) MessageCount(userID bson.ObjectID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[userID]; ok {
		return len(u.Messages)
	}
	return 0
}
