// Package data provides DB models and stores.
package data

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/PaulBabatuyi/anonymous-messages/internal/normalize"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// UsersStore performs user DB operations. Messages are stored inside user
// documents, so message operations (messages.go) live here too.
type UsersStore struct {
	coll *mongo.Collection
	now  func() time.Time
}

// NewUsersStore returns a UsersStore using the provided collection.
func NewUsersStore(coll *mongo.Collection) *UsersStore {
	return &UsersStore{coll: coll, now: time.Now}
}

// accountProjection leaves out the message array; account flows never need it.
var accountProjection = bson.M{"messages": 0}

// CreateUser inserts a new user document. The message array is always
// written as an empty array so later $push operations have a target.
func (u *UsersStore) CreateUser(ctx context.Context, user *User) error {
	now := u.now()
	user.Email = normalize.Email(user.Email)
	user.Username = normalize.Username(user.Username)
	if user.Messages == nil {
		user.Messages = []Message{}
	}
	user.CreatedAt = now
	user.UpdatedAt = now

	result, err := u.coll.InsertOne(ctx, user)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrDuplicateUser
		}
		return fmt.Errorf("insert user: %w", err)
	}

	user.ID = result.InsertedID.(bson.ObjectID)
	return nil
}

func (u *UsersStore) findOne(ctx context.Context, filter bson.M) (*User, error) {
	var user User
	err := u.coll.FindOne(ctx, filter, options.FindOne().SetProjection(accountProjection)).Decode(&user)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

// GetUserByID finds a user by ObjectID.
func (u *UsersStore) GetUserByID(ctx context.Context, id bson.ObjectID) (*User, error) {
	return u.findOne(ctx, bson.M{"_id": id})
}

// GetUserByUsername finds a user by exact username.
func (u *UsersStore) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	return u.findOne(ctx, bson.M{"username": normalize.Username(username)})
}

// GetUserByEmail finds a user by email.
func (u *UsersStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return u.findOne(ctx, bson.M{"email": normalize.Email(email)})
}

// GetUserByIdentifier finds a user whose email or username equals identifier.
func (u *UsersStore) GetUserByIdentifier(ctx context.Context, identifier string) (*User, error) {
	id := normalize.Identifier(identifier)
	return u.findOne(ctx, bson.M{"$or": bson.A{
		bson.M{"email": id},
		bson.M{"username": id},
	}})
}

// VerifiedUsernameExists reports whether a verified account owns username.
func (u *UsersStore) VerifiedUsernameExists(ctx context.Context, username string) (bool, error) {
	count, err := u.coll.CountDocuments(ctx, bson.M{
		"username":    normalize.Username(username),
		"is_verified": true,
	})
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// UpdatePendingUser replaces the password and verification code of an
// account that has not been verified yet.
func (u *UsersStore) UpdatePendingUser(ctx context.Context, id bson.ObjectID, hashedPassword, code string, expiry time.Time) error {
	res, err := u.coll.UpdateOne(ctx,
		bson.M{"_id": id, "is_verified": false},
		bson.M{"$set": bson.M{
			"password":           hashedPassword,
			"verify_code":        code,
			"verify_code_expiry": expiry,
			"updated_at":         u.now(),
		}},
	)
	if err != nil {
		return fmt.Errorf("update pending user: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrUserNotFound
	}
	return nil
}

// MarkVerified flags the account as verified and clears its code.
func (u *UsersStore) MarkVerified(ctx context.Context, id bson.ObjectID) error {
	res, err := u.coll.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{
			"$set":   bson.M{"is_verified": true, "updated_at": u.now()},
			"$unset": bson.M{"verify_code": ""},
		},
	)
	if err != nil {
		return fmt.Errorf("mark verified: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrUserNotFound
	}
	return nil
}
