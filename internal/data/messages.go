package data

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/PaulBabatuyi/anonymous-messages/internal/normalize"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// AppendMessage pushes msg onto the messages of the user named username.
// The accept-messages gate is part of the update filter, so the check and the
// push are one atomic operation on the recipient's document.
func (u *UsersStore) AppendMessage(ctx context.Context, username string, msg Message) error {
	username = normalize.Username(username)

	res, err := u.coll.UpdateOne(ctx,
		bson.M{"username": username, "is_accepting_messages": true},
		bson.M{
			"$push": bson.M{"messages": msg},
			"$set":  bson.M{"updated_at": u.now()},
		},
	)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	if res.MatchedCount > 0 {
		return nil
	}

	// Nothing matched: tell "no such user" apart from "not accepting".
	count, err := u.coll.CountDocuments(ctx, bson.M{"username": username})
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	if count == 0 {
		return ErrUserNotFound
	}
	return ErrNotAccepting
}

// ListMessages returns the user's messages newest first. Equal timestamps
// are ordered by descending id so the order is stable across calls.
func (u *UsersStore) ListMessages(ctx context.Context, userID bson.ObjectID, page Page) ([]Message, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.D{{Key: "_id", Value: userID}}}},
		{{Key: "$project", Value: bson.D{
			{Key: "messages", Value: bson.D{{Key: "$sortArray", Value: bson.D{
				{Key: "input", Value: bson.D{{Key: "$ifNull", Value: bson.A{"$messages", bson.A{}}}}},
				{Key: "sortBy", Value: bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}},
			}}}},
		}}},
	}

	if page.Offset > 0 || page.Limit > 0 {
		n := page.Limit
		if n <= 0 {
			n = math.MaxInt32
		}
		pipeline = append(pipeline, bson.D{{Key: "$project", Value: bson.D{
			{Key: "messages", Value: bson.D{{Key: "$slice", Value: bson.A{"$messages", page.Offset, n}}}},
		}}})
	}

	cursor, err := u.coll.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer cursor.Close(ctx)

	var results []struct {
		Messages []Message `bson:"messages"`
	}
	if err := cursor.All(ctx, &results); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	if len(results) == 0 {
		return nil, ErrUserNotFound
	}

	msgs := results[0].Messages
	if msgs == nil {
		msgs = []Message{}
	}
	return msgs, nil
}

// DeleteMessage pulls one message out of the owner's array. The filter names
// both the owner and the message, so another user's message can never match.
func (u *UsersStore) DeleteMessage(ctx context.Context, userID, messageID bson.ObjectID) error {
	res, err := u.coll.UpdateOne(ctx,
		bson.M{"_id": userID, "messages._id": messageID},
		bson.M{
			"$pull": bson.M{"messages": bson.M{"_id": messageID}},
			"$set":  bson.M{"updated_at": u.now()},
		},
	)
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrMessageNotFound
	}
	return nil
}

// SetAcceptingMessages stores the flag and returns the value now stored.
func (u *UsersStore) SetAcceptingMessages(ctx context.Context, userID bson.ObjectID, accepting bool) (bool, error) {
	opts := options.FindOneAndUpdate().
		SetReturnDocument(options.After).
		SetProjection(bson.M{"is_accepting_messages": 1})

	var user User
	err := u.coll.FindOneAndUpdate(ctx,
		bson.M{"_id": userID},
		bson.M{"$set": bson.M{"is_accepting_messages": accepting, "updated_at": u.now()}},
		opts,
	).Decode(&user)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return false, ErrUserNotFound
		}
		return false, fmt.Errorf("set accepting messages: %w", err)
	}
	return user.IsAcceptingMessages, nil
}

// AcceptingMessages reads the user's accept-messages flag.
func (u *UsersStore) AcceptingMessages(ctx context.Context, userID bson.ObjectID) (bool, error) {
	var user User
	err := u.coll.FindOne(ctx,
		bson.M{"_id": userID},
		options.FindOne().SetProjection(bson.M{"is_accepting_messages": 1}),
	).Decode(&user)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return false, ErrUserNotFound
		}
		return false, fmt.Errorf("accepting messages: %w", err)
	}
	return user.IsAcceptingMessages, nil
}
