package data

import (
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// User maps to the users collection. It is the aggregate root for the
// messages it has received; they live only inside this document.
type User struct {
	ID                  bson.ObjectID `bson:"_id,omitempty" json:"_id"`
	Username            string        `bson:"username" json:"username"`
	Email               string        `bson:"email" json:"email"`
	Password            string        `bson:"password" json:"-"`
	VerifyCode          string        `bson:"verify_code" json:"-"`
	VerifyCodeExpiry    time.Time     `bson:"verify_code_expiry" json:"-"`
	IsVerified          bool          `bson:"is_verified" json:"isVerified"`
	IsAcceptingMessages bool          `bson:"is_accepting_messages" json:"isAcceptingMessages"`
	Messages            []Message     `bson:"messages" json:"-"`
	CreatedAt           time.Time     `bson:"created_at" json:"createdAt"`
	UpdatedAt           time.Time     `bson:"updated_at" json:"updatedAt"`
}

// Message is one anonymous submission embedded in its recipient's document.
type Message struct {
	ID        bson.ObjectID `bson:"_id" json:"_id"`
	Content   string        `bson:"content" json:"content"`
	CreatedAt time.Time     `bson:"created_at" json:"createdAt"`
}

// Page selects a window of a user's messages, newest first. A zero Limit
// means no limit.
type Page struct {
	Offset int
	Limit  int
}
