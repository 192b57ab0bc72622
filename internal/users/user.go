package users

import "time"

// User is an account allowed to talk to the remote store.
type User struct {
	Username     string    `bson:"_id" json:"username"`
	PasswordHash string    `bson:"passwordHash" json:"-"`
	CreatedAt    time.Time `bson:"createdAt" json:"createdAt"`
	UpdatedAt    time.Time `bson:"updatedAt" json:"updatedAt"`
}
