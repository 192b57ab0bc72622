package post

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// Attributes carries the bookkeeping timestamps of a post.
type Attributes struct {
	CreationDate time.Time `json:"creation_date" bson:"creation_date"`
	Modified     time.Time `json:"modified" bson:"modified"`
}

// Post is the document shape shared by the local store, the remote store and
// the replication feed. Revision and Deleted are owned by the stores.
type Post struct {
	ID         string     `json:"_id" bson:"_id"`
	Revision   string     `json:"_rev,omitempty" bson:"_rev,omitempty"`
	Deleted    bool       `json:"_deleted,omitempty" bson:"_deleted,omitempty"`
	Title      string     `json:"title" bson:"title"`
	Content    string     `json:"content" bson:"content"`
	Attributes Attributes `json:"attributes" bson:"attributes"`
}

// New builds an unsaved post with a fresh identifier. Both timestamps are set
// to now so a freshly created post has creation_date == modified.
func New(title, content string, now time.Time) *Post {
	ts := Timestamp(now)
	return &Post{
		ID:      NewID(),
		Title:   title,
		Content: content,
		Attributes: Attributes{
			CreationDate: ts,
			Modified:     ts,
		},
	}
}

// NewID returns a collision-resistant, time-ordered identifier.
func NewID() string {
	return ulid.Make().String()
}

// Timestamp normalizes t to the precision stored in documents.
func Timestamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}

// Touch advances Modified to now. Modified never moves backwards, so a clock
// step back keeps the previous value.
func (p *Post) Touch(now time.Time) {
	ts := Timestamp(now)
	if ts.Before(p.Attributes.Modified) {
		return
	}
	p.Attributes.Modified = ts
}

func (p Post) Copy() *Post {
	return &p
}
