package store

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/postsync/postsync/internal/post"
)

const digestLength = 32

// ParseRevision splits a "<generation>-<digest>" token.
func ParseRevision(rev string) (int, string, error) {
	genStr, digest, ok := strings.Cut(rev, "-")
	if !ok || digest == "" {
		return 0, "", fmt.Errorf("%w: malformed revision %q", ErrInvalid, rev)
	}
	gen, err := strconv.Atoi(genStr)
	if err != nil || gen < 1 {
		return 0, "", fmt.Errorf("%w: malformed revision %q", ErrInvalid, rev)
	}
	return gen, digest, nil
}

// NextRevision derives the revision that follows prev for the given body.
func NextRevision(prev string, p *post.Post) string {
	gen := 0
	if prev != "" {
		if g, _, err := ParseRevision(prev); err == nil {
			gen = g
		}
	}
	h := sha1.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00%s\x00%s\x00%t",
		prev,
		p.Title,
		p.Content,
		p.Attributes.CreationDate.Format(time.RFC3339Nano),
		p.Attributes.Modified.Format(time.RFC3339Nano),
		p.Deleted,
	)
	return strconv.Itoa(gen+1) + "-" + hex.EncodeToString(h.Sum(nil))[:digestLength]
}

// Wins reports whether candidate beats current: the higher generation wins and
// ties go to the greater digest. Every replica picks the same winner.
func Wins(candidate, current string) bool {
	cg, cd, err := ParseRevision(candidate)
	if err != nil {
		return false
	}
	if current == "" {
		return true
	}
	og, od, err := ParseRevision(current)
	if err != nil {
		return true
	}
	if cg != og {
		return cg > og
	}
	return cd > od
}

// prepareWrite checks a local write against the stored version and returns
// the document to persist.
func prepareWrite(current, incoming *post.Post) (*post.Post, error) {
	if incoming == nil || incoming.ID == "" {
		return nil, fmt.Errorf("%w: missing id", ErrInvalid)
	}
	live := current != nil && !current.Deleted
	if live && incoming.Revision != current.Revision {
		return nil, fmt.Errorf("%w: %s has revision %s, got %q", ErrConflict, incoming.ID, current.Revision, incoming.Revision)
	}
	if !live && incoming.Revision != "" {
		return nil, fmt.Errorf("%w: %s does not exist at revision %s", ErrConflict, incoming.ID, incoming.Revision)
	}
	prev := ""
	if current != nil {
		prev = current.Revision
	}
	next := incoming.Copy()
	next.Deleted = false
	next.Revision = NextRevision(prev, next)
	return next, nil
}

// prepareRemove builds the tombstone that replaces current.
func prepareRemove(current *post.Post, id, rev string) (*post.Post, error) {
	if current == nil || current.Deleted {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if rev != current.Revision {
		return nil, fmt.Errorf("%w: %s has revision %s, got %q", ErrConflict, id, current.Revision, rev)
	}
	tomb := &post.Post{
		ID:         current.ID,
		Deleted:    true,
		Attributes: current.Attributes,
	}
	tomb.Revision = NextRevision(current.Revision, tomb)
	return tomb, nil
}

// shouldApply reports whether a replicated revision replaces current.
func shouldApply(current, incoming *post.Post) bool {
	if incoming == nil || incoming.ID == "" {
		return false
	}
	if current == nil {
		_, _, err := ParseRevision(incoming.Revision)
		return err == nil
	}
	return Wins(incoming.Revision, current.Revision)
}

func visible(p *post.Post) bool {
	return p != nil && !p.Deleted
}
