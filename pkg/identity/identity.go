// Package identity maps invitees to stable pseudonymous keys.
//
// Authenticated users resolve to "u:<user_id>". Anonymous recipients resolve to
// "e:<first 16 hex chars of sha256(lower(trim(email)))>". The two namespaces are never
// unified automatically: a person who answers through an email link and later logs in
// holds two distinct identities.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// Kind distinguishes the identity namespaces.
type Kind int

const (
	KindUnknown Kind = iota
	KindInternal
	KindExternal
)

const (
	internalPrefix = "u:"
	externalPrefix = "e:"
	emailHashLen   = 16
)

var ErrInvalidKey = errors.New("invalid invitee key")

// Identity is a resolved invitee. The zero value is "no identity".
// Identity values are comparable and can be used as map keys.
type Identity struct {
	kind  Kind
	value string
}

// Internal returns the identity of an authenticated user.
func Internal(userID string) Identity {
	return Identity{kind: KindInternal, value: strings.TrimSpace(userID)}
}

// External returns the identity of an anonymous recipient addressed by email.
func External(email string) Identity {
	return Identity{kind: KindExternal, value: HashEmail(email)}
}

// Resolve picks the internal identity when a user id is known, otherwise the
// email-derived one.
func Resolve(userID, email string) Identity {
	if strings.TrimSpace(userID) != "" {
		return Internal(userID)
	}
	return External(email)
}

// HashEmail normalizes an email and returns the truncated sha256 hex digest.
func HashEmail(email string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(email))))
	return hex.EncodeToString(sum[:])[:emailHashLen]
}

// Parse decodes a "u:" or "e:" key.
func Parse(key string) (Identity, error) {
	key = strings.TrimSpace(key)
	switch {
	case strings.HasPrefix(key, internalPrefix):
		id := strings.TrimPrefix(key, internalPrefix)
		if id == "" {
			return Identity{}, fmt.Errorf("%w: empty user id", ErrInvalidKey)
		}
		return Identity{kind: KindInternal, value: id}, nil
	case strings.HasPrefix(key, externalPrefix):
		hash := strings.TrimPrefix(key, externalPrefix)
		if len(hash) != emailHashLen {
			return Identity{}, fmt.Errorf("%w: email hash must be %d hex chars", ErrInvalidKey, emailHashLen)
		}
		if _, err := hex.DecodeString(hash); err != nil {
			return Identity{}, fmt.Errorf("%w: email hash is not hex", ErrInvalidKey)
		}
		return Identity{kind: KindExternal, value: strings.ToLower(hash)}, nil
	default:
		return Identity{}, fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
}

// ParseAll parses a list of keys, dropping duplicates while keeping order.
func ParseAll(keys []string) ([]Identity, error) {
	out := make([]Identity, 0, len(keys))
	seen := make(map[Identity]struct{}, len(keys))
	for _, key := range keys {
		id, err := Parse(key)
		if err != nil {
			return nil, err
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out, nil
}

func (i Identity) Kind() Kind { return i.kind }

func (i Identity) IsZero() bool { return i.kind == KindUnknown }

// UserID returns the user id for internal identities.
func (i Identity) UserID() (string, bool) {
	if i.kind != KindInternal {
		return "", false
	}
	return i.value, true
}

func (i Identity) String() string {
	switch i.kind {
	case KindInternal:
		return internalPrefix + i.value
	case KindExternal:
		return externalPrefix + i.value
	default:
		return ""
	}
}

func (i Identity) MarshalText() ([]byte, error) {
	return []byte(i.String()), nil
}

func (i *Identity) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*i = Identity{}
		return nil
	}
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*i = parsed
	return nil
}

// Strings formats a list of identities.
func Strings(ids []Identity) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, id.String())
	}
	return out
}
