// Package idgen generates and resolves time-ordered atom identifiers.
//
// An atom ID is "<repo>-<26 chars>": a 10-character millisecond timestamp in
// Crockford base32 (lexicographically sortable) followed by 16 random
// characters from the same alphabet. The 80-bit random suffix makes
// same-millisecond collisions acceptable.
package idgen

import (
	"crypto/rand"
	"fmt"
	"strings"
	"time"
)

// Alphabet is the Crockford base32 character set. I, L, O, and U are
// excluded to avoid confusion with 1 and 0.
const Alphabet = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

const (
	// TimestampLength is the number of timestamp characters in an ID.
	TimestampLength = 10

	// RandomLength is the number of random characters in an ID.
	RandomLength = 16

	// IDLength is the total encoded length (timestamp + random).
	IDLength = TimestampLength + RandomLength

	// MinPrefixLength is the shortest disambiguating prefix Shorten returns.
	MinPrefixLength = 4
)

// New generates a fresh ID for the given repo name using the current time.
func New(repoName string) string {
	return NewAt(repoName, time.Now())
}

// NewAt generates an ID with an explicit timestamp (for tests and imports).
func NewAt(repoName string, at time.Time) string {
	return repoName + "-" + EncodeTimestamp(at) + randomSuffix()
}

// EncodeTimestamp encodes the millisecond timestamp as 10 Crockford base32
// characters, zero-padded so encoded values sort like the times they encode.
func EncodeTimestamp(at time.Time) string {
	ms := at.UnixMilli()
	if ms < 0 {
		ms = 0
	}
	buf := make([]byte, TimestampLength)
	for i := TimestampLength - 1; i >= 0; i-- {
		buf[i] = Alphabet[ms%32]
		ms /= 32
	}
	return string(buf)
}

// DecodeTimestamp recovers the creation time from an ID's timestamp prefix.
func DecodeTimestamp(encoded string) (time.Time, error) {
	if len(encoded) < TimestampLength {
		return time.Time{}, fmt.Errorf("timestamp prefix too short: %q", encoded)
	}
	var ms int64
	for i := 0; i < TimestampLength; i++ {
		idx := strings.IndexByte(Alphabet, encoded[i])
		if idx < 0 {
			return time.Time{}, fmt.Errorf("invalid timestamp character %q", encoded[i])
		}
		ms = ms*32 + int64(idx)
	}
	return time.UnixMilli(ms).UTC(), nil
}

func randomSuffix() string {
	raw := make([]byte, RandomLength)
	if _, err := rand.Read(raw); err != nil {
		// crypto/rand never fails on supported platforms; if it does
		// there is nothing sensible to fall back to.
		panic(fmt.Sprintf("idgen: crypto/rand failed: %v", err))
	}
	buf := make([]byte, RandomLength)
	for i, b := range raw {
		buf[i] = Alphabet[int(b)%32]
	}
	return string(buf)
}

// SplitID separates an ID into repo prefix and the 26-char encoded portion.
// The repo name may itself contain hyphens, so the split is on the last one.
func SplitID(id string) (repo, encoded string, err error) {
	idx := strings.LastIndexByte(id, '-')
	if idx < 0 || len(id)-idx-1 != IDLength {
		return "", "", fmt.Errorf("malformed atom id: %q", id)
	}
	return id[:idx], id[idx+1:], nil
}

// Randomness returns the 16-char random portion of an ID, or "" if the ID
// is malformed.
func Randomness(id string) string {
	_, encoded, err := SplitID(id)
	if err != nil {
		return ""
	}
	return encoded[TimestampLength:]
}

// Normalize uppercases the input and folds confusable characters so that
// user-typed prefixes like "il0o" match stored randomness "1100".
func Normalize(s string) string {
	up := strings.ToUpper(s)
	var b strings.Builder
	b.Grow(len(up))
	for i := 0; i < len(up); i++ {
		c := up[i]
		switch c {
		case 'I', 'L':
			c = '1'
		case 'O':
			c = '0'
		}
		b.WriteByte(c)
	}
	return b.String()
}
