package idgen

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrNotFound is returned when no indexed ID matches the input.
var ErrNotFound = errors.New("no matching atom id")

// AmbiguousError reports an input matching more than one indexed ID. The
// candidates accompany the error so callers can present them.
type AmbiguousError struct {
	Input      string
	Candidates []string
}

func (e *AmbiguousError) Error() string {
	return fmt.Sprintf("ambiguous id %q matches %d atoms: %s",
		e.Input, len(e.Candidates), strings.Join(e.Candidates, ", "))
}

// Index is the view of the record store's ID indexes that resolution needs.
type Index interface {
	// HasID reports whether the exact full ID exists.
	HasID(id string) bool
	// Trie returns the randomness-prefix trie over all indexed IDs.
	Trie() *Trie
}

// Resolve maps a user-supplied string to a full atom ID. The input is
// normalized first; an exact full-ID match wins, otherwise the randomness
// trie is searched. repoScope, when non-empty, restricts prefix matches to
// IDs with that repo prefix.
func Resolve(input string, idx Index, repoScope string) (string, error) {
	if input == "" {
		return "", ErrNotFound
	}

	// Exact match on the full ID. IDs store the randomness uppercased
	// already, so normalizing the whole input is safe: the repo prefix is
	// matched case-sensitively first, normalized second.
	if idx.HasID(input) {
		return input, nil
	}
	if norm := normalizeFullID(input); norm != input && idx.HasID(norm) {
		return norm, nil
	}

	matches := idx.Trie().WithPrefix(input)
	if repoScope != "" {
		var scoped []string
		for _, id := range matches {
			if repo, _, err := SplitID(id); err == nil && repo == repoScope {
				scoped = append(scoped, id)
			}
		}
		matches = scoped
	}

	switch len(matches) {
	case 0:
		return "", fmt.Errorf("%w: %q", ErrNotFound, input)
	case 1:
		return matches[0], nil
	default:
		sort.Strings(matches)
		return "", &AmbiguousError{Input: input, Candidates: matches}
	}
}

// normalizeFullID normalizes only the encoded portion of what looks like a
// full ID, leaving the repo prefix untouched.
func normalizeFullID(input string) string {
	repo, encoded, err := SplitID(input)
	if err != nil {
		return Normalize(input)
	}
	return repo + "-" + Normalize(encoded)
}

// Shorten returns the minimum randomness prefix, at least MinPrefixLength
// characters, that uniquely identifies id within the index. Falls back to
// the full randomness when even that is shared.
func Shorten(id string, idx Index) string {
	random := Randomness(id)
	if random == "" {
		return id
	}
	norm := Normalize(random)
	for n := MinPrefixLength; n <= len(norm); n++ {
		matches := idx.Trie().WithPrefix(norm[:n])
		if len(matches) == 1 && matches[0] == id {
			return norm[:n]
		}
	}
	return norm
}
