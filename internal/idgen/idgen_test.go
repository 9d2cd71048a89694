package idgen

import (
	"errors"
	"sort"
	"strings"
	"testing"
	"time"
)

// testIndex is a minimal Index backed by a map and a trie.
type testIndex struct {
	ids  map[string]bool
	trie *Trie
}

func newTestIndex(ids ...string) *testIndex {
	idx := &testIndex{ids: make(map[string]bool), trie: NewTrie()}
	for _, id := range ids {
		idx.ids[id] = true
		idx.trie.Insert(id)
	}
	return idx
}

func (i *testIndex) HasID(id string) bool { return i.ids[id] }
func (i *testIndex) Trie() *Trie          { return i.trie }

func makeID(repo, random string) string {
	return repo + "-" + EncodeTimestamp(time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)) + random
}

func TestNewFormat(t *testing.T) {
	id := New("demo")
	if !strings.HasPrefix(id, "demo-") {
		t.Fatalf("missing repo prefix: %s", id)
	}
	_, encoded, err := SplitID(id)
	if err != nil {
		t.Fatalf("SplitID: %v", err)
	}
	if len(encoded) != IDLength {
		t.Fatalf("encoded length = %d, want %d", len(encoded), IDLength)
	}
	for i := 0; i < len(encoded); i++ {
		if strings.IndexByte(Alphabet, encoded[i]) < 0 {
			t.Errorf("character %q outside alphabet", encoded[i])
		}
	}
}

func TestTimestampSortable(t *testing.T) {
	times := []time.Time{
		time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC),
		time.Date(2026, 8, 24, 0, 0, 0, 1e6, time.UTC),
	}
	var encoded []string
	for _, at := range times {
		encoded = append(encoded, EncodeTimestamp(at))
	}
	if !sort.StringsAreSorted(encoded) {
		t.Errorf("encoded timestamps not sorted: %v", encoded)
	}
}

func TestTimestampRoundTrip(t *testing.T) {
	at := time.Date(2026, 8, 24, 10, 30, 0, 250e6, time.UTC)
	decoded, err := DecodeTimestamp(EncodeTimestamp(at))
	if err != nil {
		t.Fatalf("DecodeTimestamp: %v", err)
	}
	if !decoded.Equal(at) {
		t.Errorf("round trip = %v, want %v", decoded, at)
	}
}

func TestSplitIDWithHyphenatedRepo(t *testing.T) {
	id := makeID("my-project", "ABCDEFGH12345678")
	repo, _, err := SplitID(id)
	if err != nil {
		t.Fatalf("SplitID: %v", err)
	}
	if repo != "my-project" {
		t.Errorf("repo = %q, want my-project", repo)
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct{ in, want string }{
		{"il0o", "1100"},
		{"IL0O", "1100"},
		{"abc", "ABC"},
		{"1100", "1100"},
	}
	for _, tt := range tests {
		if got := Normalize(tt.in); got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestResolveExact(t *testing.T) {
	id := makeID("demo", "ABCDEFGH12345678")
	idx := newTestIndex(id)

	got, err := Resolve(id, idx, "")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != id {
		t.Errorf("got %s, want %s", got, id)
	}
}

func TestResolvePrefix(t *testing.T) {
	a := makeID("demo", "ABCDEFGH12345678")
	b := makeID("demo", "ZZZZEFGH12345678")
	idx := newTestIndex(a, b)

	got, err := Resolve("ABCD", idx, "")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != a {
		t.Errorf("got %s, want %s", got, a)
	}
}

func TestResolveConfusables(t *testing.T) {
	id := makeID("demo", "1100EFGH12345678")
	idx := newTestIndex(id)

	fromConfusable, err := Resolve("IL0O", idx, "")
	if err != nil {
		t.Fatalf("Resolve(IL0O): %v", err)
	}
	fromDigits, err := Resolve("1100", idx, "")
	if err != nil {
		t.Fatalf("Resolve(1100): %v", err)
	}
	if fromConfusable != fromDigits || fromConfusable != id {
		t.Errorf("confusable resolution mismatch: %s vs %s", fromConfusable, fromDigits)
	}
}

func TestResolveNotFound(t *testing.T) {
	idx := newTestIndex(makeID("demo", "ABCDEFGH12345678"))
	_, err := Resolve("QQQQ", idx, "")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestResolveAmbiguous(t *testing.T) {
	a := makeID("demo", "ABCD111111111111")
	b := makeID("demo", "ABCD222222222222")
	idx := newTestIndex(a, b)

	_, err := Resolve("ABCD", idx, "")
	var ambig *AmbiguousError
	if !errors.As(err, &ambig) {
		t.Fatalf("expected AmbiguousError, got %v", err)
	}
	if len(ambig.Candidates) != 2 {
		t.Errorf("candidates = %v, want both ids", ambig.Candidates)
	}
}

func TestResolveRepoScope(t *testing.T) {
	a := makeID("alpha", "ABCD111111111111")
	b := makeID("beta", "ABCD222222222222")
	idx := newTestIndex(a, b)

	got, err := Resolve("ABCD", idx, "beta")
	if err != nil {
		t.Fatalf("Resolve scoped: %v", err)
	}
	if got != b {
		t.Errorf("got %s, want %s", got, b)
	}
}

func TestShortenIdempotence(t *testing.T) {
	ids := []string{
		makeID("demo", "ABCDEFGH12345678"),
		makeID("demo", "ABCXEFGH12345678"),
		makeID("demo", "QRSTEFGH12345678"),
	}
	idx := newTestIndex(ids...)

	for _, id := range ids {
		short := Shorten(id, idx)
		if len(short) < MinPrefixLength {
			t.Errorf("Shorten(%s) = %q shorter than minimum", id, short)
		}
		resolved, err := Resolve(short, idx, "")
		if err != nil {
			t.Fatalf("Resolve(Shorten(%s)) = %v", id, err)
		}
		if resolved != id {
			t.Errorf("Resolve(Shorten(%s)) = %s", id, resolved)
		}
	}
}

func TestTrieRemove(t *testing.T) {
	id := makeID("demo", "ABCDEFGH12345678")
	trie := NewTrie()
	trie.Insert(id)
	if trie.Len() != 1 {
		t.Fatalf("Len = %d", trie.Len())
	}
	trie.Remove(id)
	if trie.Len() != 0 {
		t.Errorf("Len after remove = %d", trie.Len())
	}
	if got := trie.WithPrefix("ABCD"); len(got) != 0 {
		t.Errorf("WithPrefix after remove = %v", got)
	}
}
