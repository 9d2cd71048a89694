package idgen

// Trie indexes full atom IDs by their randomness suffix for prefix
// resolution. Keys are stored normalized; lookups apply the same
// normalization, so confusable input matches.
//
// Trie is not safe for concurrent use; the record store serializes access.
type Trie struct {
	root *trieNode
	size int
}

type trieNode struct {
	children map[byte]*trieNode
	ids      []string // Full IDs terminating at this node
}

// NewTrie returns an empty trie.
func NewTrie() *Trie {
	return &Trie{root: &trieNode{}}
}

// Len returns the number of indexed IDs.
func (t *Trie) Len() int {
	return t.size
}

// Insert indexes a full ID under its randomness suffix. Malformed IDs are
// ignored (the store reports them separately on load).
func (t *Trie) Insert(id string) {
	key := Normalize(Randomness(id))
	if key == "" {
		return
	}
	node := t.root
	for i := 0; i < len(key); i++ {
		if node.children == nil {
			node.children = make(map[byte]*trieNode)
		}
		child, ok := node.children[key[i]]
		if !ok {
			child = &trieNode{}
			node.children[key[i]] = child
		}
		node = child
	}
	for _, existing := range node.ids {
		if existing == id {
			return
		}
	}
	node.ids = append(node.ids, id)
	t.size++
}

// Remove drops a full ID from the index.
func (t *Trie) Remove(id string) {
	key := Normalize(Randomness(id))
	if key == "" {
		return
	}
	node := t.root
	for i := 0; i < len(key); i++ {
		child, ok := node.children[key[i]]
		if !ok {
			return
		}
		node = child
	}
	for i, existing := range node.ids {
		if existing == id {
			node.ids = append(node.ids[:i], node.ids[i+1:]...)
			t.size--
			return
		}
	}
}

// WithPrefix returns every indexed ID whose normalized randomness begins
// with the (normalized) prefix.
func (t *Trie) WithPrefix(prefix string) []string {
	key := Normalize(prefix)
	node := t.root
	for i := 0; i < len(key); i++ {
		child, ok := node.children[key[i]]
		if !ok {
			return nil
		}
		node = child
	}
	var out []string
	collect(node, &out)
	return out
}

func collect(node *trieNode, out *[]string) {
	// Iterative walk; randomness depth is bounded but keep the idiom
	// consistent with the graph traversals.
	stack := []*trieNode{node}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		*out = append(*out, n.ids...)
		for _, child := range n.children {
			stack = append(stack, child)
		}
	}
}
