package dataset

import (
	"path/filepath"
	"strings"
	"sync"

	"github.com/armon/go-radix"
)

// PathIndexStats tracks usage metrics for the path index
type PathIndexStats struct {
	TotalSamples  int64
	PathLookups   int64
	PrefixLookups int64
	Insertions    int64
	mu            sync.RWMutex
}

// PathIndex provides O(k) sample lookups by file path using a compressed
// trie (patricia tree), where k is the length of the path being searched.
// Class directories share a common prefix, so per-class enumeration is a
// single prefix walk.
type PathIndex struct {
	tree  *radix.Tree // Core patricia tree: path -> sample index
	mu    sync.RWMutex
	stats *PathIndexStats
}

// NewPathIndex creates a new patricia tree-based sample index
func NewPathIndex() *PathIndex {
	return &PathIndex{
		tree:  radix.New(),
		stats: &PathIndexStats{},
	}
}

// Insert records a sample's file path with its position in the sample table
func (idx *PathIndex) Insert(path string, sample int) {
	path = normalizePath(path)

	idx.mu.Lock()
	_, updated := idx.tree.Insert(path, sample)
	idx.mu.Unlock()

	idx.stats.mu.Lock()
	idx.stats.Insertions++
	if !updated {
		idx.stats.TotalSamples++
	}
	idx.stats.mu.Unlock()
}

// Lookup returns the sample index stored for an exact path
func (idx *PathIndex) Lookup(path string) (int, bool) {
	path = normalizePath(path)

	idx.mu.RLock()
	v, ok := idx.tree.Get(path)
	idx.mu.RUnlock()

	idx.stats.mu.Lock()
	idx.stats.PathLookups++
	idx.stats.mu.Unlock()

	if !ok {
		return 0, false
	}
	return v.(int), true
}

// WalkPrefix returns the sample indices of every path under the given prefix,
// e.g. all images of one class directory.
func (idx *PathIndex) WalkPrefix(prefix string) []int {
	prefix = normalizePath(prefix)

	var samples []int
	idx.mu.RLock()
	idx.tree.WalkPrefix(prefix, func(_ string, v interface{}) bool {
		samples = append(samples, v.(int))
		return false
	})
	idx.mu.RUnlock()

	idx.stats.mu.Lock()
	idx.stats.PrefixLookups++
	idx.stats.mu.Unlock()

	return samples
}

// Len returns the number of indexed samples
func (idx *PathIndex) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.tree.Len()
}

func normalizePath(path string) string {
	path = filepath.ToSlash(filepath.Clean(path))
	return strings.TrimSuffix(path, "/")
}
