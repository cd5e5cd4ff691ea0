// Package filetree holds a project's workspace files and keeps them persisted.
package filetree

import (
	"encoding/json"
	"fmt"
	"sort"
)

// File is the stored record for a single workspace path.
type File struct {
	Content string `json:"content"`
}

// Tree maps a file path to its record. Paths are opaque keys; directories
// are not modelled.
type Tree map[string]File

// Merge returns a new tree holding every entry of base overwritten by every
// entry of delta. Keys absent from delta are left untouched, so merging never
// deletes a file.
func Merge(base, delta Tree) Tree {
	out := make(Tree, len(base)+len(delta))
	for path, f := range base {
		out[path] = f
	}
	for path, f := range delta {
		out[path] = f
	}
	return out
}

// Clone returns an independent copy of t.
func (t Tree) Clone() Tree {
	return Merge(t, nil)
}

// Paths returns the tree's paths in sorted order.
func (t Tree) Paths() []string {
	paths := make([]string, 0, len(t))
	for path := range t {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

// Equal reports whether both trees hold the same paths with the same content.
func (t Tree) Equal(other Tree) bool {
	if len(t) != len(other) {
		return false
	}
	for path, f := range t {
		g, ok := other[path]
		if !ok || g != f {
			return false
		}
	}
	return true
}

// Decode parses a stored or client-supplied tree. A JSON null or empty input
// yields an empty tree.
func Decode(data []byte) (Tree, error) {
	if len(data) == 0 {
		return Tree{}, nil
	}
	var tree Tree
	if err := json.Unmarshal(data, &tree); err != nil {
		return nil, fmt.Errorf("decode file tree: %w", err)
	}
	if tree == nil {
		tree = Tree{}
	}
	return tree, nil
}

// Encode renders the tree in its stored form.
func (t Tree) Encode() ([]byte, error) {
	if t == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(t)
}
