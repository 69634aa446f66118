// Package merge implements three-way merge at the tree level: given a
// common ancestor tree and two descendant trees, it produces either a
// merged tree or a list of per-path conflicts.
package merge

import (
	"github.com/ricardodeazambuja/webdvcs/objectgraph"
)

// ConflictKind names the shape of a merge conflict for one path.
type ConflictKind string

const (
	ConflictBothAdded      ConflictKind = "both-added"
	ConflictBothModified   ConflictKind = "both-modified"
	ConflictModifiedDeleted ConflictKind = "modified-deleted" // current modified it, source deleted it
	ConflictDeletedModified ConflictKind = "deleted-modified" // current deleted it, source modified it
)

// Conflict describes one path that could not be merged automatically.
type Conflict struct {
	Path        string
	Kind        ConflictKind
	BaseHash    string
	CurrentHash string
	SourceHash  string
}

// Result is the outcome of a three-way merge. When Conflicts is non-empty,
// Tree is nil: callers fall back to the original base/current/source trees
// they already hold.
type Result struct {
	Tree      *objectgraph.Tree
	Conflicts []Conflict
}

// MergeTrees merges current and source against their common ancestor base,
// per entry name.
func MergeTrees(base, current, source *objectgraph.Tree) (*Result, error) {
	baseByName := indexByName(base)
	currentByName := indexByName(current)
	sourceByName := indexByName(source)

	names := unionNames(baseByName, currentByName, sourceByName)

	var merged []objectgraph.Entry
	var conflicts []Conflict

	for _, name := range names {
		b, inBase := baseByName[name]
		c, inCurrent := currentByName[name]
		s, inSource := sourceByName[name]

		switch {
		case !inBase && inCurrent && inSource:
			if sameContent(c, s) {
				merged = append(merged, c)
			} else {
				conflicts = append(conflicts, Conflict{
					Path: name, Kind: ConflictBothAdded,
					CurrentHash: c.Hash, SourceHash: s.Hash,
				})
			}

		case !inBase && inCurrent && !inSource:
			merged = append(merged, c)

		case !inBase && !inCurrent && inSource:
			merged = append(merged, s)

		case inBase && !inCurrent && !inSource:
			// deleted on both sides: omit

		case inBase && inCurrent && inSource:
			curChanged := !sameContent(b, c)
			srcChanged := !sameContent(b, s)
			switch {
			case !curChanged && !srcChanged:
				merged = append(merged, b)
			case curChanged && !srcChanged:
				merged = append(merged, c)
			case !curChanged && srcChanged:
				merged = append(merged, s)
			default:
				if sameContent(c, s) {
					merged = append(merged, c)
				} else {
					conflicts = append(conflicts, Conflict{
						Path: name, Kind: ConflictBothModified,
						BaseHash: b.Hash, CurrentHash: c.Hash, SourceHash: s.Hash,
					})
				}
			}

		case inBase && !inCurrent && inSource:
			// current deleted it; source may or may not have modified it.
			if sameContent(b, s) {
				// unmodified on source, deleted on current: deleted.
			} else {
				conflicts = append(conflicts, Conflict{
					Path: name, Kind: ConflictDeletedModified,
					BaseHash: b.Hash, SourceHash: s.Hash,
				})
			}

		case inBase && inCurrent && !inSource:
			// source deleted it; current may or may not have modified it.
			if sameContent(b, c) {
				// unmodified on current, deleted on source: deleted.
			} else {
				conflicts = append(conflicts, Conflict{
					Path: name, Kind: ConflictModifiedDeleted,
					BaseHash: b.Hash, CurrentHash: c.Hash,
				})
			}
		}
	}

	if len(conflicts) > 0 {
		return &Result{Conflicts: conflicts}, nil
	}
	return &Result{Tree: &objectgraph.Tree{Entries: merged}}, nil
}

func indexByName(t *objectgraph.Tree) map[string]objectgraph.Entry {
	m := make(map[string]objectgraph.Entry, len(t.Entries))
	for _, e := range t.Entries {
		m[e.Name] = e
	}
	return m
}

func unionNames(maps ...map[string]objectgraph.Entry) []string {
	seen := make(map[string]bool)
	var names []string
	for _, m := range maps {
		for name := range m {
			if !seen[name] {
				seen[name] = true
				names = append(names, name)
			}
		}
	}
	return names
}

// sameContent compares two entries by their content hash, the accelerator
// the spec allows in place of a full byte comparison.
func sameContent(a, b objectgraph.Entry) bool {
	return a.Hash == b.Hash
}
