// Package objectgraph encodes and decodes the blob/tree/commit object graph
// on top of the object store, and implements the history and reachability
// walks that operate over it.
package objectgraph

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/ricardodeazambuja/webdvcs/store"
)

// Errors specific to object-graph encoding and traversal, layered on top of
// the store's own taxonomy.
var (
	ErrMalformedTree   = errors.New("objectgraph: malformed tree entry")
	ErrMalformedCommit = errors.New("objectgraph: malformed commit payload")
	ErrEmptyCommitTree = errors.New("objectgraph: commit references no tree")
)

// EntryType enumerates the kinds a tree entry can be.
type EntryType string

const (
	EntryFile    EntryType = "file"
	EntryDir     EntryType = "dir"
	EntryArchive EntryType = "archive"
	EntrySymlink EntryType = "symlink"
)

// Entry is one line of a tree: a named child with its type, permission
// bits, and (for files/dirs/archives) the hash of its content.
type Entry struct {
	Mode          uint32
	Name          string
	Hash          string // empty for symlinks
	Type          EntryType
	Mtime         int64
	HasMtime      bool
	Size          int64
	HasSize       bool
	Target        string // symlink target
	Binary        bool
	HasBinaryFlag bool
}

// Tree is a sorted snapshot of one directory level.
type Tree struct {
	Entries []Entry
}

// Commit is a snapshot pointing at one tree, with optional parent and
// author metadata.
type Commit struct {
	Tree      string
	Parent    string // empty for root commits
	Author    string
	Email     string
	Timestamp int64
	Message   string
}

// Encode renders a tree to its canonical text payload. Entries are sorted
// by name first so that identical entry sets always produce identical
// bytes (and therefore the same hash), regardless of insertion order.
func (t *Tree) Encode() []byte {
	sorted := make([]Entry, len(t.Entries))
	copy(sorted, t.Entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	var b strings.Builder
	for i, e := range sorted {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(strconv.FormatUint(uint64(e.Mode), 8))
		b.WriteByte(' ')
		b.WriteString(e.Name)
		b.WriteByte(' ')
		if e.Hash != "" {
			b.WriteString(e.Hash)
		} else {
			b.WriteString("-")
		}
		b.WriteByte(' ')
		b.WriteString(string(e.Type))
		if e.HasMtime {
			b.WriteByte(' ')
			b.WriteString(strconv.FormatInt(e.Mtime, 10))
		}
		if e.HasSize {
			b.WriteByte(' ')
			b.WriteString(strconv.FormatInt(e.Size, 10))
		}
		if e.Target != "" {
			b.WriteByte(' ')
			b.WriteString(e.Target)
		}
		if e.HasBinaryFlag {
			b.WriteByte(' ')
			if e.Binary {
				b.WriteString("binary")
			} else {
				b.WriteString("text")
			}
		}
	}
	return []byte(b.String())
}

// DecodeTree parses a tree's canonical text payload. An empty payload
// decodes to a tree with no entries.
func DecodeTree(data []byte) (*Tree, error) {
	if len(data) == 0 {
		return &Tree{}, nil
	}

	lines := strings.Split(string(data), "\n")
	entries := make([]Entry, 0, len(lines))
	for _, line := range lines {
		if line == "" {
			continue
		}
		entry, err := decodeEntry(line)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return &Tree{Entries: entries}, nil
}

func decodeEntry(line string) (Entry, error) {
	tokens := strings.Fields(line)
	if len(tokens) < 4 {
		return Entry{}, fmt.Errorf("%w: %q", ErrMalformedTree, line)
	}

	mode, err := strconv.ParseUint(tokens[0], 8, 32)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: bad mode %q: %v", ErrMalformedTree, tokens[0], err)
	}

	entry := Entry{
		Mode: uint32(mode),
		Name: tokens[1],
		Type: EntryType(tokens[3]),
	}
	if tokens[2] != "-" {
		entry.Hash = tokens[2]
	}

	for _, tok := range tokens[4:] {
		switch tok {
		case "binary":
			entry.Binary = true
			entry.HasBinaryFlag = true
		case "text":
			entry.Binary = false
			entry.HasBinaryFlag = true
		default:
			if n, err := strconv.ParseInt(tok, 10, 64); err == nil {
				if !entry.HasMtime {
					entry.Mtime = n
					entry.HasMtime = true
				} else {
					entry.Size = n
					entry.HasSize = true
				}
				continue
			}
			entry.Target = tok
		}
	}

	return entry, nil
}

// StoreTree encodes t and writes it to s, returning its hash.
func StoreTree(s *store.Store, t *Tree) (string, error) {
	r, err := s.StoreObject(t.Encode(), store.TypeTree, store.CompressionZlib)
	if err != nil {
		return "", err
	}
	return r.Hash, nil
}

// LoadTree reads and decodes the tree at hash h.
func LoadTree(s *store.Store, h string) (*Tree, error) {
	obj, err := s.GetObject(h)
	if err != nil {
		return nil, err
	}
	return DecodeTree(obj.Data)
}

const defaultEmail = "unknown@example.com"

// Encode renders a commit to its canonical text payload.
func (c *Commit) Encode() []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "tree %s\n", c.Tree)
	if c.Parent != "" {
		fmt.Fprintf(&b, "parent %s\n", c.Parent)
	}
	email := c.Email
	if email == "" {
		email = defaultEmail
	}
	fmt.Fprintf(&b, "author %s <%s> %d\n", c.Author, email, c.Timestamp)
	fmt.Fprintf(&b, "message %s", oneLine(c.Message))
	return []byte(b.String())
}

func oneLine(msg string) string {
	return strings.ReplaceAll(msg, "\n", " ")
}

// DecodeCommit parses a commit's canonical text payload.
func DecodeCommit(data []byte) (*Commit, error) {
	c := &Commit{Email: defaultEmail}
	lines := strings.Split(string(data), "\n")

	for i := 0; i < len(lines); i++ {
		line := lines[i]
		switch {
		case strings.HasPrefix(line, "tree "):
			c.Tree = strings.TrimPrefix(line, "tree ")
		case strings.HasPrefix(line, "parent "):
			c.Parent = strings.TrimPrefix(line, "parent ")
		case strings.HasPrefix(line, "author "):
			rest := strings.TrimPrefix(line, "author ")
			name, email, ts, err := decodeAuthorLine(rest)
			if err != nil {
				return nil, err
			}
			c.Author, c.Email, c.Timestamp = name, email, ts
		case strings.HasPrefix(line, "message "):
			c.Message = strings.TrimPrefix(line, "message ")
		}
	}

	if c.Tree == "" {
		return nil, ErrEmptyCommitTree
	}
	return c, nil
}

func decodeAuthorLine(rest string) (name, email string, ts int64, err error) {
	open := strings.LastIndex(rest, "<")
	close := strings.LastIndex(rest, ">")
	if open < 0 || close < 0 || close < open {
		return "", "", 0, fmt.Errorf("%w: bad author line %q", ErrMalformedCommit, rest)
	}
	name = strings.TrimSpace(rest[:open])
	email = rest[open+1 : close]

	tsToken := strings.TrimSpace(rest[close+1:])
	parsed, err := strconv.ParseInt(tsToken, 10, 64)
	if err != nil {
		return "", "", 0, fmt.Errorf("%w: bad timestamp %q: %v", ErrMalformedCommit, tsToken, err)
	}
	return name, email, parsed, nil
}

// StoreCommit encodes c and writes it to s, returning its hash.
func StoreCommit(s *store.Store, c *Commit) (string, error) {
	if c.Tree == "" {
		return "", ErrEmptyCommitTree
	}
	r, err := s.StoreObject(c.Encode(), store.TypeCommit, store.CompressionZlib)
	if err != nil {
		return "", err
	}
	return r.Hash, nil
}

// LoadCommit reads and decodes the commit at hash h.
func LoadCommit(s *store.Store, h string) (*Commit, error) {
	obj, err := s.GetObject(h)
	if err != nil {
		return nil, err
	}
	return DecodeCommit(obj.Data)
}

// GetCommitHistory performs a BFS-like walk of first-parent links starting
// at start, visiting each commit once and stopping after maxCount commits
// or when the chain ends.
func GetCommitHistory(s *store.Store, start string, maxCount int) ([]string, error) {
	visited := make(map[string]bool)
	queue := []string{start}
	var result []string

	for len(queue) > 0 && len(result) < maxCount {
		h := queue[0]
		queue = queue[1:]
		if visited[h] {
			continue
		}
		visited[h] = true

		c, err := LoadCommit(s, h)
		if err != nil {
			return nil, err
		}
		result = append(result, h)
		if c.Parent != "" {
			queue = append(queue, c.Parent)
		}
	}

	return result, nil
}

// FindMergeBase walks h1's history into a set, then walks h2's history and
// returns the first hash found in that set, or "" if the two histories
// share no ancestor.
func FindMergeBase(s *store.Store, h1, h2 string) (string, error) {
	inH1 := make(map[string]bool)
	cur := h1
	for cur != "" {
		if inH1[cur] {
			break
		}
		inH1[cur] = true
		c, err := LoadCommit(s, cur)
		if err != nil {
			return "", err
		}
		cur = c.Parent
	}

	visited := make(map[string]bool)
	cur = h2
	for cur != "" {
		if visited[cur] {
			break
		}
		visited[cur] = true
		if inH1[cur] {
			return cur, nil
		}
		c, err := LoadCommit(s, cur)
		if err != nil {
			return "", err
		}
		cur = c.Parent
	}
	return "", nil
}

// GetOptimizedHistory returns the prefix of head's first-parent history up
// to and including the merge base nearest to head (by distance along head's
// own chain) among the merge bases with the branches in otherBranchHeads.
// Merge bases with other branches that lie further down the chain are not
// included. If no merge base exists against any other head, the full
// history is returned.
func GetOptimizedHistory(s *store.Store, head string, otherBranchHeads []string) ([]string, error) {
	full, err := GetCommitHistory(s, head, 1<<30)
	if err != nil {
		return nil, err
	}
	distance := make(map[string]int, len(full))
	for i, h := range full {
		distance[h] = i
	}

	closestIdx := -1
	for _, other := range otherBranchHeads {
		base, err := FindMergeBase(s, head, other)
		if err != nil {
			return nil, err
		}
		if base == "" {
			continue
		}
		if idx, ok := distance[base]; ok {
			if closestIdx == -1 || idx < closestIdx {
				closestIdx = idx
			}
		}
	}

	if closestIdx == -1 {
		return full, nil
	}
	return full[:closestIdx+1], nil
}

// CollectReachable returns the deduplicated closure of objects reachable
// from commit: the commit itself, its tree (recursively, through any
// subtrees), every blob an entry references, and every ancestor commit
// plus their trees and blobs.
func CollectReachable(s *store.Store, commit string) (map[string]bool, error) {
	reachable := make(map[string]bool)
	queue := []string{commit}

	for len(queue) > 0 {
		h := queue[0]
		queue = queue[1:]
		if reachable[h] {
			continue
		}

		obj, err := s.GetObject(h)
		if err != nil {
			return nil, err
		}
		reachable[h] = true

		switch obj.Type {
		case store.TypeCommit:
			c, err := DecodeCommit(obj.Data)
			if err != nil {
				return nil, err
			}
			if c.Tree != "" && !reachable[c.Tree] {
				queue = append(queue, c.Tree)
			}
			if c.Parent != "" && !reachable[c.Parent] {
				queue = append(queue, c.Parent)
			}
		case store.TypeTree:
			t, err := DecodeTree(obj.Data)
			if err != nil {
				return nil, err
			}
			for _, e := range t.Entries {
				if e.Hash != "" && !reachable[e.Hash] {
					queue = append(queue, e.Hash)
				}
			}
		case store.TypeBlob, store.TypeDelta:
			// leaf: no further references. Delta-compressed objects are
			// always blobs in practice (StoreCommit/StoreTree never
			// delta-compress), so they carry no outgoing edges either.
		}
	}

	return reachable, nil
}
