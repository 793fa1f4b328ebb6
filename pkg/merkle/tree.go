// Package merkle builds a binary Merkle tree over record hashes so a single
// record can be shown to belong to an exported chain without the whole chain.
package merkle

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

const (
	leafDomain = "apofasi:record:leaf:v1"
	nodeDomain = "apofasi:record:node:v1"
)

// ErrInvalidLeaf is returned for leaves that are not hex SHA-256 digests.
var ErrInvalidLeaf = errors.New("merkle leaf must be a hex sha-256 digest")

// Tree is built bottom-up. Levels[0] holds the leaf hashes and the last
// level holds the root. An odd node is paired with itself.
type Tree struct {
	Root   string
	Levels [][]string
}

// Build constructs a tree whose leaves are the given record hashes, in order.
// An empty input yields an empty root.
func Build(recordHashes []string) (*Tree, error) {
	if len(recordHashes) == 0 {
		return &Tree{}, nil
	}

	leaves := make([]string, len(recordHashes))
	for i, h := range recordHashes {
		raw, err := hex.DecodeString(h)
		if err != nil || len(raw) != sha256.Size {
			return nil, fmt.Errorf("%w: leaf %d is %q", ErrInvalidLeaf, i, h)
		}
		leaves[i] = leafHash(raw)
	}

	tree := &Tree{}
	level := leaves
	for len(level) > 1 {
		tree.Levels = append(tree.Levels, level)
		level = nextLevel(level)
	}
	tree.Levels = append(tree.Levels, level)
	tree.Root = level[0]
	return tree, nil
}

// LeafHash returns the tree leaf for a record hash.
func LeafHash(recordHash string) (string, error) {
	raw, err := hex.DecodeString(recordHash)
	if err != nil || len(raw) != sha256.Size {
		return "", fmt.Errorf("%w: %q", ErrInvalidLeaf, recordHash)
	}
	return leafHash(raw), nil
}

func leafHash(raw []byte) string {
	var buf bytes.Buffer
	buf.WriteString(leafDomain)
	buf.WriteByte(0)
	buf.Write(raw)
	return sha256Hex(buf.Bytes())
}

func nextLevel(hashes []string) []string {
	next := make([]string, 0, (len(hashes)+1)/2)
	for i := 0; i < len(hashes); i += 2 {
		right := hashes[i]
		if i+1 < len(hashes) {
			right = hashes[i+1]
		}
		next = append(next, nodeHash(hashes[i], right))
	}
	return next
}

func nodeHash(left, right string) string {
	var buf bytes.Buffer
	buf.WriteString(nodeDomain)
	buf.WriteByte(0)
	buf.Write(hexToBytes(left))
	buf.Write(hexToBytes(right))
	return sha256Hex(buf.Bytes())
}

func sha256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

func hexToBytes(s string) []byte {
	b, _ := hex.DecodeString(s)
	return b
}
