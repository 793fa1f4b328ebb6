package merkle

import (
	"fmt"
	"strings"
)

// Sides of a proof step, relative to the running hash.
const (
	SideLeft  = "L"
	SideRight = "R"
)

// InclusionProof shows that the leaf at Index hashes up to MerkleRoot.
type InclusionProof struct {
	Index      int         `json:"index"`
	LeafHash   string      `json:"leaf_hash"`
	MerkleRoot string      `json:"merkle_root"`
	ProofPath  []ProofStep `json:"proof_path"`
}

type ProofStep struct {
	Side        string `json:"side"`
	SiblingHash string `json:"sibling_hash"`
}

// Proof returns the inclusion proof for the leaf at index.
func (t *Tree) Proof(index int) (InclusionProof, error) {
	if len(t.Levels) == 0 || index < 0 || index >= len(t.Levels[0]) {
		return InclusionProof{}, fmt.Errorf("leaf index %d out of range", index)
	}

	proof := InclusionProof{
		Index:      index,
		LeafHash:   t.Levels[0][index],
		MerkleRoot: t.Root,
	}
	i := index
	for _, level := range t.Levels[:len(t.Levels)-1] {
		sibling := i ^ 1
		if sibling >= len(level) {
			sibling = i
		}
		side := SideRight
		if sibling < i {
			side = SideLeft
		}
		proof.ProofPath = append(proof.ProofPath, ProofStep{Side: side, SiblingHash: level[sibling]})
		i /= 2
	}
	return proof, nil
}

// VerifyInclusionProof recomputes the root from the proof. expectedRoot,
// when set, must also match the root the proof claims.
func VerifyInclusionProof(proof InclusionProof, expectedRoot string) bool {
	if expectedRoot != "" && !strings.EqualFold(proof.MerkleRoot, expectedRoot) {
		return false
	}

	current := proof.LeafHash
	for _, step := range proof.ProofPath {
		switch step.Side {
		case SideLeft:
			current = nodeHash(step.SiblingHash, current)
		case SideRight:
			current = nodeHash(current, step.SiblingHash)
		default:
			return false
		}
	}
	return strings.EqualFold(current, proof.MerkleRoot)
}
