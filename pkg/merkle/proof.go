package merkle

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

type InclusionProof struct {
	LeafPath   string      `json:"leaf_path"`
	LeafHash   string      `json:"leaf_hash"`
	MerkleRoot string      `json:"merkle_root"`
	ProofPath  []ProofStep `json:"proof_path"`
}

type ProofStep struct {
	Side        string `json:"side"` // "L" or "R"
	SiblingHash string `json:"sibling_hash"`
}

// VerifyInclusionProof recomputes the root from a leaf and its sibling
// path and checks it against proof.MerkleRoot, and against expectedRoot
// too when the caller supplies one (e.g. a trusted day-shard root fetched
// independently of the proof itself).
func VerifyInclusionProof(proof InclusionProof, expectedRoot string) bool {
	if expectedRoot != "" && proof.MerkleRoot != expectedRoot {
		return false
	}

	currentHash := proof.LeafHash

	for _, step := range proof.ProofPath {
		// node_hash = SHA256("koi:provenance:node:v1\0" || left_hash || right_hash)
		combined := []byte("koi:provenance:node:v1\x00")

		if step.Side == "L" {
			combined = append(combined, hexToBytes(step.SiblingHash)...)
			combined = append(combined, hexToBytes(currentHash)...)
		} else {
			combined = append(combined, hexToBytes(currentHash)...)
			combined = append(combined, hexToBytes(step.SiblingHash)...)
		}

		hash := sha256.Sum256(combined)
		currentHash = hex.EncodeToString(hash[:])
	}

	return strings.EqualFold(currentHash, proof.MerkleRoot)
}
