package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// TransferLeafHash returns the leaf committing to one active transfer.
func TransferLeafHash(t TransferState) (common.Hash, error) {
	raw, err := json.Marshal(t)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to encode transfer %s: %w", t.TransferID.Hex(), err)
	}
	return crypto.Keccak256Hash(raw), nil
}

// ComputeMerkleRoot returns the Keccak-256 merkle root over the set of
// currently-active transfers. The root is independent of insertion
// order: leaves are sorted before the tree is built. An empty set
// yields the zero hash.
func ComputeMerkleRoot(transfers []TransferState) (common.Hash, error) {
	if len(transfers) == 0 {
		return common.Hash{}, nil
	}

	leaves := make([][]byte, 0, len(transfers))
	for _, t := range transfers {
		leaf, err := TransferLeafHash(t)
		if err != nil {
			return common.Hash{}, err
		}
		leaves = append(leaves, leaf.Bytes())
	}
	sort.Slice(leaves, func(i, j int) bool {
		return bytes.Compare(leaves[i], leaves[j]) < 0
	})

	for len(leaves) > 1 {
		next := make([][]byte, 0, (len(leaves)+1)/2)
		for i := 0; i < len(leaves); i += 2 {
			if i+1 == len(leaves) {
				// Odd leaf is promoted unchanged.
				next = append(next, leaves[i])
				continue
			}
			next = append(next, crypto.Keccak256(leaves[i], leaves[i+1]))
		}
		leaves = next
	}
	return common.BytesToHash(leaves[0]), nil
}
