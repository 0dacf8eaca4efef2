// Package integrity provides tamper-evident hashing of a run's decision log
// and Merkle root construction over it. All functions are pure and
// deterministic.
package integrity

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"

	"github.com/ashita-ai/keiro/internal/model"
)

// hashPrefix versions the leaf encoding so it can change without
// invalidating stored digests.
const hashPrefix = "v1:"

// Digest summarises a run's decision log.
type Digest struct {
	RunID     uuid.UUID `json:"run_id"`
	Decisions int       `json:"decisions"`
	Leaves    []string  `json:"leaves"`
	Root      string    `json:"root"`
}

// DecisionHash produces a versioned SHA-256 hex digest of one decision at
// position index in run runID's log. Each field is encoded as a 4-byte
// big-endian length followed by its bytes, so keys and node ids containing
// separators cannot collide.
func DecisionHash(runID uuid.UUID, index int, d model.Decision) string {
	h := sha256.New()
	h.Write([]byte{0x00}) // leaf domain separator
	writeField := func(s string) {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s))) //nolint:gosec // fields are bounded by request body limits
		h.Write(lenBuf[:])
		h.Write([]byte(s))
	}
	var idx [8]byte
	binary.BigEndian.PutUint64(idx[:], uint64(index)) //nolint:gosec // index is a slice position
	h.Write(idx[:])
	writeField(runID.String())
	writeField(d.Key())
	writeField(string(d.DecisionType()))
	switch v := d.(type) {
	case model.ResolvedDecision:
		writeField("resolved")
		writeField(strings.Join(v.Result, "\x00"))
	case model.DeferredDecision:
		writeField("deferred")
	}
	return hashPrefix + hex.EncodeToString(h.Sum(nil))
}

// VerifyDecisionHash checks whether a stored hash matches the recomputed one.
func VerifyDecisionHash(stored string, runID uuid.UUID, index int, d model.Decision) bool {
	return stored == DecisionHash(runID, index, d)
}

// RunDigest hashes every decision of run in log order and folds the hashes
// into a Merkle root. Leaves are not sorted: the order of decisions is part
// of what the digest attests.
func RunDigest(run *model.RunProgress) Digest {
	leaves := make([]string, len(run.Decisions))
	for i, d := range run.Decisions {
		leaves[i] = DecisionHash(run.RunID, i, d)
	}
	return Digest{
		RunID:     run.RunID,
		Decisions: len(leaves),
		Leaves:    leaves,
		Root:      BuildMerkleRoot(leaves),
	}
}

// VerifyRun reports whether run's decision log still hashes to root.
func VerifyRun(run *model.RunProgress, root string) bool {
	return RunDigest(run).Root == root
}

// hashPair produces SHA-256(0x01 || a || b) as a hex string.
// The 0x01 prefix is a domain separator for internal Merkle tree nodes (per RFC 6962),
// ensuring internal node hashes can never collide with leaf hashes.
func hashPair(a, b string) string {
	h := sha256.New()
	h.Write([]byte{0x01}) // internal node domain separator
	h.Write([]byte(a))
	h.Write([]byte(b))
	return hex.EncodeToString(h.Sum(nil))
}

// BuildMerkleRoot constructs a Merkle tree from leaf hashes and returns the root.
// If leaves is empty, returns an empty string.
// If leaves has one element, the root is that element.
// Odd-length levels hash the last node with itself for structural binding.
func BuildMerkleRoot(leaves []string) string {
	if len(leaves) == 0 {
		return ""
	}
	if len(leaves) == 1 {
		return leaves[0]
	}

	level := make([]string, len(leaves))
	copy(level, leaves)

	for len(level) > 1 {
		var next []string
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, hashPair(level[i], level[i+1]))
			} else {
				next = append(next, hashPair(level[i], level[i]))
			}
		}
		level = next
	}

	return level[0]
}
