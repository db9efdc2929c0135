package reactor

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// Fingerprint is the cache key for one node compute: a deterministic digest
// of (node id, ordered input values, config). Two computes with identical
// fingerprints are guaranteed to produce the same result, so the scheduler
// can consult the Cache Layer before dispatching to a plugin.
//
// The digest is a SHA-256 hasher fed the fields in a fixed order,
// marshaled through encoding/json for any structured value, returned as
// "<node id>|sha256:<hex digest>".
func Fingerprint(nodeID string, orderedInputNames []string, inputs map[string]Value, config map[string]any) (string, error) {
	h := sha256.New()
	h.Write([]byte(nodeID))

	names := make([]string, len(orderedInputNames))
	copy(names, orderedInputNames)
	sort.Strings(names) // input declaration order is already deterministic,
	// but sorting here protects the fingerprint from depending on a caller
	// passing names in a different but semantically identical order.

	for _, name := range names {
		h.Write([]byte(name))
		v := inputs[name]
		writeUint64(h, uint64(v.Kind))
		if v.Kind == KindData || v.Kind == KindNull {
			data, err := json.Marshal(v.Data)
			if err != nil {
				return "", err
			}
			h.Write(data)
		}
	}

	cfgJSON, err := json.Marshal(config)
	if err != nil {
		return "", err
	}
	h.Write(cfgJSON)

	// The node id prefixes the digest so a cache provider can support
	// node-scoped invalidation without understanding the digest itself.
	return nodeID + "|sha256:" + hex.EncodeToString(h.Sum(nil)), nil
}

func writeUint64(h interface{ Write([]byte) (int, error) }, v uint64) {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	h.Write(b)
}
