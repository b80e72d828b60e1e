// Package audit provides tamper-evident audit logging with HMAC-based integrity chains.
package audit

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/agentsh/execgate/pkg/types"
)

// FieldIntegrity is the event field that carries the chain metadata.
const FieldIntegrity = "integrity"

// IntegrityMetadata contains the chain fields for an audit entry.
type IntegrityMetadata struct {
	Sequence  int64  `json:"sequence"`
	PrevHash  string `json:"prev_hash"`
	EntryHash string `json:"entry_hash"`
}

// IntegrityChain maintains HMAC chain state. Each entry's hash depends on the
// previous entry, so deleting or editing a stored event breaks the chain.
type IntegrityChain struct {
	mu        sync.Mutex
	key       []byte
	algorithm string
	sequence  int64
	prevHash  string
}

// MinKeyLength is the minimum key length for HMAC-SHA256.
const MinKeyLength = 32

// ChainState is the chain position, persisted to continue after a restart.
type ChainState struct {
	Sequence int64  `json:"sequence"`
	PrevHash string `json:"prev_hash"`
}

// NewIntegrityChain creates a chain using hmac-sha256.
func NewIntegrityChain(key []byte) (*IntegrityChain, error) {
	return NewIntegrityChainWithAlgorithm(key, "hmac-sha256")
}

// NewIntegrityChainWithAlgorithm creates a chain with hmac-sha256 or hmac-sha512.
func NewIntegrityChainWithAlgorithm(key []byte, algorithm string) (*IntegrityChain, error) {
	if len(key) < MinKeyLength {
		return nil, fmt.Errorf("key too short: got %d bytes, need at least %d", len(key), MinKeyLength)
	}
	if algorithm == "" {
		algorithm = "hmac-sha256"
	}
	switch algorithm {
	case "hmac-sha256", "hmac-sha512":
	default:
		return nil, fmt.Errorf("unsupported algorithm %q: use hmac-sha256 or hmac-sha512", algorithm)
	}
	return &IntegrityChain{key: key, algorithm: algorithm}, nil
}

// LoadKey loads an HMAC key from a file, or else from an environment variable.
func LoadKey(keyFile, keyEnv string) ([]byte, error) {
	if keyFile != "" {
		data, err := os.ReadFile(keyFile)
		if err != nil {
			return nil, fmt.Errorf("read key file %q: %w", keyFile, err)
		}
		key := strings.TrimSpace(string(data))
		if key == "" {
			return nil, fmt.Errorf("key file %q is empty", keyFile)
		}
		return []byte(key), nil
	}

	if keyEnv != "" {
		key := os.Getenv(keyEnv)
		if key == "" {
			return nil, fmt.Errorf("environment variable %q is empty or not set", keyEnv)
		}
		return []byte(key), nil
	}

	return nil, errors.New("no key source specified: provide key_file or key_env")
}

// Seal appends ev to the chain and records the metadata in
// ev.Fields["integrity"]. The caller's Fields map is not modified.
func (c *IntegrityChain) Seal(ev *types.Event) error {
	payload, err := canonicalEvent(*ev)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	seq := c.sequence + 1
	meta := IntegrityMetadata{
		Sequence:  seq,
		PrevHash:  c.prevHash,
		EntryHash: computeHash(c.algorithm, c.key, seq, c.prevHash, payload),
	}
	c.sequence = seq
	c.prevHash = meta.EntryHash

	fields := make(map[string]any, len(ev.Fields)+1)
	for k, v := range ev.Fields {
		fields[k] = v
	}
	fields[FieldIntegrity] = meta
	ev.Fields = fields
	return nil
}

// State returns the current chain state for persistence.
func (c *IntegrityChain) State() ChainState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ChainState{Sequence: c.sequence, PrevHash: c.prevHash}
}

// Restore continues the chain from a previously persisted state.
func (c *IntegrityChain) Restore(sequence int64, prevHash string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sequence = sequence
	c.prevHash = prevHash
}

// VerifyError reports the first entry that does not chain.
type VerifyError struct {
	Index   int
	EventID string
	Reason  string
}

func (e *VerifyError) Error() string {
	return fmt.Sprintf("audit chain broken at entry %d (event %s): %s", e.Index, e.EventID, e.Reason)
}

// Verify checks that events, in append order, form an unbroken chain under
// key. Events without integrity metadata are reported as breaks.
func Verify(key []byte, algorithm string, events []types.Event) error {
	if algorithm == "" {
		algorithm = "hmac-sha256"
	}
	var prevHash string
	var prevSeq int64
	for i, ev := range events {
		meta, err := metadataOf(ev)
		if err != nil {
			return &VerifyError{Index: i, EventID: ev.ID, Reason: err.Error()}
		}
		if i > 0 && meta.Sequence != prevSeq+1 {
			return &VerifyError{Index: i, EventID: ev.ID, Reason: fmt.Sprintf("sequence %d follows %d", meta.Sequence, prevSeq)}
		}
		if i > 0 && meta.PrevHash != prevHash {
			return &VerifyError{Index: i, EventID: ev.ID, Reason: "prev_hash does not match previous entry"}
		}
		payload, err := canonicalEvent(ev)
		if err != nil {
			return &VerifyError{Index: i, EventID: ev.ID, Reason: err.Error()}
		}
		want := computeHash(algorithm, key, meta.Sequence, meta.PrevHash, payload)
		if !hmac.Equal([]byte(want), []byte(meta.EntryHash)) {
			return &VerifyError{Index: i, EventID: ev.ID, Reason: "entry_hash mismatch"}
		}
		prevHash = meta.EntryHash
		prevSeq = meta.Sequence
	}
	return nil
}

func metadataOf(ev types.Event) (IntegrityMetadata, error) {
	raw, ok := ev.Fields[FieldIntegrity]
	if !ok {
		return IntegrityMetadata{}, errors.New("missing integrity metadata")
	}
	if meta, ok := raw.(IntegrityMetadata); ok {
		return meta, nil
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return IntegrityMetadata{}, fmt.Errorf("integrity metadata: %w", err)
	}
	var meta IntegrityMetadata
	if err := json.Unmarshal(b, &meta); err != nil {
		return IntegrityMetadata{}, fmt.Errorf("integrity metadata: %w", err)
	}
	return meta, nil
}

// canonicalEvent renders ev without its integrity field. The payload goes
// through a generic decode so a sealed event and the same event read back from
// storage hash identically.
func canonicalEvent(ev types.Event) ([]byte, error) {
	if _, ok := ev.Fields[FieldIntegrity]; ok {
		fields := make(map[string]any, len(ev.Fields))
		for k, v := range ev.Fields {
			if k != FieldIntegrity {
				fields[k] = v
			}
		}
		if len(fields) == 0 {
			fields = nil
		}
		ev.Fields = fields
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	var generic map[string]any
	if err := json.Unmarshal(b, &generic); err != nil {
		return nil, fmt.Errorf("parse event: %w", err)
	}
	out, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("canonical marshal: %w", err)
	}
	return out, nil
}

// computeHash computes the HMAC of: sequence || prev_hash || payload
func computeHash(algorithm string, key []byte, sequence int64, prevHash string, payload []byte) string {
	var h hash.Hash
	switch algorithm {
	case "hmac-sha512":
		h = hmac.New(sha512.New, key)
	default:
		h = hmac.New(sha256.New, key)
	}
	h.Write([]byte(strconv.FormatInt(sequence, 10)))
	h.Write([]byte("|"))
	h.Write([]byte(prevHash))
	h.Write([]byte("|"))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
