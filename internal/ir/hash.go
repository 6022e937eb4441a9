package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for digests.
// The version suffix leaves room for a future algorithm migration.
const (
	DomainEvent = "entityd/event/v1"
	DomainState = "entityd/state/v1"
)

// hashWithDomain computes SHA-256 with domain separation.
// Format: SHA256(domain + 0x00 + data)
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// EventDigest identifies an event by its content. The Digest field itself is
// not part of the input.
func EventDigest(ev Event) string {
	obj := map[string]any{
		"entity_id": ev.EntityID,
		"seq":       ev.Seq,
		"type":      ev.Type,
		"payload":   hex.EncodeToString(ev.Payload),
	}
	canonical, err := MarshalCanonical(obj)
	if err != nil {
		// Every field above is a string or int64.
		panic(fmt.Sprintf("EventDigest: %v", err))
	}
	return hashWithDomain(DomainEvent, canonical)
}

// VerifyDigest reports whether ev.Digest matches its content. Events written
// without a digest are accepted.
func VerifyDigest(ev Event) bool {
	if ev.Digest == "" {
		return true
	}
	return ev.Digest == EventDigest(ev)
}

// StateDigest fingerprints a state so two materializations can be compared
// without printing their payloads.
func StateDigest(s State) string {
	data := make([]byte, 8+len(s.Data))
	for i := 0; i < 8; i++ {
		data[i] = byte(uint64(s.Seq) >> (56 - 8*i))
	}
	copy(data[8:], s.Data)
	return hashWithDomain(DomainState, data)
}
