// Copyright 2026 The Meshstats Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec decrypts mesh envelopes and decodes the inner protobuf
// payload into a packet observation, or a typed reason it could not.
package codec

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"encoding/binary"
	"fmt"

	"github.com/zeebo/blake3"

	"github.com/meshstats/meshstats/internal/mesh"
)

// DefaultDecryptionKey is the well-known Meshtastic public-channel key,
// base64 encoded. Included in the key ring unless explicitly disabled.
const DefaultDecryptionKey = "1PG7OiApB1nwvP+rz05pAQ=="

// DropReason names why an envelope never became an Observation.
type DropReason string

const (
	DropReplay           DropReason = "replay"
	DropCannotDecrypt    DropReason = "cannot_decrypt"
	DropMalformed        DropReason = "malformed"
	DropPrivate          DropReason = "private_drop"
	DropUnsupportedPort  DropReason = "unsupported_port"
)

// Observation is a successfully decoded, decrypted, text-bearing packet
// ready for PacketGrouper.
type Observation struct {
	EnvelopeHash   [32]byte
	PacketID       uint32
	SenderNodeID   uint32
	GatewayID      string
	SentAt         uint32 // unix seconds, rx_time; zero means "use arrival time"
	Payload        string
	RSSI           int32
	SNR            float32
	HopStart       uint32
	HopLimitAtRecv uint32
}

// Result is the tagged-union outcome of Decode: exactly one of
// Observation or Reason is meaningful.
type Result struct {
	Observation *Observation
	Reason      DropReason
}

// Dropped reports whether the result carries no observation.
func (r Result) Dropped() bool { return r.Observation == nil }

// Codec holds the configured key ring used to decrypt envelopes.
type Codec struct {
	keyring [][]byte
}

// New builds a Codec from base64-encoded 16-byte AES keys. Invalid
// entries (bad base64, wrong length) are skipped, matching the
// permissive key-ring loading behavior this bot has always had —
// callers should validate keys at config time if they want strictness.
func New(base64Keys []string, includeDefaultKey bool) *Codec {
	c := &Codec{}
	keys := base64Keys
	if includeDefaultKey {
		keys = append(append([]string(nil), base64Keys...), DefaultDecryptionKey)
	}
	for _, k := range keys {
		raw, err := base64.StdEncoding.DecodeString(k)
		if err != nil || len(raw) != 16 {
			continue
		}
		c.keyring = append(c.keyring, raw)
	}
	return c
}

// Decode hashes, decrypts, and decodes a raw MQTT message body.
func Decode(c *Codec, raw []byte) Result {
	hash := blake3.Sum256(raw)

	env, err := mesh.DecodeServiceEnvelope(raw)
	if err != nil {
		return Result{Reason: DropMalformed}
	}
	pkt := env.Packet

	decoded := pkt.Decoded
	if decoded == nil && len(pkt.Encrypted) > 0 {
		decoded = c.decrypt(pkt)
		if decoded == nil {
			return Result{Reason: DropCannotDecrypt}
		}
	}
	if decoded == nil {
		return Result{Reason: DropMalformed}
	}

	if decoded.HasBitfield && decoded.Bitfield == 0 {
		return Result{Reason: DropPrivate}
	}

	if decoded.PortNum != mesh.PortTextMessage {
		return Result{Reason: DropUnsupportedPort}
	}

	gatewayID := canonicalGatewayID(env.GatewayID, pkt.From)

	obs := &Observation{
		EnvelopeHash:   hash,
		PacketID:       pkt.ID,
		SenderNodeID:   pkt.From,
		GatewayID:      gatewayID,
		SentAt:         pkt.RxTime,
		Payload:        string(decoded.Payload),
		RSSI:           pkt.RxRSSI,
		SNR:            pkt.RxSNR,
		HopStart:       pkt.HopStart,
		HopLimitAtRecv: pkt.HopLimit,
	}
	return Result{Observation: obs}
}

// decrypt tries every key in the ring until one yields a parseable
// Data message, per the fixed nonce construction this bot has always
// used: packet_id (8 bytes LE) || sender_node_id (4 bytes LE) || a
// 4-byte zero counter, forming the 16-byte AES-CTR IV.
func (c *Codec) decrypt(pkt *mesh.MeshPacket) *mesh.Data {
	if len(c.keyring) == 0 {
		return nil
	}
	nonce := buildNonce(pkt.ID, pkt.From)
	for _, key := range c.keyring {
		block, err := aes.NewCipher(key)
		if err != nil {
			continue
		}
		stream := cipher.NewCTR(block, nonce)
		plaintext := make([]byte, len(pkt.Encrypted))
		stream.XORKeyStream(plaintext, pkt.Encrypted)

		data, err := mesh.DecodeData(plaintext)
		if err != nil {
			continue
		}
		return data
	}
	return nil
}

func buildNonce(packetID, senderNodeID uint32) []byte {
	nonce := make([]byte, 16)
	binary.LittleEndian.PutUint64(nonce[0:8], uint64(packetID))
	binary.LittleEndian.PutUint32(nonce[8:12], senderNodeID)
	// nonce[12:16] stays zero: the 4-byte CTR counter starts at 0.
	return nonce
}

// canonicalGatewayID returns the gateway id in "!hhhhhhhh" lowercase
// form. If the envelope already carries one, it is normalized; if it
// is absent, the sender node id itself is used as a fallback gateway
// identity (a packet observed without an explicit gateway_id is its
// own relay).
func canonicalGatewayID(raw string, fallbackNodeID uint32) string {
	if raw == "" {
		return fmt.Sprintf("!%08x", fallbackNodeID)
	}
	trimmed := raw
	if len(trimmed) > 0 && trimmed[0] == '!' {
		trimmed = trimmed[1:]
	}
	var id uint32
	if _, err := fmt.Sscanf(trimmed, "%x", &id); err != nil {
		return fmt.Sprintf("!%08x", fallbackNodeID)
	}
	return fmt.Sprintf("!%08x", id)
}
