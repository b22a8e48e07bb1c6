// Copyright 2026 The Meshstats Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"testing"

	"google.golang.org/protobuf/encoding/protowire"
)

func encryptData(t *testing.T, keyB64 string, packetID, from uint32, data []byte) []byte {
	t.Helper()
	key, err := base64.StdEncoding.DecodeString(keyB64)
	if err != nil || len(key) != 16 {
		t.Fatalf("bad test key")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		t.Fatalf("aes.NewCipher: %v", err)
	}
	nonce := buildNonce(packetID, from)
	stream := cipher.NewCTR(block, nonce)
	out := make([]byte, len(data))
	stream.XORKeyStream(out, data)
	return out
}

func appendData(portnum uint32, payload []byte, bitfield *uint32) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(portnum))
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendBytes(b, payload)
	if bitfield != nil {
		b = protowire.AppendTag(b, 9, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(*bitfield))
	}
	return b
}

func appendPacket(from, id uint32, decoded, encrypted []byte, rssi int32) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(from))
	b = protowire.AppendTag(b, 6, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(id))
	if decoded != nil {
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, decoded)
	}
	if encrypted != nil {
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendBytes(b, encrypted)
	}
	b = protowire.AppendTag(b, 12, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(uint32(rssi)))
	return b
}

func appendEnvelope(packet []byte, channelID, gatewayID string) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, packet)
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendBytes(b, []byte(channelID))
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendBytes(b, []byte(gatewayID))
	return b
}

func TestDecodePlaintextText(t *testing.T) {
	data := appendData(1, []byte("hi"), nil)
	pkt := appendPacket(0x0A0B0C0D, 99, data, nil, -42)
	raw := appendEnvelope(pkt, "LongFast", "!0a0b0c0d")

	c := New(nil, false)
	res := Decode(c, raw)
	if res.Dropped() {
		t.Fatalf("unexpected drop: %v", res.Reason)
	}
	if res.Observation.Payload != "hi" {
		t.Errorf("payload = %q", res.Observation.Payload)
	}
	if res.Observation.GatewayID != "!0a0b0c0d" {
		t.Errorf("gateway id = %q", res.Observation.GatewayID)
	}
	if res.Observation.RSSI != -42 {
		t.Errorf("rssi = %d", res.Observation.RSSI)
	}
}

func TestDecodeEncryptedWithDefaultKey(t *testing.T) {
	plaintext := appendData(1, []byte("secret mesh"), nil)
	ciphertext := encryptData(t, DefaultDecryptionKey, 55, 7, plaintext)
	pkt := appendPacket(7, 55, nil, ciphertext, -10)
	raw := appendEnvelope(pkt, "LongFast", "!00000007")

	c := New(nil, true)
	res := Decode(c, raw)
	if res.Dropped() {
		t.Fatalf("unexpected drop: %v", res.Reason)
	}
	if res.Observation.Payload != "secret mesh" {
		t.Errorf("payload = %q", res.Observation.Payload)
	}
}

func TestDecodeCannotDecryptWrongKey(t *testing.T) {
	plaintext := appendData(1, []byte("secret"), nil)
	ciphertext := encryptData(t, "AAAAAAAAAAAAAAAAAAAAAA==", 1, 1, plaintext)
	pkt := appendPacket(1, 1, nil, ciphertext, 0)
	raw := appendEnvelope(pkt, "LongFast", "!00000001")

	c := New(nil, false) // empty keyring, default key excluded
	res := Decode(c, raw)
	if res.Reason != DropCannotDecrypt {
		t.Fatalf("reason = %v, want cannot_decrypt", res.Reason)
	}
}

func TestDecodePrivateDrop(t *testing.T) {
	zero := uint32(0)
	data := appendData(1, []byte("hi"), &zero)
	pkt := appendPacket(1, 2, data, nil, 0)
	raw := appendEnvelope(pkt, "LongFast", "!00000001")

	c := New(nil, false)
	res := Decode(c, raw)
	if res.Reason != DropPrivate {
		t.Fatalf("reason = %v, want private_drop", res.Reason)
	}
}

func TestDecodeUnsupportedPort(t *testing.T) {
	data := appendData(4, []byte("node info bytes"), nil) // NODEINFO_APP
	pkt := appendPacket(1, 3, data, nil, 0)
	raw := appendEnvelope(pkt, "LongFast", "!00000001")

	c := New(nil, false)
	res := Decode(c, raw)
	if res.Reason != DropUnsupportedPort {
		t.Fatalf("reason = %v, want unsupported_port", res.Reason)
	}
}

func TestDecodeMalformed(t *testing.T) {
	c := New(nil, false)
	res := Decode(c, []byte{0xff, 0xff})
	if res.Reason != DropMalformed {
		t.Fatalf("reason = %v, want malformed", res.Reason)
	}
}

func TestCanonicalGatewayIDFallback(t *testing.T) {
	got := canonicalGatewayID("", 0x1)
	if got != "!00000001" {
		t.Errorf("got %q", got)
	}
}
