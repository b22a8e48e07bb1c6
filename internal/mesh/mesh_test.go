// Copyright 2026 The Meshstats Authors
// SPDX-License-Identifier: Apache-2.0

package mesh

import (
	"testing"

	"google.golang.org/protobuf/encoding/protowire"
)

func appendData(d *Data) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(d.PortNum))
	if d.Payload != nil {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, d.Payload)
	}
	if d.HasBitfield {
		b = protowire.AppendTag(b, 9, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(d.Bitfield))
	}
	return b
}

func appendPacket(pkt *MeshPacket, decoded []byte) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(pkt.From))
	b = protowire.AppendTag(b, 6, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(pkt.ID))
	if decoded != nil {
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, decoded)
	}
	if pkt.Encrypted != nil {
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendBytes(b, pkt.Encrypted)
	}
	b = protowire.AppendTag(b, 12, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(uint32(pkt.RxRSSI)))
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

func TestDecodeServiceEnvelopePlaintext(t *testing.T) {
	data := appendData(&Data{PortNum: PortTextMessage, Payload: []byte("hello mesh")})
	pkt := appendPacket(&MeshPacket{From: 0x12345678, ID: 42, RxRSSI: -10}, data)
	raw := appendEnvelope(pkt, "LongFast", "!12345678")

	env, err := DecodeServiceEnvelope(raw)
	if err != nil {
		t.Fatalf("DecodeServiceEnvelope: %v", err)
	}
	if env.ChannelID != "LongFast" || env.GatewayID != "!12345678" {
		t.Fatalf("envelope fields = %q/%q", env.ChannelID, env.GatewayID)
	}
	if env.Packet.ID != 42 || env.Packet.From != 0x12345678 {
		t.Fatalf("packet fields = %+v", env.Packet)
	}
	if env.Packet.RxRSSI != -10 {
		t.Fatalf("RxRSSI = %d, want -10", env.Packet.RxRSSI)
	}
	if env.Packet.Decoded == nil || string(env.Packet.Decoded.Payload) != "hello mesh" {
		t.Fatalf("decoded payload = %+v", env.Packet.Decoded)
	}
	if env.Packet.Decoded.PortNum != PortTextMessage {
		t.Fatalf("portnum = %v", env.Packet.Decoded.PortNum)
	}
}

func TestDecodeServiceEnvelopeEncrypted(t *testing.T) {
	pkt := appendPacket(&MeshPacket{From: 1, ID: 7, Encrypted: []byte{1, 2, 3, 4}}, nil)
	raw := appendEnvelope(pkt, "LongFast", "!00000001")

	env, err := DecodeServiceEnvelope(raw)
	if err != nil {
		t.Fatalf("DecodeServiceEnvelope: %v", err)
	}
	if env.Packet.Decoded != nil {
		t.Fatalf("expected no decoded branch, got %+v", env.Packet.Decoded)
	}
	if len(env.Packet.Encrypted) != 4 {
		t.Fatalf("Encrypted = %v", env.Packet.Encrypted)
	}
}

func TestDecodeServiceEnvelopeMissingPacketID(t *testing.T) {
	pkt := appendPacket(&MeshPacket{From: 1}, nil)
	raw := appendEnvelope(pkt, "LongFast", "!00000001")

	if _, err := DecodeServiceEnvelope(raw); err == nil {
		t.Fatal("expected error for missing packet id")
	}
}

func TestDecodeServiceEnvelopeTruncated(t *testing.T) {
	if _, err := DecodeServiceEnvelope([]byte{0xff}); err == nil {
		t.Fatal("expected error for truncated input")
	}
}
