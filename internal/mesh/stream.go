// Copyright 2026 The Meshstats Authors
// SPDX-License-Identifier: Apache-2.0

package mesh

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// FromRadio is meshtastic.FromRadio, the device-to-client half of the
// stream API, decoded to only the fields CommandBot reads.
type FromRadio struct {
	Packet *MeshPacket // payload_variant field 1

	ConfigCompleteID    uint32 // field 6
	HasConfigCompleteID bool
}

// DecodeFromRadio parses one de-framed FromRadio message.
func DecodeFromRadio(raw []byte) (*FromRadio, error) {
	fr := &FromRadio{}
	b := raw
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("mesh: from_radio tag: %w", ErrMalformed)
		}
		b = b[n:]
		switch num {
		case 1: // packet
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("mesh: from_radio.packet: %w", ErrMalformed)
			}
			b = b[n:]
			pkt, err := decodeMeshPacket(v)
			if err != nil {
				return nil, err
			}
			fr.Packet = pkt
		case 6: // config_complete_id
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("mesh: from_radio.config_complete_id: %w", ErrMalformed)
			}
			fr.ConfigCompleteID = uint32(v)
			fr.HasConfigCompleteID = true
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("mesh: from_radio field %d: %w", num, ErrMalformed)
			}
			b = b[n:]
		}
	}
	return fr, nil
}

// EncodeWantConfig builds a ToRadio requesting the initial device
// config/handshake, the first message a stream-API client sends.
func EncodeWantConfig(nonce uint32) []byte {
	var b []byte
	b = protowire.AppendTag(b, 2, protowire.VarintType) // want_config_id
	b = protowire.AppendVarint(b, uint64(nonce))
	return b
}

// EncodeTextMessage builds a ToRadio carrying a text message addressed
// to "to" (a node number, or the broadcast address 0xffffffff) on the
// given channel index.
func EncodeTextMessage(to, channel, id uint32, text string) []byte {
	var data []byte
	data = protowire.AppendTag(data, 1, protowire.VarintType) // portnum
	data = protowire.AppendVarint(data, uint64(PortTextMessage))
	data = protowire.AppendTag(data, 2, protowire.BytesType) // payload
	data = protowire.AppendBytes(data, []byte(text))

	var pkt []byte
	pkt = protowire.AppendTag(pkt, 1, protowire.VarintType) // from is left to the radio to fill in
	pkt = protowire.AppendVarint(pkt, 0)
	pkt = protowire.AppendTag(pkt, 2, protowire.VarintType) // to
	pkt = protowire.AppendVarint(pkt, uint64(to))
	pkt = protowire.AppendTag(pkt, 3, protowire.VarintType) // channel
	pkt = protowire.AppendVarint(pkt, uint64(channel))
	pkt = protowire.AppendTag(pkt, 4, protowire.BytesType) // decoded
	pkt = protowire.AppendBytes(pkt, data)
	if id != 0 {
		pkt = protowire.AppendTag(pkt, 6, protowire.VarintType) // id
		pkt = protowire.AppendVarint(pkt, uint64(id))
	}

	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType) // packet
	b = protowire.AppendBytes(b, pkt)
	return b
}
