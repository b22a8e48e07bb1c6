// Copyright 2026 The Meshstats Authors
// SPDX-License-Identifier: Apache-2.0

// Package mesh decodes the inner Meshtastic packet envelope.
//
// The wire schema itself (mesh.proto / mqtt.proto) is an external
// contract imported as given, not owned by this repository. Rather than
// vendor the upstream generated code for a handful of fields, this
// package decodes exactly the fields Codec needs directly off the wire
// with google.golang.org/protobuf/encoding/protowire, skipping anything
// else. Field numbers match the public Meshtastic protobuf definitions.
package mesh

import (
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrMalformed is returned when a message cannot be parsed as valid
// protobuf wire format, or is missing a field this package requires.
var ErrMalformed = errors.New("mesh: malformed protobuf message")

// PortNum mirrors meshtastic.PortNum. Only the values Codec cares about
// are named; everything else decodes to its raw numeric value.
type PortNum uint32

const (
	PortUnknown     PortNum = 0
	PortTextMessage PortNum = 1
	PortNodeInfo    PortNum = 4
)

// Data is the inner (decrypted) application payload, meshtastic.Data.
type Data struct {
	PortNum     PortNum
	Payload     []byte
	Bitfield    uint32
	HasBitfield bool
}

// MeshPacket is meshtastic.MeshPacket with only the fields Codec reads.
type MeshPacket struct {
	From      uint32
	To        uint32
	Channel   uint32
	ID        uint32
	RxTime    uint32
	RxSNR     float32
	HopLimit  uint32
	HopStart  uint32
	RxRSSI    int32

	Decoded   *Data  // set when payload_variant is the decoded (plaintext) branch
	Encrypted []byte // set when payload_variant is the encrypted branch
}

// ServiceEnvelope is meshtastic.ServiceEnvelope, the outer MQTT message.
type ServiceEnvelope struct {
	Packet    *MeshPacket
	ChannelID string
	GatewayID string
}

// DecodeServiceEnvelope parses the raw MQTT message body.
func DecodeServiceEnvelope(raw []byte) (*ServiceEnvelope, error) {
	env := &ServiceEnvelope{}
	b := raw
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("mesh: envelope tag: %w", ErrMalformed)
		}
		b = b[n:]
		switch num {
		case 1: // packet
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("mesh: envelope.packet: %w", ErrMalformed)
			}
			b = b[n:]
			pkt, err := decodeMeshPacket(v)
			if err != nil {
				return nil, err
			}
			env.Packet = pkt
		case 2: // channel_id
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("mesh: envelope.channel_id: %w", ErrMalformed)
			}
			b = b[n:]
			env.ChannelID = string(v)
		case 3: // gateway_id
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("mesh: envelope.gateway_id: %w", ErrMalformed)
			}
			b = b[n:]
			env.GatewayID = string(v)
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("mesh: envelope field %d: %w", num, ErrMalformed)
			}
			b = b[n:]
		}
	}
	if env.Packet == nil || env.Packet.ID == 0 {
		return nil, fmt.Errorf("mesh: envelope missing packet.id: %w", ErrMalformed)
	}
	return env, nil
}

func decodeMeshPacket(raw []byte) (*MeshPacket, error) {
	pkt := &MeshPacket{}
	b := raw
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("mesh: packet tag: %w", ErrMalformed)
		}
		b = b[n:]
		switch num {
		case 1:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("mesh: packet.from: %w", ErrMalformed)
			}
			pkt.From = uint32(v)
			b = b[n:]
		case 2:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("mesh: packet.to: %w", ErrMalformed)
			}
			pkt.To = uint32(v)
			b = b[n:]
		case 3:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("mesh: packet.channel: %w", ErrMalformed)
			}
			pkt.Channel = uint32(v)
			b = b[n:]
		case 4: // decoded (Data), oneof branch
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("mesh: packet.decoded: %w", ErrMalformed)
			}
			b = b[n:]
			data, err := decodeData(v)
			if err != nil {
				return nil, err
			}
			pkt.Decoded = data
		case 5: // encrypted, oneof branch
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("mesh: packet.encrypted: %w", ErrMalformed)
			}
			b = b[n:]
			pkt.Encrypted = append([]byte(nil), v...)
		case 6:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("mesh: packet.id: %w", ErrMalformed)
			}
			pkt.ID = uint32(v)
			b = b[n:]
		case 7:
			v, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return nil, fmt.Errorf("mesh: packet.rx_time: %w", ErrMalformed)
			}
			pkt.RxTime = v
			b = b[n:]
		case 8:
			v, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return nil, fmt.Errorf("mesh: packet.rx_snr: %w", ErrMalformed)
			}
			pkt.RxSNR = math.Float32frombits(v)
			b = b[n:]
		case 9:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("mesh: packet.hop_limit: %w", ErrMalformed)
			}
			pkt.HopLimit = uint32(v)
			b = b[n:]
		case 12:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("mesh: packet.rx_rssi: %w", ErrMalformed)
			}
			pkt.RxRSSI = int32(v)
			b = b[n:]
		case 15:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("mesh: packet.hop_start: %w", ErrMalformed)
			}
			pkt.HopStart = uint32(v)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("mesh: packet field %d: %w", num, ErrMalformed)
			}
			b = b[n:]
		}
	}
	return pkt, nil
}

// DecodeData parses a meshtastic.Data message, the inner payload
// carried inside a MeshPacket's decoded or (once decrypted) encrypted
// branch.
func DecodeData(raw []byte) (*Data, error) {
	return decodeData(raw)
}

func decodeData(raw []byte) (*Data, error) {
	d := &Data{}
	b := raw
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("mesh: data tag: %w", ErrMalformed)
		}
		b = b[n:]
		switch num {
		case 1:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("mesh: data.portnum: %w", ErrMalformed)
			}
			d.PortNum = PortNum(v)
			b = b[n:]
		case 2:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("mesh: data.payload: %w", ErrMalformed)
			}
			d.Payload = append([]byte(nil), v...)
			b = b[n:]
		case 9:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("mesh: data.bitfield: %w", ErrMalformed)
			}
			d.Bitfield = uint32(v)
			d.HasBitfield = true
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("mesh: data field %d: %w", num, ErrMalformed)
			}
			b = b[n:]
		}
	}
	return d, nil
}
