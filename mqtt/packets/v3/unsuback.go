// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package v3

import (
	"fmt"
	"io"

	"github.com/absmach/voltmq/mqtt/codec"
	"github.com/absmach/voltmq/mqtt/packets"
)

// UnsubAck represents the MQTT V3.1.1 UNSUBACK packet.
type UnsubAck struct {
	packets.FixedHeader
	ID uint16
}

func (u *UnsubAck) String() string {
	return fmt.Sprintf("%s\nPacketID: %d\n", u.FixedHeader, u.ID)
}

func (u *UnsubAck) Type() byte {
	return packets.UnsubAckType
}

func (u *UnsubAck) Encode() []byte {
	var body []byte
	body = append(body, codec.EncodeUint16(u.ID)...)
	u.FixedHeader.RemainingLength = len(body)
	return append(u.FixedHeader.Encode(), body...)
}

func (u *UnsubAck) Unpack(r io.Reader) error {
	var err error
	u.ID, err = codec.DecodeUint16(r)
	return err
}

func (u *UnsubAck) Pack(w io.Writer) error {
	_, err := w.Write(u.Encode())
	return err
}

func (u *UnsubAck) Details() packets.Details {
	return packets.Details{Type: packets.UnsubAckType, ID: u.ID}
}
