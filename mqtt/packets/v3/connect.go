// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package v3

import (
	"fmt"
	"io"

	"github.com/absmach/voltmq/mqtt/codec"
	"github.com/absmach/voltmq/mqtt/packets"
)

// CONNACK return codes.
const (
	Accepted                        = 0x00
	ErrRefusedBadProtocolVersion    = 0x01
	ErrRefusedIDRejected            = 0x02
	ErrRefusedServerUnavailable     = 0x03
	ErrRefusedBadUsernameOrPassword = 0x04
	ErrRefusedNotAuthorized         = 0x05
)

// Connect represents the MQTT V3.1.1 CONNECT packet.
type Connect struct {
	packets.FixedHeader
	ProtocolName    string
	ProtocolVersion byte
	CleanSession    bool
	WillFlag        bool
	WillQoS         byte
	WillRetain      bool
	UsernameFlag    bool
	PasswordFlag    bool
	ReservedBit     byte
	KeepAlive       uint16

	ClientID    string
	WillTopic   string
	WillMessage []byte
	Username    string
	Password    []byte
}

func (c *Connect) String() string {
	return fmt.Sprintf("%s\nProtocol: %s v%d\nClientID: %s\nCleanSession: %t\nKeepAlive: %d\nWill: %t\n",
		c.FixedHeader, c.ProtocolName, c.ProtocolVersion, c.ClientID, c.CleanSession, c.KeepAlive, c.WillFlag)
}

func (c *Connect) Type() byte {
	return packets.ConnectType
}

func (c *Connect) Encode() []byte {
	var body []byte
	body = append(body, codec.EncodeString(c.ProtocolName)...)
	body = append(body, c.ProtocolVersion)
	body = append(body, codec.EncodeBool(c.CleanSession)<<1|
		codec.EncodeBool(c.WillFlag)<<2|c.WillQoS<<3|codec.EncodeBool(c.WillRetain)<<5|
		codec.EncodeBool(c.PasswordFlag)<<6|codec.EncodeBool(c.UsernameFlag)<<7)
	body = append(body, codec.EncodeUint16(c.KeepAlive)...)
	body = append(body, codec.EncodeString(c.ClientID)...)
	if c.WillFlag {
		body = append(body, codec.EncodeString(c.WillTopic)...)
		body = append(body, codec.EncodeBytes(c.WillMessage)...)
	}
	if c.UsernameFlag {
		body = append(body, codec.EncodeString(c.Username)...)
	}
	if c.PasswordFlag {
		body = append(body, codec.EncodeBytes(c.Password)...)
	}
	c.FixedHeader.RemainingLength = len(body)
	return append(c.FixedHeader.Encode(), body...)
}

func (c *Connect) Unpack(r io.Reader) error {
	var err error
	c.ProtocolName, err = codec.DecodeString(r)
	if err != nil {
		return err
	}
	c.ProtocolVersion, err = codec.DecodeByte(r)
	if err != nil {
		return err
	}
	options, err := codec.DecodeByte(r)
	if err != nil {
		return err
	}
	c.ReservedBit = 1 & options
	c.CleanSession = 1&(options>>1) > 0
	c.WillFlag = 1&(options>>2) > 0
	c.WillQoS = 3 & (options >> 3)
	c.WillRetain = 1&(options>>5) > 0
	c.PasswordFlag = 1&(options>>6) > 0
	c.UsernameFlag = 1&(options>>7) > 0

	c.KeepAlive, err = codec.DecodeUint16(r)
	if err != nil {
		return err
	}
	c.ClientID, err = codec.DecodeString(r)
	if err != nil {
		return err
	}
	if c.WillFlag {
		c.WillTopic, err = codec.DecodeString(r)
		if err != nil {
			return err
		}
		c.WillMessage, err = codec.DecodeBytes(r)
		if err != nil {
			return err
		}
	}
	if c.UsernameFlag {
		c.Username, err = codec.DecodeString(r)
		if err != nil {
			return err
		}
	}
	if c.PasswordFlag {
		c.Password, err = codec.DecodeBytes(r)
		if err != nil {
			return err
		}
	}
	return nil
}

func (c *Connect) Pack(w io.Writer) error {
	_, err := w.Write(c.Encode())
	return err
}

// Validate checks the CONNECT packet fields against protocol rules.
// It returns the CONNACK return code to refuse with, or Accepted.
func (c *Connect) Validate() byte {
	if c.ProtocolName != "MQTT" || c.ProtocolVersion != packets.V311 {
		return ErrRefusedBadProtocolVersion
	}
	if c.ReservedBit != 0 {
		return ErrProtocolViolation
	}
	if c.WillFlag && (c.WillQoS > 2 || c.WillTopic == "") {
		return ErrProtocolViolation
	}
	if !c.WillFlag && (c.WillQoS != 0 || c.WillRetain) {
		return ErrProtocolViolation
	}
	if c.PasswordFlag && !c.UsernameFlag {
		return ErrProtocolViolation
	}
	if len(c.ClientID) > 65535 {
		return ErrRefusedIDRejected
	}
	return Accepted
}

// ErrProtocolViolation is a pseudo return code for violations that require
// closing the connection without a CONNACK.
const ErrProtocolViolation = 0xFF

func (c *Connect) Details() packets.Details {
	return packets.Details{Type: packets.ConnectType}
}
