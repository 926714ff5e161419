// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"testing"
)

func TestUint16RoundTrip(t *testing.T) {
	for _, v := range []uint16{0, 1, 255, 256, 1883, 65535} {
		got, err := DecodeUint16(bytes.NewReader(EncodeUint16(v)))
		if err != nil {
			t.Fatalf("DecodeUint16(%d): %v", v, err)
		}
		if got != v {
			t.Errorf("round trip %d: got %d", v, got)
		}
	}
}

func TestStringRoundTrip(t *testing.T) {
	for _, s := range []string{"", "a", "sport/tennis/player1", "üñïçödé"} {
		got, err := DecodeString(bytes.NewReader(EncodeString(s)))
		if err != nil {
			t.Fatalf("DecodeString(%q): %v", s, err)
		}
		if got != s {
			t.Errorf("round trip %q: got %q", s, got)
		}
	}
}

func TestVBI(t *testing.T) {
	cases := []struct {
		value int
		bytes int
	}{
		{0, 1},
		{127, 1},
		{128, 2},
		{16383, 2},
		{16384, 3},
		{2097151, 3},
		{2097152, 4},
		{268435455, 4},
	}
	for _, c := range cases {
		enc := EncodeVBI(c.value)
		if len(enc) != c.bytes {
			t.Errorf("EncodeVBI(%d): %d bytes, want %d", c.value, len(enc), c.bytes)
		}
		got, err := DecodeVBI(bytes.NewReader(enc))
		if err != nil {
			t.Fatalf("DecodeVBI(%d): %v", c.value, err)
		}
		if got != c.value {
			t.Errorf("round trip %d: got %d", c.value, got)
		}
	}
}

func TestDecodeVBIOverlong(t *testing.T) {
	_, err := DecodeVBI(bytes.NewReader([]byte{0xFF, 0xFF, 0xFF, 0xFF, 0x7F}))
	if err != ErrMaxLengthExceeded {
		t.Errorf("expected ErrMaxLengthExceeded, got %v", err)
	}
}
