// Copyright 2026 The wbtcd Authors
// This file is part of the wbtcd library.
//
// The wbtcd library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The wbtcd library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the wbtcd library. If not, see <http://www.gnu.org/licenses/>.

// Package payload implements the bridge routing payload carried in
// OP_RETURN outputs on the native chain and in the data argument of the
// token's burn method. The wire form is the ASCII string
//
//	<tag>:<wallet_id>-<recipient>
//
// hex-encoded where the carrier requires it (OP_RETURN).
package payload

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// Tags accepted on each side of the bridge.
const (
	TagWrap   = "wrp" // native-chain deposit initiating a wrap
	TagUnwrap = "un"  // burn calldata and the release OP_RETURN
)

// MaxWalletIDLen bounds the client-chosen wallet identifier. OP_RETURN
// carriers allow 80 bytes total and the release payload is the worst
// case: "un:" + wallet_id + "-" + a 40-char smart-chain address, so the
// wallet id gets 80 - 3 - 1 - 40 = 36 bytes.
const MaxWalletIDLen = 36

var (
	ErrMalformed     = errors.New("payload: malformed, want <tag>:<wallet_id>-<recipient>")
	ErrUnknownTag    = errors.New("payload: unknown tag")
	ErrWalletTooLong = fmt.Errorf("payload: wallet id exceeds %d bytes", MaxWalletIDLen)
)

// Payload is the parsed routing information.
type Payload struct {
	Tag       string
	WalletID  string
	Recipient string
}

// Parse decodes the ASCII wire form. The recipient may itself contain
// '-' so only the first occurrence after the tag separator splits.
func Parse(s string) (*Payload, error) {
	tag, rest, ok := strings.Cut(s, ":")
	if !ok {
		return nil, ErrMalformed
	}
	if tag != TagWrap && tag != TagUnwrap {
		return nil, fmt.Errorf("%w %q", ErrUnknownTag, tag)
	}
	wallet, recipient, ok := strings.Cut(rest, "-")
	if !ok || wallet == "" || recipient == "" {
		return nil, ErrMalformed
	}
	if len(wallet) > MaxWalletIDLen {
		return nil, ErrWalletTooLong
	}
	return &Payload{Tag: tag, WalletID: wallet, Recipient: recipient}, nil
}

// ParseHex decodes the hex-quoted wire form used in OP_RETURN outputs.
func ParseHex(h string) (*Payload, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(h, "0x"))
	if err != nil {
		return nil, fmt.Errorf("payload: not hex: %w", err)
	}
	return Parse(string(raw))
}

// ParseBytes decodes a raw (non-hex) payload, e.g. burn calldata bytes.
func ParseBytes(b []byte) (*Payload, error) {
	return Parse(string(b))
}

// String returns the ASCII wire form.
func (p *Payload) String() string {
	return p.Tag + ":" + p.WalletID + "-" + p.Recipient
}

// Hex returns the hex-quoted wire form for OP_RETURN carriers.
func (p *Payload) Hex() string {
	return hex.EncodeToString([]byte(p.String()))
}

// Bytes returns the raw wire form.
func (p *Payload) Bytes() []byte {
	return []byte(p.String())
}
