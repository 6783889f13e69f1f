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

package smart

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// TokenABI is the slice of the token contract the bridge consumes:
// owner-only mint, holder burn with a routing payload, and the balance
// getter used by the read API.
const TokenABI = `[
	{"type":"function","name":"mint","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"burn","stateMutability":"nonpayable","inputs":[{"name":"amount","type":"uint256"},{"name":"data","type":"bytes"}],"outputs":[]},
	{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
]`

// InsufficientBalanceSelector is the 4-byte selector of the token's
// InsufficientBalance custom error, surfaced when a burn exceeds the
// holder's balance.
var InsufficientBalanceSelector = [4]byte{0xe4, 0x50, 0xd3, 0x8c}

var tokenABI = mustParseABI(TokenABI)

func mustParseABI(src string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(src))
	if err != nil {
		panic(err)
	}
	return parsed
}

// BurnSelector returns keccak("burn(uint256,bytes)")[:4].
func BurnSelector() [4]byte {
	var sel [4]byte
	copy(sel[:], tokenABI.Methods["burn"].ID)
	return sel
}

// PackMint encodes the calldata of mint(to, amount).
func PackMint(to common.Address, amount *big.Int) ([]byte, error) {
	return tokenABI.Pack("mint", to, amount)
}

// PackBurn encodes the calldata of burn(amount, data).
func PackBurn(amount *big.Int, data []byte) ([]byte, error) {
	return tokenABI.Pack("burn", amount, data)
}

// PackBalanceOf encodes the calldata of balanceOf(account).
func PackBalanceOf(account common.Address) ([]byte, error) {
	return tokenABI.Pack("balanceOf", account)
}

// UnpackBalance decodes the balanceOf return value.
func UnpackBalance(ret []byte) (*big.Int, error) {
	out, err := tokenABI.Unpack("balanceOf", ret)
	if err != nil {
		return nil, err
	}
	return out[0].(*big.Int), nil
}

// UnpackBurn decodes the (amount, data) arguments of burn calldata.
// The caller must have checked the selector.
func UnpackBurn(calldata []byte) (*big.Int, []byte, error) {
	if len(calldata) < 4 {
		return nil, nil, fmt.Errorf("smart: calldata shorter than a selector")
	}
	sel := BurnSelector()
	if [4]byte(calldata[:4]) != sel {
		return nil, nil, fmt.Errorf("smart: calldata selector %x is not burn %x", calldata[:4], sel[:])
	}
	args, err := tokenABI.Methods["burn"].Inputs.Unpack(calldata[4:])
	if err != nil {
		return nil, nil, fmt.Errorf("smart: unpack burn args: %w", err)
	}
	return args[0].(*big.Int), args[1].([]byte), nil
}

// NormalizeAddress accepts an address with or without its 0x prefix
// and returns the checksummed form.
func NormalizeAddress(s string) (string, error) {
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		s = "0x" + s
	}
	if !common.IsHexAddress(s) {
		return "", fmt.Errorf("smart: %q is not an address", s)
	}
	return common.HexToAddress(s).Hex(), nil
}
