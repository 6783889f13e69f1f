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

package bridge

import (
	"fmt"
	"time"
)

// Config is the bridge's policy surface. Amounts are base units; one
// token base unit corresponds to one satoshi.
type Config struct {
	// CustodialAddress receives wrap deposits and funds releases.
	CustodialAddress string
	// TokenAddress is the token contract burns must target.
	TokenAddress string

	// EthFeeTokenSat is deducted from the deposit before minting.
	EthFeeTokenSat int64
	// NativeFeeSat is deducted from the burn before releasing; it also
	// pays the release transaction's miner fee.
	NativeFeeSat int64
	// MinAmountSat is the smallest admissible deposit or burn.
	MinAmountSat int64
	// DustSat is the smallest output the native chain relays; change
	// below it is dropped into the miner fee.
	DustSat int64

	// MintGasLimit is the gas limit quoted to clients and used for
	// mint transactions.
	MintGasLimit int64
	// AllowedOrigins configures CORS on the HTTP API; empty allows all.
	AllowedOrigins []string

	// Confirmations is the depth required on either chain before a
	// record advances.
	Confirmations int64
	// MaxAttempts caps per-record retries before the record is parked
	// in a terminal failure state.
	MaxAttempts int

	// TickInterval paces the reconciliation sweeps.
	TickInterval time.Duration
	// CallTimeout bounds every chain and store call made by a sweep.
	CallTimeout time.Duration
}

// Defaults returns the production policy.
func Defaults() Config {
	return Config{
		EthFeeTokenSat: 100,
		NativeFeeSat:   1_000_000,
		MinAmountSat:   100_000,
		DustSat:        546,
		MintGasLimit:   2_000_000,
		Confirmations:  6,
		MaxAttempts:    10,
		TickInterval:   2 * time.Minute,
		CallTimeout:    30 * time.Second,
	}
}

// Sanitize fills zero values with defaults and rejects an unusable
// configuration.
func (c *Config) Sanitize() error {
	d := Defaults()
	if c.EthFeeTokenSat == 0 {
		c.EthFeeTokenSat = d.EthFeeTokenSat
	}
	if c.NativeFeeSat == 0 {
		c.NativeFeeSat = d.NativeFeeSat
	}
	if c.MinAmountSat == 0 {
		c.MinAmountSat = d.MinAmountSat
	}
	if c.DustSat == 0 {
		c.DustSat = d.DustSat
	}
	if c.MintGasLimit == 0 {
		c.MintGasLimit = d.MintGasLimit
	}
	if c.Confirmations == 0 {
		c.Confirmations = d.Confirmations
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.TickInterval == 0 {
		c.TickInterval = d.TickInterval
	}
	if c.CallTimeout == 0 {
		c.CallTimeout = d.CallTimeout
	}
	if c.CustodialAddress == "" {
		return fmt.Errorf("bridge: custodial address not configured")
	}
	if c.TokenAddress == "" {
		return fmt.Errorf("bridge: token address not configured")
	}
	if c.EthFeeTokenSat < 0 || c.NativeFeeSat < 0 || c.MinAmountSat < 0 {
		return fmt.Errorf("bridge: negative fee or minimum")
	}
	return nil
}
