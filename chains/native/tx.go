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

package native

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// TxOut describes one output of a decoded native transaction. Exactly
// one of Address and OpReturn is populated for the output kinds the
// bridge cares about; other script classes leave both empty.
type TxOut struct {
	ValueSat int64
	Address  string
	OpReturn []byte
}

// DecodedTx is the bridge-relevant view of a raw native transaction.
type DecodedTx struct {
	TxID    string
	Outputs []TxOut
}

// Unspent is one spendable output at the custodial address.
type Unspent struct {
	TxID     string
	Vout     uint32
	ValueSat int64
}

// Output is a destination for a release transaction.
type Output struct {
	Address  string
	ValueSat int64
}

// DecodeRawTx parses a hex-encoded transaction without consulting the
// node, so admission never trusts client-supplied metadata. Witness and
// legacy serialisations are both accepted by wire.
func DecodeRawTx(rawHex string, params *chaincfg.Params) (*DecodedTx, error) {
	raw, err := hex.DecodeString(rawHex)
	if err != nil {
		return nil, fmt.Errorf("native: raw tx is not hex: %w", err)
	}
	var msg wire.MsgTx
	if err := msg.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("native: deserialize tx: %w", err)
	}
	dec := &DecodedTx{TxID: msg.TxHash().String()}
	for _, out := range msg.TxOut {
		o := TxOut{ValueSat: out.Value}
		class, addrs, _, _ := txscript.ExtractPkScriptAddrs(out.PkScript, params)
		switch {
		case class == txscript.NullDataTy:
			pushes, err := txscript.PushedData(out.PkScript)
			if err == nil && len(pushes) > 0 {
				o.OpReturn = pushes[0]
			}
		case len(addrs) == 1:
			o.Address = addrs[0].EncodeAddress()
		}
		dec.Outputs = append(dec.Outputs, o)
	}
	return dec, nil
}

// PaidTo sums the outputs paying the given address.
func (d *DecodedTx) PaidTo(addr string) int64 {
	var sum int64
	for _, o := range d.Outputs {
		if o.Address != "" && o.Address == addr {
			sum += o.ValueSat
		}
	}
	return sum
}

// FirstOpReturn returns the payload of the first null-data output, or
// nil when the transaction carries none.
func (d *DecodedTx) FirstOpReturn() []byte {
	for _, o := range d.Outputs {
		if o.OpReturn != nil {
			return o.OpReturn
		}
	}
	return nil
}

// BuildRawTx assembles an unsigned transaction spending the given
// unspents into the given outputs, appending a null-data output when
// opReturn is non-empty. Fee is implicit: inputs minus outputs.
func BuildRawTx(inputs []Unspent, outputs []Output, opReturn []byte, params *chaincfg.Params) (string, error) {
	if len(inputs) == 0 {
		return "", fmt.Errorf("native: no inputs")
	}
	msg := wire.NewMsgTx(wire.TxVersion)
	for _, in := range inputs {
		h, err := chainhash.NewHashFromStr(in.TxID)
		if err != nil {
			return "", fmt.Errorf("native: bad input txid %q: %w", in.TxID, err)
		}
		msg.AddTxIn(wire.NewTxIn(wire.NewOutPoint(h, in.Vout), nil, nil))
	}
	for _, out := range outputs {
		addr, err := btcutil.DecodeAddress(out.Address, params)
		if err != nil {
			return "", fmt.Errorf("native: bad output address %q: %w", out.Address, err)
		}
		script, err := txscript.PayToAddrScript(addr)
		if err != nil {
			return "", fmt.Errorf("native: output script: %w", err)
		}
		msg.AddTxOut(wire.NewTxOut(out.ValueSat, script))
	}
	if len(opReturn) > 0 {
		script, err := txscript.NullDataScript(opReturn)
		if err != nil {
			return "", fmt.Errorf("native: null-data script: %w", err)
		}
		msg.AddTxOut(wire.NewTxOut(0, script))
	}
	var buf bytes.Buffer
	if err := msg.Serialize(&buf); err != nil {
		return "", fmt.Errorf("native: serialize tx: %w", err)
	}
	return hex.EncodeToString(buf.Bytes()), nil
}
