// Copyright 2026 The wbtcd Authors
// This file is part of wbtcd.
//
// wbtcd is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// wbtcd is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with wbtcd. If not, see <http://www.gnu.org/licenses/>.

// bridged runs the custodial bridge daemon: the HTTP admission API and
// the reconciliation loop against both chains.
package main

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/mattn/go-isatty"
	"github.com/naoina/toml"
	"github.com/urfave/cli/v2"

	"github.com/wbtc-bridge/wbtcd/bridge"
	"github.com/wbtc-bridge/wbtcd/chains/native"
	"github.com/wbtc-bridge/wbtcd/chains/smart"
	"github.com/wbtc-bridge/wbtcd/store"
)

var (
	configFlag = &cli.StringFlag{
		Name:  "config",
		Usage: "TOML configuration file",
	}
	listenFlag = &cli.StringFlag{
		Name:    "http.addr",
		Usage:   "HTTP API listen address",
		Value:   ":8080",
		EnvVars: []string{"BRIDGE_HTTP_ADDR"},
	}
	corsFlag = &cli.StringSliceFlag{
		Name:    "http.corsdomain",
		Usage:   "Origins allowed to call the HTTP API (default: all)",
		EnvVars: []string{"BRIDGE_HTTP_CORS"},
	}
	verbosityFlag = &cli.IntFlag{
		Name:    "verbosity",
		Usage:   "Logging verbosity: 0=crit, 1=error, 2=warn, 3=info, 4=debug, 5=trace",
		Value:   3,
		EnvVars: []string{"BRIDGE_VERBOSITY"},
	}

	dbDriverFlag = &cli.StringFlag{
		Name:    "db.driver",
		Usage:   "Database driver (postgres or sqlite3)",
		Value:   store.DriverSQLite,
		EnvVars: []string{"BRIDGE_DB_DRIVER"},
	}
	dbDSNFlag = &cli.StringFlag{
		Name:    "db.dsn",
		Usage:   "Database DSN (connection string or sqlite file path)",
		Value:   "bridge.db",
		EnvVars: []string{"BRIDGE_DB_DSN"},
	}

	nativeHostFlag = &cli.StringFlag{
		Name:    "native.host",
		Usage:   "Native node RPC host:port",
		EnvVars: []string{"BRIDGE_NATIVE_HOST"},
	}
	nativeUserFlag = &cli.StringFlag{
		Name:    "native.user",
		Usage:   "Native node RPC user",
		EnvVars: []string{"BRIDGE_NATIVE_USER"},
	}
	nativePassFlag = &cli.StringFlag{
		Name:    "native.pass",
		Usage:   "Native node RPC password",
		EnvVars: []string{"BRIDGE_NATIVE_PASS"},
	}
	nativeWalletFlag = &cli.StringFlag{
		Name:    "native.wallet",
		Usage:   "Native node wallet holding the custodial key",
		EnvVars: []string{"BRIDGE_NATIVE_WALLET"},
	}
	nativeNetworkFlag = &cli.StringFlag{
		Name:    "native.network",
		Usage:   "Native network (mainnet, testnet3, regtest, signet)",
		Value:   "mainnet",
		EnvVars: []string{"BRIDGE_NATIVE_NETWORK"},
	}
	custodialFlag = &cli.StringFlag{
		Name:    "native.custodial",
		Usage:   "Custodial address receiving deposits and funding releases",
		EnvVars: []string{"BRIDGE_CUSTODIAL_ADDRESS"},
	}

	smartURLFlag = &cli.StringFlag{
		Name:    "smart.url",
		Usage:   "Smart-chain node RPC URL",
		EnvVars: []string{"BRIDGE_SMART_URL"},
	}
	tokenFlag = &cli.StringFlag{
		Name:    "smart.token",
		Usage:   "Token contract address",
		EnvVars: []string{"BRIDGE_TOKEN_ADDRESS"},
	}
	ownerKeyFlag = &cli.StringFlag{
		Name:    "smart.ownerkey",
		Usage:   "Hex private key of the token's mint owner",
		EnvVars: []string{"BRIDGE_OWNER_KEY"},
	}
	mintGasFlag = &cli.Uint64Flag{
		Name:    "smart.mintgas",
		Usage:   "Gas limit for mint transactions",
		Value:   2_000_000,
		EnvVars: []string{"BRIDGE_MINT_GAS"},
	}
	maxGasPriceFlag = &cli.Int64Flag{
		Name:    "smart.maxgasprice",
		Usage:   "Gas price ceiling in gwei",
		Value:   500,
		EnvVars: []string{"BRIDGE_MAX_GAS_PRICE_GWEI"},
	}

	ethFeeFlag = &cli.Int64Flag{
		Name:    "fee.mint",
		Usage:   "Fee in token base units deducted before minting",
		Value:   100,
		EnvVars: []string{"BRIDGE_ETH_FEE"},
	}
	nativeFeeFlag = &cli.Int64Flag{
		Name:    "fee.release",
		Usage:   "Fee in satoshis deducted before releasing",
		Value:   1_000_000,
		EnvVars: []string{"BRIDGE_NATIVE_FEE"},
	}
	minAmountFlag = &cli.Int64Flag{
		Name:    "fee.minamount",
		Usage:   "Smallest admissible deposit or burn in base units",
		Value:   100_000,
		EnvVars: []string{"BRIDGE_MIN_AMOUNT"},
	}
	confirmationsFlag = &cli.Int64Flag{
		Name:    "confirmations",
		Usage:   "Confirmation depth required on either chain",
		Value:   6,
		EnvVars: []string{"BRIDGE_CONFIRMATIONS"},
	}
	tickFlag = &cli.DurationFlag{
		Name:    "tick",
		Usage:   "Reconciliation interval",
		Value:   2 * time.Minute,
		EnvVars: []string{"BRIDGE_TICK"},
	}
)

func main() {
	app := cli.NewApp()
	app.Name = "bridged"
	app.Usage = "custodial two-way bridge between a native chain and its wrapped token"
	app.Flags = []cli.Flag{
		configFlag, listenFlag, corsFlag, verbosityFlag,
		dbDriverFlag, dbDSNFlag,
		nativeHostFlag, nativeUserFlag, nativePassFlag, nativeWalletFlag, nativeNetworkFlag, custodialFlag,
		smartURLFlag, tokenFlag, ownerKeyFlag, mintGasFlag, maxGasPriceFlag,
		ethFeeFlag, nativeFeeFlag, minAmountFlag, confirmationsFlag, tickFlag,
	}
	app.Action = run
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// fileConfig is the TOML shape; flags override whatever it sets.
type fileConfig struct {
	HTTPAddr string
	DB       struct {
		Driver string
		DSN    string
	}
	Native struct {
		Host, User, Pass, Wallet, Network, Custodial string
	}
	Smart struct {
		URL, Token, OwnerKey string
		MintGas              uint64
		MaxGasPriceGwei      int64
	}
	Fees struct {
		Mint, Release, MinAmount int64
	}
	Confirmations int64
	Tick          string
}

func loadFileConfig(ctx *cli.Context) (*fileConfig, error) {
	fc := new(fileConfig)
	path := ctx.String(configFlag.Name)
	if path == "" {
		return fc, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if err := toml.NewDecoder(f).Decode(fc); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return fc, nil
}

// pick prefers an explicitly set flag, then the file value, then the
// flag default.
func pick(ctx *cli.Context, flag string, fileVal string) string {
	if ctx.IsSet(flag) || fileVal == "" {
		return ctx.String(flag)
	}
	return fileVal
}

func pickInt(ctx *cli.Context, flag string, fileVal int64) int64 {
	if ctx.IsSet(flag) || fileVal == 0 {
		return ctx.Int64(flag)
	}
	return fileVal
}

func setupLogging(ctx *cli.Context) {
	usecolor := isatty.IsTerminal(os.Stderr.Fd()) && os.Getenv("TERM") != "dumb"
	handler := log.NewTerminalHandlerWithLevel(os.Stderr,
		log.FromLegacyLevel(ctx.Int(verbosityFlag.Name)), usecolor)
	log.SetDefault(log.NewLogger(handler))
}

func run(ctx *cli.Context) error {
	setupLogging(ctx)
	fc, err := loadFileConfig(ctx)
	if err != nil {
		return err
	}

	nativeCfg := native.Config{
		Host:       pick(ctx, nativeHostFlag.Name, fc.Native.Host),
		User:       pick(ctx, nativeUserFlag.Name, fc.Native.User),
		Pass:       pick(ctx, nativePassFlag.Name, fc.Native.Pass),
		WalletName: pick(ctx, nativeWalletFlag.Name, fc.Native.Wallet),
		Network:    pick(ctx, nativeNetworkFlag.Name, fc.Native.Network),
	}
	if nativeCfg.Host == "" {
		return errors.New("native node host not configured (--native.host)")
	}
	smartCfg := smart.Config{
		URL:          pick(ctx, smartURLFlag.Name, fc.Smart.URL),
		TokenAddress: pick(ctx, tokenFlag.Name, fc.Smart.Token),
		OwnerKeyHex:  pick(ctx, ownerKeyFlag.Name, fc.Smart.OwnerKey),
		GasLimit:     ctx.Uint64(mintGasFlag.Name),
		MaxGasPrice: new(big.Int).Mul(
			big.NewInt(pickInt(ctx, maxGasPriceFlag.Name, fc.Smart.MaxGasPriceGwei)),
			big.NewInt(1_000_000_000)),
	}
	if fc.Smart.MintGas != 0 && !ctx.IsSet(mintGasFlag.Name) {
		smartCfg.GasLimit = fc.Smart.MintGas
	}
	if smartCfg.URL == "" {
		return errors.New("smart-chain node URL not configured (--smart.url)")
	}
	if smartCfg.OwnerKeyHex == "" {
		return errors.New("mint owner key not configured (--smart.ownerkey)")
	}
	bridgeCfg := bridge.Config{
		CustodialAddress: pick(ctx, custodialFlag.Name, fc.Native.Custodial),
		TokenAddress:     smartCfg.TokenAddress,
		MintGasLimit:     int64(smartCfg.GasLimit),
		AllowedOrigins:   ctx.StringSlice(corsFlag.Name),
		EthFeeTokenSat:   pickInt(ctx, ethFeeFlag.Name, fc.Fees.Mint),
		NativeFeeSat:     pickInt(ctx, nativeFeeFlag.Name, fc.Fees.Release),
		MinAmountSat:     pickInt(ctx, minAmountFlag.Name, fc.Fees.MinAmount),
		Confirmations:    pickInt(ctx, confirmationsFlag.Name, fc.Confirmations),
		TickInterval:     ctx.Duration(tickFlag.Name),
	}
	if fc.Tick != "" && !ctx.IsSet(tickFlag.Name) {
		d, err := time.ParseDuration(fc.Tick)
		if err != nil {
			return fmt.Errorf("tick: %w", err)
		}
		bridgeCfg.TickInterval = d
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(rootCtx, pick(ctx, dbDriverFlag.Name, fc.DB.Driver), pick(ctx, dbDSNFlag.Name, fc.DB.DSN))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	nativeAdapter, err := native.New(nativeCfg)
	if err != nil {
		return err
	}
	defer nativeAdapter.Close()

	smartAdapter, err := smart.Dial(rootCtx, smartCfg)
	if err != nil {
		return err
	}
	defer smartAdapter.Close()

	b, err := bridge.New(bridgeCfg, st, nativeAdapter, smartAdapter)
	if err != nil {
		return err
	}
	b.Start()
	defer b.Stop()

	srv := &http.Server{
		Addr:              pick(ctx, listenFlag.Name, fc.HTTPAddr),
		Handler:           b.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info("HTTP API listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-rootCtx.Done():
	}
	log.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
