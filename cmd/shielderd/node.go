// node.go - Wiring of storage, ledger, prover and actions for one account seed
package main

import (
	"context"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"

	"shielder/internal/actions"
	"shielder/internal/chain"
	"shielder/internal/circuits"
	"shielder/internal/crypto"
	"shielder/internal/relayer"
	"shielder/internal/shielder"
	"shielder/internal/state"
	"shielder/internal/storage"
	"shielder/internal/tee"
	"shielder/internal/transport"
)

const eventCacheSize = 1024

var errNoPrivateKey = errors.New("private_key is not configured (set SHIELDER_PRIVATE_KEY)")

// node holds the components shared by the commands.
type node struct {
	cfg     *Config
	log     zerolog.Logger
	backend *circuits.LocalBackend
	ledger  *chain.FileLedger

	// Set by withAccount.
	caller   common.Address
	secrets  *crypto.SeedSecrets
	store    *storage.Store
	registry *state.Registry
	syncer   *state.Synchronizer
	builder  *actions.Builder
}

func openNode(cfg *Config, logger zerolog.Logger) (*node, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	backend := circuits.NewLocalBackend(cfg.MerkleDepth, cfg.Path(cfg.KeyDir), logger)
	ledger, err := chain.OpenFileLedger(cfg.Path(cfg.LedgerPath), cfg.MerkleDepth, backend, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	return &node{cfg: cfg, log: logger, backend: backend, ledger: ledger}, nil
}

// withAccount opens the account database of the configured key and wires the
// synchronizer and the transition builder.
func (n *node) withAccount(ctx context.Context) error {
	caller, seed, err := accountKey(n.cfg)
	if err != nil {
		return err
	}
	n.caller = caller
	n.secrets = crypto.NewSeedSecrets(seed)
	n.log = n.log.With().Stringer("caller", n.caller).Logger()

	n.store, err = openAccountStore(n.cfg, caller, n.log)
	if err != nil {
		return err
	}
	n.registry = state.NewRegistry(n.store, n.secrets)

	reader, err := chain.NewCachedReader(n.ledger, eventCacheSize)
	if err != nil {
		return err
	}
	n.syncer = state.NewSynchronizer(reader, n.registry, n.secrets, n.log)

	prover, err := n.prover(ctx)
	if err != nil {
		return err
	}
	n.builder = actions.NewBuilder(actions.Config{
		Secrets:  n.secrets,
		Reader:   n.ledger,
		Writer:   n.ledger,
		Prover:   prover,
		Verifier: n.backend,
		Logger:   n.log,
	})
	return nil
}

// accountKey returns the caller address and seed of the configured key.
func accountKey(cfg *Config) (common.Address, []byte, error) {
	if cfg.PrivateKey == "" {
		return common.Address{}, nil, errNoPrivateKey
	}
	key, err := ethcrypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return common.Address{}, nil, fmt.Errorf("invalid private_key: %w", err)
	}
	return ethcrypto.PubkeyToAddress(key.PublicKey), ethcrypto.FromECDSA(key), nil
}

// openAccountStore opens the account database of caller. Accounts of
// different keys never share a database.
func openAccountStore(cfg *Config, caller common.Address, logger zerolog.Logger) (*storage.Store, error) {
	return storage.Open(cfg.Path(filepath.Join("accounts", caller.Hex())), shielder.StorageSchemaVersion, logger)
}

func (n *node) Close() error {
	if n.store != nil {
		return n.store.Close()
	}
	return nil
}

func (n *node) retryConfig() transport.RetryConfig {
	rc := transport.DefaultRetryConfig()
	rc.MaxRetries = n.cfg.Prover.MaxRetries
	rc.Timeout = n.cfg.Timeout
	return rc
}

func (n *node) prover(ctx context.Context) (circuits.Prover, error) {
	if n.cfg.Prover.Backend == ProverLocal {
		return n.backend, nil
	}
	client, err := n.teeClient()
	if err != nil {
		return nil, err
	}
	if err := client.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize confidential prover: %w", err)
	}
	return client, nil
}

func (n *node) teeClient() (*tee.Client, error) {
	pc := n.cfg.Prover
	cfg := tee.Config{
		URL:                pc.URL,
		RequireAttestation: pc.RequireAttestation,
		RequestPadding:     pc.RequestPadding,
		ResponsePadding:    pc.ResponsePadding,
		Retry:              n.retryConfig(),
		Logger:             n.log,
	}
	if pc.RequireAttestation {
		roots, err := loadRoots(n.cfg.Path(pc.RootCert))
		if err != nil {
			return nil, err
		}
		pcrs, err := parsePCRs(pc.PCRs)
		if err != nil {
			return nil, err
		}
		cfg.Verifier = &tee.NitroVerifier{Roots: roots, PCRs: pcrs}
	}
	return tee.NewClient(cfg)
}

func (n *node) pickRelayer() (relayer.Relayer, error) {
	if n.cfg.Relayer.URL != "" {
		return relayer.NewClient(n.cfg.Relayer.URL, n.retryConfig(), n.log)
	}
	fee, err := n.cfg.RelayerFee()
	if err != nil {
		return nil, err
	}
	return relayer.NewLocal(n.ledger, n.cfg.Relayer.Address, fee), nil
}

// sync refreshes the ledger snapshot and applies new transitions of token.
func (n *node) sync(ctx context.Context, token shielder.Token) ([]shielder.ShielderTransaction, error) {
	if err := n.ledger.Refresh(); err != nil {
		return nil, err
	}
	return n.syncer.SyncSingleAccount(ctx, token)
}

func loadRoots(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read root certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificate found in %s", path)
	}
	return pool, nil
}

// parsePCRs decodes a map of PCR index to hex measurement.
func parsePCRs(in map[string]string) (map[uint][]byte, error) {
	out := make(map[uint][]byte, len(in))
	for k, v := range in {
		idx, err := strconv.ParseUint(k, 10, 8)
		if err != nil {
			return nil, fmt.Errorf("invalid PCR index %q: %w", k, err)
		}
		b, err := hex.DecodeString(strings.TrimPrefix(v, "0x"))
		if err != nil {
			return nil, fmt.Errorf("PCR%d is not hex: %w", idx, err)
		}
		out[uint(idx)] = b
	}
	return out, nil
}

func parseToken(s string) (shielder.Token, error) {
	if s == "" || s == "native" {
		return shielder.NativeToken(), nil
	}
	if !common.IsHexAddress(s) {
		return shielder.Token{}, fmt.Errorf("token %q is neither \"native\" nor an address", s)
	}
	return shielder.ERC20Token(common.HexToAddress(s)), nil
}

func parseAmount(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("amount %q is not an integer", s)
	}
	return v, nil
}
