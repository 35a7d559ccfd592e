// main.go - Shielded pool client daemon.
//
// Commands operate on one account seed (SHIELDER_PRIVATE_KEY) against a
// file-backed pool ledger shared with the development relayer and prover
// services:
//
//	shielderd setup                         compile circuits and prepare keys
//	shielderd sync [--token T]              apply new on-chain transitions
//	shielderd accounts                      list synchronized accounts
//	shielderd new-account --amount A        create a shielded account
//	shielderd deposit --amount A            deposit into an account
//	shielderd withdraw --amount A --to R    withdraw through a relayer
//	shielderd prover serve                  run the confidential prover service
//	shielderd relayer serve                 run a relayer over the ledger
//	shielderd health                        check every configured component

package main

import (
	"context"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/time/rate"

	"shielder/internal/actions"
	"shielder/internal/relayer"
	"shielder/internal/shielder"
	"shielder/internal/tee"
)

var version = "dev"

type app struct {
	vip    *viper.Viper
	cfg    *Config
	log    zerolog.Logger
	closer interface{ Close() error }
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{vip: viper.New()}
	root := &cobra.Command{
		Use:          "shielderd",
		Short:        "Shielded pool client",
		Version:      version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load(cmd)
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			if a.closer != nil {
				return a.closer.Close()
			}
			return nil
		},
	}
	// flag defaults must match DefaultConfig: viper falls back to them for unset keys
	def := DefaultConfig()
	flags := root.PersistentFlags()
	flags.String("config", "", "config file (json, yaml or toml)")
	flags.String("data-dir", def.DataDir, "data directory")
	flags.String("log-level", def.Log.Level, "log level")
	flags.String("prover", def.Prover.Backend, "prover backend: local or tee")
	for key, flag := range map[string]string{
		"data_dir":       "data-dir",
		"log.level":      "log-level",
		"prover.backend": "prover",
	} {
		a.vip.BindPFlag(key, flags.Lookup(flag))
	}

	root.AddCommand(
		a.setupCmd(),
		a.syncCmd(),
		a.accountsCmd(),
		a.newAccountCmd(),
		a.depositCmd(),
		a.withdrawCmd(),
		a.proverCmd(),
		a.relayerCmd(),
		a.healthCmd(),
	)
	return root
}

func (a *app) load(cmd *cobra.Command) error {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := LoadConfig(path, a.vip)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	logger, closer, err := NewLogger(cfg.Log)
	if err != nil {
		return err
	}
	a.cfg, a.log, a.closer = cfg, logger, closer
	return nil
}

// account opens a node with the account of the configured key.
func (a *app) account(ctx context.Context) (*node, error) {
	n, err := openNode(a.cfg, a.log)
	if err != nil {
		return nil, err
	}
	if err := n.withAccount(ctx); err != nil {
		n.Close()
		return nil, err
	}
	return n, nil
}

func (a *app) timeout(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), a.cfg.Timeout)
}

func printTransactions(cmd *cobra.Command, txs []shielder.ShielderTransaction) {
	for _, tx := range txs {
		fmt.Fprintln(cmd.OutOrStdout(), tx)
	}
}

func (a *app) setupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Compile the circuits and generate or load their keys",
		RunE: func(cmd *cobra.Command, _ []string) error {
			n, err := openNode(a.cfg, a.log)
			if err != nil {
				return err
			}
			start := time.Now()
			if err := n.backend.Warmup(); err != nil {
				return err
			}
			a.log.Info().Dur("took", time.Since(start)).Int("depth", a.cfg.MerkleDepth).Msg("circuits ready")
			return nil
		},
	}
}

func (a *app) syncCmd() *cobra.Command {
	var token string
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Apply new on-chain transitions to the local account state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := a.timeout(cmd)
			defer cancel()
			n, err := a.account(ctx)
			if err != nil {
				return err
			}
			defer n.Close()

			txs, err := a.syncTokens(ctx, n, cmd.Flags().Changed("token"), token)
			printTransactions(cmd, txs)
			if err != nil {
				return err
			}
			a.log.Info().Int("applied", len(txs)).Msg("synchronized")
			return nil
		},
	}
	cmd.Flags().StringVar(&token, "token", "native", "token address or \"native\"")
	return cmd
}

func (a *app) syncTokens(ctx context.Context, n *node, single bool, token string) ([]shielder.ShielderTransaction, error) {
	if single {
		t, err := parseToken(token)
		if err != nil {
			return nil, err
		}
		return n.sync(ctx, t)
	}
	if err := n.ledger.Refresh(); err != nil {
		return nil, err
	}
	return n.syncer.SyncAllAccounts(ctx)
}

func (a *app) accountsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "accounts",
		Short: "List the synchronized accounts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := a.timeout(cmd)
			defer cancel()
			n, err := a.account(ctx)
			if err != nil {
				return err
			}
			defer n.Close()
			accounts, err := n.registry.Accounts()
			if err != nil {
				return err
			}
			for _, s := range accounts {
				fmt.Fprintf(cmd.OutOrStdout(), "token=%s balance=%s nonce=%d note_index=%d\n",
					s.Token, s.Balance, s.Nonce, s.CurrentNoteIndex)
			}
			return nil
		},
	}
}

type amountFlags struct {
	token  string
	amount string
	memo   string
}

func (f *amountFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.token, "token", "native", "token address or \"native\"")
	cmd.Flags().StringVar(&f.amount, "amount", "", "amount in the token's smallest unit")
	cmd.Flags().StringVar(&f.memo, "memo", "", "memo attached to the transaction")
	cmd.MarkFlagRequired("amount")
}

func (f *amountFlags) parse() (shielder.Token, []byte, error) {
	t, err := parseToken(f.token)
	if err != nil {
		return shielder.Token{}, nil, err
	}
	var memo []byte
	if f.memo != "" {
		memo = []byte(f.memo)
	}
	return t, memo, nil
}

func (a *app) newAccountCmd() *cobra.Command {
	var f amountFlags
	cmd := &cobra.Command{
		Use:   "new-account",
		Short: "Create a shielded account with an initial deposit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			token, memo, err := f.parse()
			if err != nil {
				return err
			}
			amount, err := parseAmount(f.amount)
			if err != nil {
				return err
			}
			ctx, cancel := a.timeout(cmd)
			defer cancel()
			n, err := a.account(ctx)
			if err != nil {
				return err
			}
			defer n.Close()

			if _, err := n.sync(ctx, token); err != nil {
				return err
			}
			existing, err := n.registry.GetAccountState(token)
			if err != nil {
				return err
			}
			if existing != nil {
				return fmt.Errorf("an account for %s already exists, use deposit", token)
			}
			action := n.builder.NewAccount()
			cd, err := action.GenerateCalldata(ctx, n.registry.CreateEmptyAccountState(token), actions.NewAccountParams{
				Amount: amount,
				Caller: n.caller,
				Memo:   memo,
			})
			if err != nil {
				return err
			}
			hash, err := action.SendCalldata(ctx, cd, n.caller)
			if err != nil {
				return err
			}
			a.log.Info().Stringer("tx", hash).Stringer("token", token).Msg("account created")
			txs, err := n.sync(ctx, token)
			printTransactions(cmd, txs)
			return err
		},
	}
	f.register(cmd)
	return cmd
}

func (a *app) depositCmd() *cobra.Command {
	var f amountFlags
	cmd := &cobra.Command{
		Use:   "deposit",
		Short: "Deposit into an existing shielded account",
		RunE: func(cmd *cobra.Command, _ []string) error {
			token, memo, err := f.parse()
			if err != nil {
				return err
			}
			amount, err := parseAmount(f.amount)
			if err != nil {
				return err
			}
			ctx, cancel := a.timeout(cmd)
			defer cancel()
			n, err := a.account(ctx)
			if err != nil {
				return err
			}
			defer n.Close()

			s, err := a.syncedState(ctx, n, token)
			if err != nil {
				return err
			}
			action := n.builder.Deposit()
			cd, err := action.GenerateCalldata(ctx, *s, actions.DepositParams{
				Amount: amount,
				Caller: n.caller,
				Memo:   memo,
			})
			if err != nil {
				return err
			}
			hash, err := action.SendCalldata(ctx, cd, n.caller)
			if err != nil {
				return err
			}
			a.log.Info().Stringer("tx", hash).Stringer("token", token).Msg("deposit sent")
			txs, err := n.sync(ctx, token)
			printTransactions(cmd, txs)
			return err
		},
	}
	f.register(cmd)
	return cmd
}

func (a *app) syncedState(ctx context.Context, n *node, token shielder.Token) (*shielder.AccountStateMerkleIndexed, error) {
	if _, err := n.sync(ctx, token); err != nil {
		return nil, err
	}
	s, err := n.registry.GetIndexedAccountState(token)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, fmt.Errorf("no account for %s, use new-account", token)
	}
	return s, nil
}

func (a *app) withdrawCmd() *cobra.Command {
	var (
		f           amountFlags
		to          string
		pocketMoney string
	)
	cmd := &cobra.Command{
		Use:   "withdraw",
		Short: "Withdraw from a shielded account through a relayer",
		RunE: func(cmd *cobra.Command, _ []string) error {
			token, memo, err := f.parse()
			if err != nil {
				return err
			}
			amount, err := parseAmount(f.amount)
			if err != nil {
				return err
			}
			pm, err := parseAmount(pocketMoney)
			if err != nil {
				return err
			}
			if !common.IsHexAddress(to) {
				return fmt.Errorf("recipient %q is not an address", to)
			}
			ctx, cancel := a.timeout(cmd)
			defer cancel()
			n, err := a.account(ctx)
			if err != nil {
				return err
			}
			defer n.Close()

			s, err := a.syncedState(ctx, n, token)
			if err != nil {
				return err
			}
			r, err := n.pickRelayer()
			if err != nil {
				return err
			}
			relayerAddress, err := r.Address(ctx)
			if err != nil {
				return err
			}
			quote, err := r.QuoteFees(ctx, token.Address, pm)
			if err != nil {
				return err
			}
			params := actions.WithdrawParams{
				Amount:      amount,
				To:          common.HexToAddress(to),
				PocketMoney: pm,
				Memo:        memo,
			}.ParamsFromQuote(relayerAddress, quote)

			action := n.builder.Withdraw()
			cd, err := action.GenerateCalldata(ctx, *s, params)
			if err != nil {
				var below *shielder.AmountBelowFeesError
				if errors.As(err, &below) {
					a.log.Warn().Stringer("relayer_fee", below.RelayerFee).Stringer("protocol_fee", below.ProtocolFee).Msg("amount does not cover fees")
				}
				return err
			}
			hash, err := action.SendCalldataWithRelayer(ctx, r, cd)
			if errors.Is(err, shielder.ErrOutdatedContractVersion) {
				a.log.Error().Msg("the pool contract was upgraded, update the client")
			}
			if err != nil {
				return err
			}
			a.log.Info().Stringer("tx", hash).Stringer("fee", quote.TotalFee).Msg("withdrawal relayed")
			txs, err := n.sync(ctx, token)
			printTransactions(cmd, txs)
			return err
		},
	}
	f.register(cmd)
	cmd.Flags().StringVar(&to, "to", "", "recipient address")
	cmd.Flags().StringVar(&pocketMoney, "pocket-money", "0", "native amount fronted to the recipient")
	cmd.MarkFlagRequired("to")
	return cmd
}

func (a *app) proverCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "prover", Short: "Confidential prover service"}
	cmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Serve encrypted proving with the local backend",
		RunE: func(cmd *cobra.Command, _ []string) error {
			n, err := openNode(a.cfg, a.log)
			if err != nil {
				return err
			}
			pc := a.cfg.Prover
			scfg := tee.ServerConfig{
				RequestPadding:  pc.RequestPadding,
				ResponsePadding: pc.ResponsePadding,
				RateLimit:       rate.Limit(pc.RateLimit),
				Burst:           pc.Burst,
			}
			if pc.Attest {
				pcrs, err := parsePCRs(pc.PCRs)
				if err != nil {
					return err
				}
				attester, root, err := tee.NewLocalAttester(pcrs)
				if err != nil {
					return err
				}
				rootPath := a.cfg.Path("prover-root.pem")
				if err := os.WriteFile(rootPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: root.Raw}), 0o644); err != nil {
					return err
				}
				a.log.Info().Str("root_cert", rootPath).Msg("attesting with a development root")
				scfg.Attester = attester
			}
			if err := n.backend.Warmup(); err != nil {
				return err
			}
			srv, err := tee.NewServer(n.backend, scfg, a.log)
			if err != nil {
				return err
			}

			health := NewHealthChecker(version, a.cfg.Timeout)
			health.RegisterComponent("keys", func(context.Context) error { return n.backend.Warmup() })
			servers := []*http.Server{{Addr: pc.ListenAddr, Handler: srv.Handler(), ReadHeaderTimeout: 10 * time.Second}}
			if a.cfg.MetricsAddr != "" {
				servers = append(servers, metricsServer(a.cfg.MetricsAddr, health))
			}
			return runServers(cmd.Context(), a.log, servers...)
		},
	})
	return cmd
}

func (a *app) relayerCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "relayer", Short: "Withdrawal relayer"}
	cmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Relay withdrawals into the local ledger",
		RunE: func(cmd *cobra.Command, _ []string) error {
			n, err := openNode(a.cfg, a.log)
			if err != nil {
				return err
			}
			fee, err := a.cfg.RelayerFee()
			if err != nil {
				return err
			}
			local := relayer.NewLocal(n.ledger, a.cfg.Relayer.Address, fee)
			srv := relayer.NewServer(local, a.log)

			health := NewHealthChecker(version, a.cfg.Timeout)
			health.RegisterComponent("ledger", func(context.Context) error { return n.ledger.Refresh() })
			servers := []*http.Server{{Addr: a.cfg.Relayer.ListenAddr, Handler: srv.Handler(), ReadHeaderTimeout: 10 * time.Second}}
			if a.cfg.MetricsAddr != "" {
				servers = append(servers, metricsServer(a.cfg.MetricsAddr, health))
			}
			a.log.Info().Stringer("address", a.cfg.Relayer.Address).Stringer("fee", fee).Msg("relayer ready")
			return runServers(cmd.Context(), a.log, servers...)
		},
	})
	return cmd
}

func (a *app) healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check the ledger, account storage, prover and relayer",
		RunE: func(cmd *cobra.Command, _ []string) error {
			n, err := openNode(a.cfg, a.log)
			if err != nil {
				return err
			}
			defer n.Close()
			health := NewHealthChecker(version, a.cfg.Timeout)
			registerChecks(health, n)

			report := health.CheckHealth(cmd.Context())
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return err
			}
			if report.OverallStatus != Healthy {
				return errors.New("unhealthy")
			}
			return nil
		},
	}
}

// registerChecks adds a check for every component the configuration uses.
func registerChecks(health *HealthChecker, n *node) {
	health.RegisterComponent("ledger", func(ctx context.Context) error {
		if err := n.ledger.Refresh(); err != nil {
			return err
		}
		_, err := n.ledger.LatestBlock(ctx)
		return err
	})
	if n.cfg.PrivateKey != "" {
		health.RegisterComponent("storage", func(context.Context) error {
			caller, _, err := accountKey(n.cfg)
			if err != nil {
				return err
			}
			store, err := openAccountStore(n.cfg, caller, n.log)
			if err != nil {
				return err
			}
			defer store.Close()
			v, err := store.SchemaVersion()
			if err != nil {
				return err
			}
			if v != shielder.StorageSchemaVersion {
				return fmt.Errorf("schema version %d, expected %d", v, shielder.StorageSchemaVersion)
			}
			return nil
		})
	}
	if n.cfg.Prover.Backend == ProverTEE {
		health.RegisterComponent("prover", func(ctx context.Context) error {
			client, err := n.teeClient()
			if err != nil {
				return err
			}
			return client.Init(ctx)
		})
	}
	if n.cfg.Relayer.URL != "" {
		health.RegisterComponent("relayer", func(ctx context.Context) error {
			r, err := n.pickRelayer()
			if err != nil {
				return err
			}
			_, err = r.Address(ctx)
			return err
		})
	}
}
