// Command accountengine is a thin operator CLI over the account engine:
// it wires pkg/config into engine/accountstore and exposes the handful
// of whole-state operations a block producer or replay tool needs from
// outside a Go program.
package main

import (
	"bufio"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/shardchain/accountengine/engine/accountstore"
	"github.com/shardchain/accountengine/engine/evaluator"
	"github.com/shardchain/accountengine/engine/types"
	"github.com/shardchain/accountengine/pkg/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var env string
	log := logrus.New()

	root := &cobra.Command{
		Use:   "accountengine",
		Short: "Operate a single account-engine instance's persistent state",
	}
	root.PersistentFlags().StringVar(&env, "env", "", "environment config overlay to merge over default.yaml")

	root.AddCommand(
		newInitCmd(&env, log),
		newCommitCmd(&env, log),
		newRootHashCmd(&env, log),
		newReplayCmd(&env, log),
		newConfigCmd(&env, log),
	)
	return root
}

func openStore(env string, log *logrus.Logger) (*accountstore.AccountStore, *config.Config, error) {
	cfg, err := config.Load(env)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	setLogLevel(log, cfg.Logging.Level)

	ascfg := accountstore.Config{
		DBPath:            cfg.Storage.DataDir + "/accountengine.bolt",
		Archival:          cfg.Storage.ArchivalMode,
		MaxContractEdges:  cfg.Gas.MaxContractEdges,
		MaxReconnectTries: cfg.Interpreter.MaxReconnectTries,
		CallTimeout:       time.Duration(cfg.Interpreter.CallTimeoutMS) * time.Millisecond,
		SocketPathFmt:     cfg.Interpreter.SocketPath + ".%d",
		GasOverrides: map[evaluator.GasClass]uint64{
			evaluator.GasClassContractCreate:     cfg.Gas.ContractCreateGas,
			evaluator.GasClassContractInvoke:     cfg.Gas.ContractInvokeGas,
			evaluator.GasClassScillaCheckerInvoke: cfg.Gas.ScillaCheckerInvokeGas,
			evaluator.GasClassScillaRunnerInvoke:  cfg.Gas.ScillaRunnerInvokeGas,
			evaluator.GasClassScillaLibInvoke:     cfg.Gas.ScillaLibInvokeGas,
		},
	}
	if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create data dir: %w", err)
	}

	store, err := accountstore.New(ascfg, log, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("open account store: %w", err)
	}
	return store, cfg, nil
}

func setLogLevel(log *logrus.Logger, level string) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)
}

func newInitCmd(env *string, log *logrus.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Wipe the persistent store and start from an empty state root",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, err := openStore(*env, log)
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.Init(); err != nil {
				return fmt.Errorf("init: %w", err)
			}
			log.Info("account store initialized")
			return nil
		},
	}
}

func newCommitCmd(env *string, log *logrus.Logger) *cobra.Command {
	var dsBlockNum uint64
	cmd := &cobra.Command{
		Use:   "commit",
		Short: "Promote the working root and flush it to disk",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, err := openStore(*env, log)
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.CommitTemp(); err != nil {
				return fmt.Errorf("commit_temp: %w", err)
			}
			if err := store.MoveUpdatesToDisk(dsBlockNum); err != nil {
				return fmt.Errorf("move_updates_to_disk: %w", err)
			}
			log.WithField("root", store.GetStateRootHash().String()).Info("committed")
			return nil
		},
	}
	cmd.Flags().Uint64Var(&dsBlockNum, "ds-block-num", 0, "directory-service block number stamped on this commit")
	return cmd
}

func newRootHashCmd(env *string, log *logrus.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "root",
		Short: "Print the current and previous committed state root hashes",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, err := openStore(*env, log)
			if err != nil {
				return err
			}
			defer store.Close()
			fmt.Printf("current:  %s\n", store.GetStateRootHash())
			fmt.Printf("previous: %s\n", store.GetPrevRootHash())
			return nil
		},
	}
}

func newConfigCmd(env *string, log *logrus.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the resolved configuration as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*env)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			out, err := cfg.ToYAML()
			if err != nil {
				return fmt.Errorf("render config: %w", err)
			}
			fmt.Print(string(out))
			return nil
		},
	}
}

// replayTx is one line of a newline-delimited JSON transaction log fed
// to the replay subcommand.
type replayTx struct {
	BlockNum   uint64 `json:"block_num"`
	NumShards  int    `json:"num_shards"`
	IsDSBlock  bool   `json:"is_ds_block"`
	Version    uint32 `json:"version"`
	Nonce      uint64 `json:"nonce"`
	ToAddr     string `json:"to_addr"`
	FromPubkey string `json:"from_pubkey_hex"`
	Amount     uint64 `json:"amount"`
	GasPrice   uint64 `json:"gas_price"`
	GasLimit   uint64 `json:"gas_limit"`
	CodeHex    string `json:"code_hex"`
	DataHex    string `json:"data_hex"`
	Signature  string `json:"signature_hex"`
}

func newReplayCmd(env *string, log *logrus.Logger) *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay a newline-delimited JSON transaction log, then commit",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, err := openStore(*env, log)
			if err != nil {
				return err
			}
			defer store.Close()

			f, err := os.Open(path)
			if err != nil {
				return fmt.Errorf("open replay log: %w", err)
			}
			defer f.Close()

			scanner := bufio.NewScanner(f)
			scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
			var last replayTx
			for scanner.Scan() {
				line := scanner.Bytes()
				if len(line) == 0 {
					continue
				}
				var rt replayTx
				if err := json.Unmarshal(line, &rt); err != nil {
					return fmt.Errorf("parse replay line: %w", err)
				}
				last = rt

				tx, err := rt.toTransaction()
				if err != nil {
					return err
				}
				receipt, status, err := store.UpdateAccountsTemp(rt.BlockNum, rt.NumShards, rt.IsDSBlock, tx, evaluator.Extras{})
				if err != nil {
					log.WithError(err).WithField("status", status.String()).Warn("transaction dropped")
					continue
				}
				log.WithFields(logrus.Fields{
					"status":  status.String(),
					"success": receipt.Success,
				}).Info("transaction replayed")
			}
			if err := scanner.Err(); err != nil {
				return fmt.Errorf("read replay log: %w", err)
			}

			if err := store.CommitTemp(); err != nil {
				return fmt.Errorf("commit_temp: %w", err)
			}
			if err := store.MoveUpdatesToDisk(last.BlockNum); err != nil {
				return fmt.Errorf("move_updates_to_disk: %w", err)
			}
			log.WithField("root", store.GetStateRootHash().String()).Info("replay complete")
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "log", "", "path to a newline-delimited JSON transaction log")
	_ = cmd.MarkFlagRequired("log")
	return cmd
}

func (rt replayTx) toTransaction() (*evaluator.Transaction, error) {
	toAddr, err := addrOrZero(rt.ToAddr)
	if err != nil {
		return nil, fmt.Errorf("parse to_addr: %w", err)
	}
	fromPubkey, err := hexOrNil(rt.FromPubkey)
	if err != nil {
		return nil, fmt.Errorf("parse from_pubkey_hex: %w", err)
	}
	code, err := hexOrNil(rt.CodeHex)
	if err != nil {
		return nil, fmt.Errorf("parse code_hex: %w", err)
	}
	data, err := hexOrNil(rt.DataHex)
	if err != nil {
		return nil, fmt.Errorf("parse data_hex: %w", err)
	}
	signature, err := hexOrNil(rt.Signature)
	if err != nil {
		return nil, fmt.Errorf("parse signature_hex: %w", err)
	}
	return &evaluator.Transaction{
		Version:    rt.Version,
		Nonce:      rt.Nonce,
		ToAddr:     toAddr,
		FromPubkey: fromPubkey,
		Amount:     rt.Amount,
		GasPrice:   rt.GasPrice,
		GasLimit:   rt.GasLimit,
		Code:       code,
		Data:       data,
		Signature:  signature,
	}, nil
}

func addrOrZero(s string) (types.Address, error) {
	if s == "" {
		return types.ZeroAddress, nil
	}
	return types.AddressFromHex(s)
}

func hexOrNil(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	return hex.DecodeString(s)
}
