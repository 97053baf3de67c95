package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/BIGmindz/ChainBridge-sub012/internal/config"
	"github.com/BIGmindz/ChainBridge-sub012/internal/pdostore"
	"github.com/BIGmindz/ChainBridge-sub012/internal/pdostore/driver"
	"github.com/BIGmindz/ChainBridge-sub012/internal/policy"
	"github.com/BIGmindz/ChainBridge-sub012/internal/proofpack/verifier"
)

func newVerifyCmd() *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "verify <proofpack.zip|dir>",
		Short: "Verify a ProofPack offline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result := verifier.VerifyPath(args[0])
			out := cmd.OutOrStdout()
			if jsonOut {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(result); err != nil {
					return err
				}
			} else {
				for _, step := range result.Steps {
					status := "ok"
					if !step.Passed {
						status = "FAIL"
					}
					fmt.Fprintf(out, "%-16s %s %s\n", step.Step, status, step.Message)
				}
				fmt.Fprintf(out, "outcome=%s pdo_id=%s\n", result.Outcome, result.PDOID)
			}
			if !result.IsValid {
				return failed("proofpack invalid: %s", result.ErrorMessage)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print the full result as JSON")
	return cmd
}

func newPackCmd() *cobra.Command {
	var remote remoteFlags
	var outPath string
	cmd := &cobra.Command{
		Use:   "pack <pdo_id>",
		Short: "Download the ProofPack for a PDO",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, status, err := httpGet(http.DefaultClient, remote.addr+"/v1/proofpacks/"+args[0], remote.token)
			if err != nil {
				return failed("%v", err)
			}
			if status != http.StatusOK {
				return failed("pack failed: %s", strings.TrimSpace(string(body)))
			}

			if dir := filepath.Dir(outPath); dir != "." {
				if err := os.MkdirAll(dir, 0o750); err != nil {
					return failed("output dir: %v", err)
				}
			}
			if err := os.WriteFile(outPath, body, 0o600); err != nil {
				return failed("write output: %v", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", outPath)
			return nil
		},
	}
	remote.bind(cmd)
	cmd.Flags().StringVar(&outPath, "out", "proofpack.zip", "output zip path")
	return cmd
}

func newPDOCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "pdo", Short: "Read PDOs from a gateway"}

	var remote remoteFlags
	get := &cobra.Command{
		Use:   "get <pdo_id>",
		Short: "Fetch one verified PDO",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, status, err := httpGet(http.DefaultClient, remote.addr+"/v1/pdos/"+args[0], remote.token)
			if err != nil {
				return failed("%v", err)
			}
			if status != http.StatusOK {
				return failed("pdo get failed (%d): %s", status, strings.TrimSpace(string(body)))
			}
			_, _ = cmd.OutOrStdout().Write(body)
			fmt.Fprintln(cmd.OutOrStdout())
			return nil
		},
	}
	remote.bind(get)
	cmd.AddCommand(get)
	return cmd
}

func newStoreCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "store", Short: "Audit a PDO store in place"}

	var cfgPath string
	var storeCfg config.StoreConfig
	check := &cobra.Command{
		Use:   "check",
		Short: "Re-hash every stored PDO and report mismatches",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cfgPath != "" {
				cfg, err := config.Load(cfgPath)
				if err != nil {
					return failed("load config: %v", err)
				}
				storeCfg = cfg.Store
			}
			if storeCfg.Driver == "" || storeCfg.Driver == "memory" {
				return &exitError{code: 2, err: fmt.Errorf("store check needs a persistent --driver")}
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
			defer cancel()
			backend, err := driver.Open(ctx, storeCfg)
			if err != nil {
				return failed("open store: %v", err)
			}
			defer backend.Close()

			report, err := pdostore.Audit(ctx, backend)
			if err != nil {
				return failed("audit: %v", err)
			}
			out := cmd.OutOrStdout()
			for _, f := range report.Failures {
				fmt.Fprintf(out, "TAMPERED %s: %v\n", f.PDOID, f.Err)
			}
			fmt.Fprintf(out, "checked=%d failures=%d\n", report.Checked, len(report.Failures))
			if !report.OK() {
				return failed("store check failed")
			}
			return nil
		},
	}
	check.Flags().StringVar(&cfgPath, "config", "", "gateway config file to read the store settings from")
	check.Flags().StringVar(&storeCfg.Driver, "driver", "", "store driver: file, sqlite or postgres")
	check.Flags().StringVar(&storeCfg.Path, "path", "", "directory for the file driver")
	check.Flags().StringVar(&storeCfg.DSN, "dsn", "", "DSN for sql drivers")
	cmd.AddCommand(check)
	return cmd
}

func newPolicyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "policy", Short: "Work with envelope policies"}

	lint := &cobra.Command{
		Use:   "lint <policy_path>",
		Short: "Parse and validate a policy file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := policy.LoadPolicy(args[0])
			if err != nil {
				return failed("%v", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok policy_id=%s policy_hash=%s rules=%d\n",
				loaded.Policy.PolicyID, loaded.Hash, len(loaded.Policy.Rules))
			return nil
		},
	}

	var input policy.Input
	eval := &cobra.Command{
		Use:   "eval <policy_path>",
		Short: "Evaluate one intent locally and print the envelope",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := policy.LoadPolicy(args[0])
			if err != nil {
				return failed("%v", err)
			}
			d, err := policy.Evaluate(loaded.Policy, loaded.Hash, input, time.Now())
			if err != nil {
				return failed("%v", err)
			}
			body, err := d.Envelope.MarshalJSON()
			if err != nil {
				return failed("%v", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "rule=%s decision_ref=%s\n", firstNonEmpty(d.MatchedRuleID, "default"), d.Envelope.BindingRef())
			_, _ = out.Write(body)
			fmt.Fprintln(out)
			return nil
		},
	}
	eval.Flags().StringVar(&input.AgentGID, "agent", "", "agent GID")
	eval.Flags().StringVar(&input.Verb, "verb", "", "intent verb")
	eval.Flags().StringVar(&input.Target, "target", "", "intent target")
	_ = eval.MarkFlagRequired("agent")
	_ = eval.MarkFlagRequired("verb")

	cmd.AddCommand(lint, eval)
	return cmd
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}
