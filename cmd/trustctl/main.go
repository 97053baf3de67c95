package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

const defaultAddr = "http://localhost:8080"

func main() {
	exitFn(run(os.Args, os.Stdout, os.Stderr))
}

var exitFn = os.Exit

// exitError carries a process exit code out of a command. Code 1 means the
// checked thing failed, 2 means the invocation was wrong.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func failed(format string, args ...any) error {
	return &exitError{code: 1, err: fmt.Errorf(format, args...)}
}

func run(args []string, stdout io.Writer, stderr io.Writer) int {
	root := newRootCmd(stdout, stderr)
	if len(args) > 1 {
		root.SetArgs(args[1:])
	} else {
		root.SetArgs([]string{})
	}

	err := root.Execute()
	if err == nil {
		return 0
	}
	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil && ee.err.Error() != "" {
			fmt.Fprintln(stderr, ee.err.Error())
		}
		return ee.code
	}
	fmt.Fprintln(stderr, err.Error())
	return 2
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "trustctl",
		Short:         "Inspect PDOs and verify ProofPacks",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_ = cmd.Usage()
			return &exitError{code: 2, err: errors.New("")}
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	root.AddCommand(
		newVerifyCmd(),
		newPackCmd(),
		newPDOCmd(),
		newStoreCmd(),
		newPolicyCmd(),
	)
	return root
}

type remoteFlags struct {
	addr  string
	token string
}

func (f *remoteFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.addr, "addr", envOrDefault("TRUST_ADDR", defaultAddr), "trust gateway address")
	cmd.Flags().StringVar(&f.token, "token", envOrDefault("TRUST_TOKEN", os.Getenv("TRUST_DEV_TOKEN")), "bearer token")
}

func envOrDefault(key string, fallback string) string {
	value := os.Getenv(key)
	if value != "" {
		return value
	}
	return fallback
}
