package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var version = "0.1.0"

// Process exit codes.
const (
	ExitOK               = 0
	ExitError            = 1
	ExitThresholdsFailed = 99
)

// envPrefix namespaces every flag in the environment: --log-level is also
// read from CLOUDLOAD_LOG_LEVEL.
const envPrefix = "CLOUDLOAD"

// exitError carries a process exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error {
	return e.err
}

// NewRootCmd builds the command tree. Each call returns fresh commands
// with their own flag state.
func NewRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	root := &cobra.Command{
		Use:     "cloudload",
		Short:   "Virtual-user load testing for HTTP APIs",
		Version: version,
		Long: `cloudload drives a scripted HTTP scenario with a population of virtual
users that follows a staged ramp, aggregates latency and failure metrics,
and judges the run against declarative thresholds.

  cloudload run examples/api-full.yaml
  CI=1 cloudload run examples/soak.yaml --out result.json
  cloudload validate examples/*.yaml`,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return v.BindPFlags(cmd.Flags())
		},
		Run: func(cmd *cobra.Command, args []string) {
			_ = cmd.Help()
		},
	}

	root.PersistentFlags().String("log-level", "info", "Log level (trace, debug, info, warn, error)")
	root.PersistentFlags().String("log-format", "text", "Log format (text or json)")

	root.AddCommand(newRunCmd(v))
	root.AddCommand(newValidateCmd(v))
	root.AddCommand(newVersionCmd())

	return root
}

// Execute runs the command line and returns the process exit code.
func Execute() int {
	return ExecuteArgs(os.Args[1:], os.Stdout, os.Stderr)
}

// ExecuteArgs runs the command line with explicit arguments and writers.
func ExecuteArgs(args []string, stdout, stderr io.Writer) int {
	root := NewRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.Execute()
	if err == nil {
		return ExitOK
	}

	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil {
			fmt.Fprintln(stderr, "Error:", ee.err)
		}
		return ee.code
	}
	fmt.Fprintln(stderr, "Error:", err)
	return ExitError
}
