package cli

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/PoyrazK/cloudload/internal/performance/engine"
)

func newValidateCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <config>...",
		Short: "Check configuration files without sending traffic",
		Long: `Load, resolve and compile each configuration file: stages, scenario
steps, templates and threshold expressions are all checked, exactly as
"run" would before its first request.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return validateConfigs(cmd, v, args)
		},
	}
	addResolveFlags(cmd)
	return cmd
}

func validateConfigs(cmd *cobra.Command, v *viper.Viper, paths []string) error {
	out := cmd.OutOrStdout()

	logger, err := newLogger(cmd.ErrOrStderr(), v.GetString("log-level"), v.GetString("log-format"))
	if err != nil {
		return &exitError{code: ExitError, err: err}
	}
	// compiling an engine logs nothing worth showing here
	logger.SetLevel(logrus.WarnLevel)

	failed := 0
	for _, path := range paths {
		rc, err := loadRunConfig(v, path)
		if err == nil {
			var eng *engine.Engine
			eng, err = engine.New(rc, engine.WithLogger(logrus.NewEntry(logger)))
			if err == nil {
				profile := rc.Profile
				if profile == "" {
					profile = "default"
				}
				fmt.Fprintf(out, "✓ %s: %q, %d stages (%s profile, %s), %d thresholds\n",
					path, rc.Name, len(rc.Stages), profile, rc.TotalDuration(), eng.ThresholdCount())
				continue
			}
		}
		failed++
		fmt.Fprintf(out, "✗ %s: %v\n", path, err)
	}

	if failed > 0 {
		return &exitError{code: ExitError, err: fmt.Errorf("%d of %d configurations are invalid", failed, len(paths))}
	}
	return nil
}
