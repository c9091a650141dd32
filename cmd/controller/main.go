package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/llm-d-incubation/model-rollout-controller/internal/config"
	"github.com/llm-d-incubation/model-rollout-controller/internal/logging"
)

func main() {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		configFile string
		verbosity  int
	)

	root := &cobra.Command{
		Use:          "rollout-controller",
		Short:        "Progressive rollout and traffic-routing controller for model endpoints",
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logging.SetLogger(logging.NewLogger(verbosity))
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "path to the controller config file")
	flags.IntVarP(&verbosity, "verbosity", "v", 0, "log verbosity")
	bindFlags(flags)

	root.AddCommand(
		newRunCommand(&configFile),
		newCanaryCommand(&configFile),
		newBlueGreenCommand(&configFile),
		newStatusCommand(&configFile),
		newRollbackCommand(&configFile),
	)
	return root
}

func bindFlags(flags *pflag.FlagSet) {
	viper.SetEnvPrefix("ROLLOUT")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
	_ = viper.BindPFlag("config", flags.Lookup("config"))
}

// loadConfig reads the config file, if any, applying defaults otherwise.
func loadConfig(configFile string) (*config.Config, error) {
	if configFile == "" {
		configFile = viper.GetString("config")
	}
	if configFile == "" {
		return config.Default(), nil
	}
	raw, err := os.ReadFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return config.Parse(raw)
}
