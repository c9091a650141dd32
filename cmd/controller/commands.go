package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/llm-d-incubation/model-rollout-controller/internal/config"
	"github.com/llm-d-incubation/model-rollout-controller/internal/controller"
	"github.com/llm-d-incubation/model-rollout-controller/internal/interfaces"
	"github.com/llm-d-incubation/model-rollout-controller/internal/logging"
	"github.com/llm-d-incubation/model-rollout-controller/internal/rollout"
	"github.com/llm-d-incubation/model-rollout-controller/internal/store"
	"github.com/llm-d-incubation/model-rollout-controller/pkg/metrics"
)

// buildManager wires the component graph with the local collaborators.
func buildManager(cfg *config.Config) (*controller.Manager, *metrics.Metrics, error) {
	m := metrics.New()

	var stateStore interfaces.StateStore
	if cfg.StatePath != "" {
		fs, err := store.NewFileStore(cfg.StatePath)
		if err != nil {
			return nil, nil, err
		}
		stateStore = fs
	}

	mgr, err := controller.New(cfg, controller.Dependencies{
		Backend:         localBackend{},
		Smoke:           localSmokeRunner{},
		Sink:            m.WrapSink(logSink{}),
		Store:           stateStore,
		Instrumentation: m,
	})
	if err != nil {
		return nil, nil, err
	}
	return mgr, m, nil
}

func newRunCommand(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the controller: restore state and serve metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configFile)
			if err != nil {
				return err
			}
			mgr, m, err := buildManager(cfg)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := mgr.RestoreState(ctx); err != nil {
				return err
			}

			mux := http.NewServeMux()
			mux.Handle("/metrics", m.Handler())
			srv := &http.Server{Addr: cfg.ListenAddress, Handler: mux}
			go func() {
				<-ctx.Done()
				_ = srv.Close()
			}()
			logging.Log.Info("controller running", "listen", cfg.ListenAddress)
			if err := srv.ListenAndServe(); err != http.ErrServerClosed {
				return err
			}
			return nil
		},
	}
}

// rolloutFlags are shared by the canary and blue-green commands.
type rolloutFlags struct {
	model    string
	target   string
	baseline string
}

func (f *rolloutFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.model, "model", "", "model name")
	cmd.Flags().StringVar(&f.target, "target-version", "", "version being rolled out")
	cmd.Flags().StringVar(&f.baseline, "baseline-version", "", "trusted production version")
	_ = cmd.MarkFlagRequired("model")
	_ = cmd.MarkFlagRequired("target-version")
	_ = cmd.MarkFlagRequired("baseline-version")
}

func newCanaryCommand(configFile *string) *cobra.Command {
	var flags rolloutFlags
	cmd := &cobra.Command{
		Use:   "canary",
		Short: "Start a canary rollout and drive it to completion",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRollout(cmd.Context(), *configFile, flags, rollout.KindCanary)
		},
	}
	flags.register(cmd)
	return cmd
}

func newBlueGreenCommand(configFile *string) *cobra.Command {
	var flags rolloutFlags
	cmd := &cobra.Command{
		Use:   "blue-green",
		Short: "Start a blue-green rollout and drive it to completion",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRollout(cmd.Context(), *configFile, flags, rollout.KindBlueGreen)
		},
	}
	flags.register(cmd)
	return cmd
}

func runRollout(ctx context.Context, configFile string, flags rolloutFlags, kind rollout.StrategyKind) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	mgr, _, err := buildManager(cfg)
	if err != nil {
		return err
	}
	if err := mgr.RestoreState(ctx); err != nil {
		return err
	}

	// Standalone invocations need a baseline endpoint to shift traffic
	// away from; ensure one exists for the named version.
	if _, ok := mgr.Registry.GetSnapshot(flags.model); !ok {
		err := mgr.Registry.Register(interfaces.ModelEndpoint{
			ID:      fmt.Sprintf("%s-%s", flags.model, flags.baseline),
			Model:   flags.model,
			Version: flags.baseline,
			Address: fmt.Sprintf("http://%s-%s.local:8000", flags.model, flags.baseline),
			State:   interfaces.StateActive,
			Weight:  100,
			Healthy: true,
		})
		if err != nil {
			return err
		}
	}

	planCfg := mgr.RolloutConfig(flags.model, string(kind), flags.target, flags.baseline)
	plan, err := mgr.Rollouts.Start(ctx, planCfg)
	if err != nil {
		return err
	}
	logging.Log.Info("rollout started", "plan", plan.ID, "kind", kind)
	return mgr.Rollouts.Run(ctx, plan.ID)
}

func newStatusCommand(configFile *string) *cobra.Command {
	var model string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show deployment status for a model",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configFile)
			if err != nil {
				return err
			}
			mgr, _, err := buildManager(cfg)
			if err != nil {
				return err
			}
			if err := mgr.RestoreState(cmd.Context()); err != nil {
				return err
			}
			st, err := mgr.Status(model)
			if err != nil {
				return err
			}
			out, err := yaml.Marshal(st)
			if err != nil {
				return err
			}
			cmd.Println(string(out))
			return nil
		},
	}
	cmd.Flags().StringVar(&model, "model", "", "model name")
	_ = cmd.MarkFlagRequired("model")
	return cmd
}

func newRollbackCommand(configFile *string) *cobra.Command {
	var model string
	cmd := &cobra.Command{
		Use:   "rollback",
		Short: "Cancel the model's active rollout, restoring the baseline",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configFile)
			if err != nil {
				return err
			}
			mgr, _, err := buildManager(cfg)
			if err != nil {
				return err
			}
			if err := mgr.RestoreState(cmd.Context()); err != nil {
				return err
			}
			plan, ok := mgr.Rollouts.PlanForModel(model)
			if !ok {
				return fmt.Errorf("no rollout found for model %q", model)
			}
			return mgr.Rollouts.Cancel(cmd.Context(), plan.ID)
		},
	}
	cmd.Flags().StringVar(&model, "model", "", "model name")
	_ = cmd.MarkFlagRequired("model")
	return cmd
}
