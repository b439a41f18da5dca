// ============================================================================
// stagecoach CLI
// ============================================================================
//
// Command Structure:
//   stagecoach
//   ├── serve              # coordinator + HTTP + gRPC (+ /metrics)
//   ├── worker             # asynq deferred-work consumer
//   ├── advance            # submit a progress event (gRPC)
//   ├── status             # job snapshot table (gRPC)
//   ├── issue              # issue a callback token (gRPC)
//   ├── redeem             # redeem a callback token (gRPC)
//   ├── route              # route an event (gRPC)
//   ├── validate           # validate pipeline YAML files
//   ├── demo               # in-process ETL run through the orchestrator
//   └── wal                # inspect / dump / verify a WAL file
//
// Configuration comes from configs/stagecoach.yaml (or --config), then
// STAGECOACH_* environment variables, then flags.
//
// ============================================================================

package cli

import (
	"fmt"

	"github.com/ChuLiYu/stagecoach/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Version is overridden at build time.
var Version = "dev"

type globalFlags struct {
	configFile  string
	logLevel    string
	logFormat   string
	coordinator string
	credential  string
}

func BuildCLI() *cobra.Command {
	g := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "stagecoach",
		Short: "stagecoach: durable pipeline progress tracking",
		Long: `stagecoach coordinates multi-stage pipelines:
- ordered, idempotent progress events per job
- callback tokens for out-of-band stages
- WAL + snapshot crash recovery
- discriminant-based routing`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&g.configFile, "config", "c", "", "config file path (default "+config.DefaultPath+")")
	flags.StringVar(&g.logLevel, "log-level", "", "log level override")
	flags.StringVar(&g.logFormat, "log-format", "", "log format override (text or json)")
	flags.StringVar(&g.coordinator, "coordinator", "", "coordinator gRPC address for client commands")
	flags.StringVar(&g.credential, "token", "", "bearer credential for mutating calls")

	rootCmd.AddCommand(
		buildServeCommand(g),
		buildWorkerCommand(g),
		buildAdvanceCommand(g),
		buildStatusCommand(g),
		buildIssueCommand(g),
		buildRedeemCommand(g),
		buildRouteCommand(g),
		buildValidateCommand(g),
		buildDemoCommand(g),
		buildWALCommand(g),
	)
	return rootCmd
}

// flagKeys maps persistent flags onto config keys.
var flagKeys = map[string]string{
	"log-level":   "log.level",
	"log-format":  "log.format",
	"coordinator": "orchestrator.coordinator_url",
	"token":       "auth.token",
}

// bindFlags lets explicitly set flags override file and env values.
func bindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	var err error
	fs.VisitAll(func(f *pflag.Flag) {
		key, ok := flagKeys[f.Name]
		if !ok || !f.Changed || err != nil {
			return
		}
		err = v.BindPFlag(key, f)
	})
	return err
}

// loadConfig loads and validates configuration and applies logging settings.
func (g *globalFlags) loadConfig(cmd *cobra.Command) (*config.Config, error) {
	v := config.New(g.configFile)
	if err := bindFlags(v, cmd.Flags()); err != nil {
		return nil, fmt.Errorf("failed to bind flags: %w", err)
	}
	cfg, err := config.LoadFrom(v)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	cfg.ConfigureLogging()
	return cfg, nil
}
