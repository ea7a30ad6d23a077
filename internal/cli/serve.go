package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/harun/hiplan/internal/config"
	"github.com/harun/hiplan/internal/daemon"
	"github.com/harun/hiplan/internal/logger"
)

// newDaemon builds the daemon behind serve, run and capabilities.
var newDaemon = daemon.New

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the hiplan gateway service",
	Long: `Run hiplan as a long-lived service. Clients start and follow sessions
over the gateway's JSON-RPC and WebSocket endpoints. The service stops on
SIGINT or SIGTERM, or when "hiplan stop" is run.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "gateway port (overrides gateway.port)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("port") {
		cfg.Gateway.Port = servePort
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Close()

	d, err := startDaemon(cfg, log,
		daemon.WithPIDFile(),
		daemon.WithConfigPath(config.NewLoader(cfgFile).GetConfigPath()),
	)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "hiplan %s started (data dir: %s)\n", version, cfg.DataDir)
	if gw := d.Gateway(); gw != nil {
		fmt.Fprintf(out, "Gateway listening on %s\n", gw.Addr())
	}

	return d.Wait(cmd.Context())
}

// startDaemon builds and starts a daemon, tearing it down again if Start
// fails halfway.
func startDaemon(cfg *config.Config, log *logger.Logger, opts ...daemon.Option) (*daemon.Daemon, error) {
	d, err := newDaemon(cfg, log, opts...)
	if err != nil {
		return nil, err
	}
	if err := d.Start(); err != nil {
		stopDaemon(d)
		return nil, err
	}
	return d, nil
}

func stopDaemon(d *daemon.Daemon) {
	ctx, cancel := context.WithTimeout(context.Background(), daemon.DefaultStopTimeout)
	defer cancel()
	_ = d.Stop(ctx)
}
