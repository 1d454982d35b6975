package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	clientcmd "github.com/rzbill/regflow/internal/cmd/client"
	serverrun "github.com/rzbill/regflow/internal/cmd/server"
	cfgpkg "github.com/rzbill/regflow/internal/config"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "regflow",
		Short:         "regflow registration pipeline",
		Long:          "regflow turns confirmed payments into numbered registrations. This CLI runs the server and operates the intake queue.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	serverCmd := &cobra.Command{Use: "server", Short: "Server commands"}
	serverStartCmd := &cobra.Command{
		Use:     "start",
		Short:   "Start the regflow server (HTTP and gRPC)",
		Aliases: []string{"run"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts := serverrun.Options{}
			opts.ConfigPath, _ = cmd.Flags().GetString("config")
			opts.DataDir, _ = cmd.Flags().GetString("data-dir")
			opts.HTTPAddr, _ = cmd.Flags().GetString("http")
			opts.GRPCAddr, _ = cmd.Flags().GetString("grpc")
			opts.LogLevel, _ = cmd.Flags().GetString("log-level")
			opts.LogFormat, _ = cmd.Flags().GetString("log-format")

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			if err := serverrun.Run(ctx, opts); err != nil {
				return fmt.Errorf("server error: %w", err)
			}
			return nil
		},
	}
	serverStartCmd.Flags().String("config", os.Getenv("REGFLOW_CONFIG"), "Config file (YAML or JSON)")
	serverStartCmd.Flags().String("data-dir", "", "Data directory (default "+cfgpkg.DefaultDataDir()+")")
	serverStartCmd.Flags().String("http", "", "HTTP listen address (default :8080)")
	serverStartCmd.Flags().String("grpc", "", "gRPC health listen address (default :9090)")
	serverStartCmd.Flags().String("log-level", "", "Log level: debug|info|warn|error")
	serverStartCmd.Flags().String("log-format", "", "Log format: text|json")
	serverCmd.AddCommand(serverStartCmd)
	rootCmd.AddCommand(serverCmd)

	rootCmd.AddCommand(clientcmd.NewQueueCommand(apiURL))
	rootCmd.AddCommand(clientcmd.NewRegistrationCommand(apiURL))

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func apiURL() string {
	if v := os.Getenv("REGFLOW_HTTP"); v != "" {
		return v
	}
	return "http://127.0.0.1:8080"
}
