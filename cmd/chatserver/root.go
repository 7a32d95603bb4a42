package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/cyberinferno/go-chat-server/chatserver"
	"github.com/cyberinferno/go-chat-server/config"
	"github.com/cyberinferno/go-chat-server/logger"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newRootCmd() *cobra.Command {
	v := viper.New()
	var configFile string

	cmd := &cobra.Command{
		Use:   "chatserver <port>",
		Short: "Run the chat server",
		Long: "chatserver accepts WebSocket connections on the given port, registers each " +
			"peer under the display name from the handshake, and relays binary chat frames " +
			"between them.",
		Args:          cobra.ExactArgs(1),
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, args []string) error {
			port, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid port %q", args[0])
			}

			cmd.SilenceUsage = true
			v.Set(config.KeyPort, port)

			cfg, err := config.Load(v, configFile)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return run(ctx, cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&configFile, "config", "", "path to a TOML config file")
	flags.String("log-dir", "", "directory for daily log files; console only when empty")
	flags.String("log-level", "info", "minimum log level (debug, info, warn, error)")
	flags.Int("idle-timeout", 120, "seconds of silence before an active user becomes inactive")

	_ = v.BindPFlag(config.KeyLogDir, flags.Lookup("log-dir"))
	_ = v.BindPFlag(config.KeyLogLevel, flags.Lookup("log-level"))
	_ = v.BindPFlag(config.KeyIdleTimeout, flags.Lookup("idle-timeout"))

	return cmd
}

func run(ctx context.Context, cfg config.Config) error {
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Close()

	srv := chatserver.New(cfg, log)
	if err := srv.Start(); err != nil {
		return err
	}

	if err := srv.Run(ctx); err != nil {
		log.Error("server stopped with error", logger.Field{Key: "error", Value: err.Error()})
		return err
	}

	return nil
}

func newLogger(cfg config.Config) (logger.Logger, error) {
	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	if cfg.LogDir == "" {
		return logger.NewZerologLogger(zerolog.New(os.Stdout), cfg.ServiceName, level), nil
	}

	return logger.NewZerologFileLogger(cfg.ServiceName, cfg.LogDir, level)
}
