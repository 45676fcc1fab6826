package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"secgroup-engine/internal/config"
	"secgroup-engine/internal/engine"
	"secgroup-engine/internal/model"
	"secgroup-engine/internal/parser"
)

var version = "1.0-go"

// cfg is loaded before any subcommand runs.
var cfg *config.Config

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "sgengine",
		Short: "A stateful security group decision engine",
		Long: `sgengine installs security groups and decides, packet by packet, whether
traffic entering or leaving their members is allowed.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var path string
			if f := cmd.Flags().Lookup("config"); f != nil {
				path = f.Value.String()
			}
			c, err := config.Load(cmd.Flags(), path)
			if err != nil {
				return err
			}
			cfg = c
			slog.SetDefault(setupLogger(cfg.LogLevel, cfg.LogFile))
			return nil
		},
	}
	config.RegisterFlags(rootCmd.PersistentFlags())

	rootCmd.AddCommand(newReplayCmd(), newCheckCmd(), newVersionCmd())
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "sgengine %s\n", version)
		},
	}
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func setupLogger(level, logFilePath string) *slog.Logger {
	var logWriter io.Writer = os.Stderr
	if logFilePath != "" {
		f, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err == nil {
			logWriter = f
		}
		// The logger isn't set up yet, so a failure just falls back to stderr.
	}

	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "INFO":
		lvl = slog.LevelInfo
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	return slog.New(slog.NewJSONHandler(logWriter, &slog.HandlerOptions{Level: lvl}))
}

// loadGroups reads security groups from the selected provider.
func loadGroups(provider, rulesPath, dsn string) ([]model.SecurityGroup, error) {
	switch provider {
	case "file":
		if rulesPath == "" {
			return nil, fmt.Errorf("rules file path must be provided for file provider")
		}
		return parser.LoadRuleFile(rulesPath)
	case "mysql":
		if dsn == "" {
			return nil, fmt.Errorf("database connection string must be provided for mysql provider")
		}
		p, err := parser.NewMySQLProvider(dsn)
		if err != nil {
			return nil, err
		}
		defer p.Close()
		if err := p.Load(); err != nil {
			return nil, err
		}
		return p.Groups, nil
	default:
		return nil, fmt.Errorf("unknown rule provider: %s", provider)
	}
}

// directionMode selects how a packet is presented to the engine.
type directionMode string

const (
	modePath    directionMode = "path"
	modePacket  directionMode = "packet"
	modeIngress directionMode = "ingress"
	modeEgress  directionMode = "egress"
)

func parseDirectionMode(s string) (directionMode, error) {
	switch m := directionMode(strings.ToLower(s)); m {
	case modePath, modePacket, modeIngress, modeEgress:
		return m, nil
	}
	return "", fmt.Errorf("unknown direction mode %q (want path, packet, ingress or egress)", s)
}

// decider returns the engine call for a direction mode. ingress and egress
// override the direction carried by the packet.
func (m directionMode) decider(e *engine.Engine) func(*model.Packet) model.Verdict {
	switch m {
	case modePath:
		return e.DecidePath
	case modeIngress, modeEgress:
		dir := model.Ingress
		if m == modeEgress {
			dir = model.Egress
		}
		return func(pkt *model.Packet) model.Verdict {
			if pkt != nil {
				pkt.Direction = dir
			}
			return e.Decide(pkt)
		}
	default:
		return e.Decide
	}
}
