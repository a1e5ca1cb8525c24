// Command argusagentd runs the host-resident monitoring agent.
//
// Logging:
//   - Base logger is created here with output format and level
//   - Logger is passed to all components via dependency injection
//   - No global slog configuration (no slog.SetDefault)
//   - Components scope loggers with their own attributes
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"argusagent/internal/agentctx"
	"argusagent/internal/config"
	"argusagent/internal/logging"
	"argusagent/internal/registry"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	propsPath := peekPropertiesFlag(os.Args[1:], "local_data/conf/agent.properties")
	cfg, cfgErr := loadConfig(propsPath)
	if cfgErr != nil {
		cfg = config.NewAgentConfig(config.Properties{})
	}
	defaultLevel := slog.LevelInfo
	if err := defaultLevel.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		defaultLevel = slog.LevelInfo
	}

	logger, _ := logging.NewBaseLogger(logging.RotatingFileOptions{
		Path:       cfg.LogPath,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		Level:      defaultLevel,
	})

	rootCmd := &cobra.Command{
		Use:   "argusagentd",
		Short: "Host-resident monitoring agent",
	}
	rootCmd.PersistentFlags().String("properties", "local_data/conf/agent.properties", "path to agent.properties")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Start the agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			propsPath, _ := cmd.Flags().GetString("properties")
			cfg, err := loadConfig(propsPath)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()

			return run(ctx, logger, cfg)
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate task config files under the configured task directory without starting the agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			propsPath, _ := cmd.Flags().GetString("properties")
			cfg, err := loadConfig(propsPath)
			if err != nil {
				return err
			}
			return validate(cfg)
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}

	rootCmd.AddCommand(runCmd, validateCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// peekPropertiesFlag scans raw args for --properties before cobra parses
// them, so the log level it sets can apply from the very first log line.
func peekPropertiesFlag(args []string, def string) string {
	for i, a := range args {
		if a == "--properties" && i+1 < len(args) {
			return args[i+1]
		}
		if v, ok := cutPrefix(a, "--properties="); ok {
			return v
		}
	}
	return def
}

func cutPrefix(s, prefix string) (string, bool) {
	if len(s) >= len(prefix) && s[:len(prefix)] == prefix {
		return s[len(prefix):], true
	}
	return "", false
}

func loadConfig(propsPath string) (config.AgentConfig, error) {
	props, err := config.LoadProperties(propsPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return config.NewAgentConfig(config.Properties{}), nil
		}
		return config.AgentConfig{}, fmt.Errorf("load %s: %w", propsPath, err)
	}
	return config.NewAgentConfig(props), nil
}

func run(ctx context.Context, logger *slog.Logger, cfg config.AgentConfig) error {
	agent, err := agentctx.New(logger, cfg)
	if err != nil {
		return fmt.Errorf("build agent: %w", err)
	}
	logger.Info("argusagentd starting",
		"http_addr", cfg.HTTPIngressAddr,
		"domain_socket", cfg.DomainSocketPath,
		"task_dir", cfg.TaskDir,
	)
	return agent.Run(ctx)
}

func validate(cfg config.AgentConfig) error {
	sources := []struct {
		family  registry.Family
		pattern string
		load    func(string) (map[string]registry.Task, error)
	}{
		{registry.FamilyModule, "moduleTask*.json", config.LoadModuleTasks},
		{registry.FamilyScript, "scriptTask*.json", config.LoadScriptTasks},
		{registry.FamilyScrape, "exporterTask*.json", config.LoadScrapeTasks},
		{registry.FamilyProbe, "receiveTask*.json", config.LoadProbeTasks},
	}

	var failed bool
	for _, s := range sources {
		matches, err := doublestar.Glob(os.DirFS(cfg.TaskDir), s.pattern)
		if err != nil {
			fmt.Printf("%s: bad pattern %q: %v\n", s.family, s.pattern, err)
			failed = true
			continue
		}
		for _, name := range matches {
			path := cfg.TaskDir + "/" + name
			tasks, err := s.load(path)
			if err != nil {
				fmt.Printf("%s %s: parse error: %v\n", s.family, path, err)
				failed = true
				continue
			}
			if err := registry.Validate(tasks); err != nil {
				fmt.Printf("%s %s: invalid: %v\n", s.family, path, err)
				failed = true
				continue
			}
			fmt.Printf("%s %s: ok (%d tasks)\n", s.family, path, len(tasks))
		}
	}
	if failed {
		return fmt.Errorf("validation failed")
	}
	return nil
}
