package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/CZERTAINLY/ostrun/internal/log"
	"github.com/CZERTAINLY/ostrun/internal/model"
	"github.com/CZERTAINLY/ostrun/internal/service"
)

const (
	configName = "ostrun.yaml"
	configEnv  = "OSTRUNCONFIG"
	hostKey    = "host"
)

var (
	userConfigPath string // /default/config/path/ostrun on given OS
	configPath     string // actual config file used (if loaded)
	config         model.Config
	hostViper      = viper.New()

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag
	flagReport         bool   // value of run --report flag
	flagHistoryLimit   int    // value of history --limit flag
)

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		panic(err)
	}
	userConfigPath = filepath.Join(d, "ostrun")
}

func main() {
	// root flags
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is "+configName+" in current directory or in "+userConfigPath)
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")

	for _, cmd := range []*cobra.Command{runCmd, serviceCmd} {
		cmd.Flags().String("workspace", "", "build workspace, defaults to $OSTRUN_WORKSPACE, $WORKSPACE or the current directory")
		cmd.Flags().StringToString("env", nil, "extra environment variables for ObjectStudio, KEY=VALUE")
	}
	runCmd.Flags().Int("build-number", 0, "build number, defaults to $OSTRUN_BUILD_NUMBER, $BUILD_NUMBER or the build history")
	runCmd.Flags().BoolVar(&flagReport, "report", false, "print the JSON report to stdout after the run")
	historyCmd.Flags().IntVar(&flagHistoryLimit, "limit", 20, "number of builds to show, 0 means all")

	// never print messages
	rootCmd.SilenceErrors = true

	// parse or create a config, setup logging
	rootCmd.PersistentPreRunE = initOstrun

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(serviceCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(versionCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		slog.Error("ostrun failed", "err", err)
		os.Exit(exitCode(err))
	}
}

// exitCode passes the ObjectStudio exit code through to the build pipeline.
func exitCode(err error) int {
	var perr *service.ProcessError
	if errors.As(err, &perr) && perr.ExitCode > 0 {
		return perr.ExitCode
	}
	return 1
}

var rootCmd = &cobra.Command{
	Use:          "ostrun",
	Short:        "Runs ObjectStudio builds and follows their log",
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "run stages the inputs, runs ObjectStudio once and waits for it",
	RunE:  doRun,
}

var serviceCmd = &cobra.Command{
	Use:   "service",
	Short: "service runs ObjectStudio builds on service.schedule",
	RunE:  doService,
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "history prints the latest builds recorded in service.db",
	RunE:  doHistory,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provide version of an ostrun",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("ostrun: version info not available")
			return
		}

		if configPath != "" {
			fmt.Printf("config: %s\n", configPath)
		}
		fmt.Printf("ostrun: %s\n", info.Main.Version)
		fmt.Printf("go:     %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit: %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:   %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:  %s\n", s.Value)
			}
		}
		fmt.Println()
	},
}

func doRun(cmd *cobra.Command, _ []string) error {
	ctx := cmdContext(cmd)
	host, err := parseHost(cmd)
	if err != nil {
		return err
	}

	var opts []service.Option
	if flagReport {
		opts = append(opts, service.WithReporters(service.NewWriteReporter(os.Stdout)))
	}
	supervisor, closeFn, err := newSupervisor(ctx, opts...)
	if err != nil {
		return err
	}
	defer closeFn()

	_, err = supervisor.Run(ctx, host)
	return err
}

func doService(cmd *cobra.Command, _ []string) error {
	ctx := cmdContext(cmd)
	host, err := parseHost(cmd)
	if err != nil {
		return err
	}

	// every scheduled run gets its own number from the build history
	host.BuildNumber = 0

	supervisor, closeFn, err := newSupervisor(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	return service.Serve(ctx, config.Service.Schedule, true, func(ctx context.Context) {
		// failures are logged by the supervisor, the service goes on
		_, _ = supervisor.Run(ctx, host)
	})
}

func doHistory(cmd *cobra.Command, _ []string) error {
	ctx := cmdContext(cmd)
	db, err := openDB(ctx)
	if err != nil {
		return err
	}
	if db == nil {
		return errors.New("service.db is not configured")
	}
	defer func() {
		_ = db.Close()
	}()
	return printHistory(ctx, cmd.OutOrStdout(), db, flagHistoryLimit)
}

func cmdContext(cmd *cobra.Command) context.Context {
	attrs := slog.Group("ostrun",
		slog.String("cmd", cmd.Name()),
		slog.Int("pid", os.Getpid()),
	)
	return log.ContextAttrs(cmd.Context(), attrs)
}

// parseHost reads host facts from flags and the CI environment.
func parseHost(cmd *cobra.Command) (model.Host, error) {
	if err := model.BindHostEnv(hostViper, hostKey); err != nil {
		return model.Host{}, err
	}
	for key, flag := range map[string]string{
		"workspace":    "workspace",
		"build_number": "build-number",
		"env":          "env",
	} {
		f := cmd.Flags().Lookup(flag)
		if f == nil {
			continue
		}
		if err := hostViper.BindPFlag(hostKey+"."+key, f); err != nil {
			return model.Host{}, err
		}
	}
	return model.ParseHost(hostViper, hostKey)
}

func initOstrun(cmd *cobra.Command, _ []string) error {
	if envConfig, ok := os.LookupEnv(configEnv); ok {
		configPath = envConfig
	} else if flagConfigFilePath != "" {
		configPath = flagConfigFilePath
	} else {
		for _, d := range []string{userConfigPath, "."} {
			path := filepath.Join(d, configName)
			if exists(path) {
				configPath = path
				break
			}
		}
	}

	// store default configuration
	if configPath == "" {
		config = model.DefaultConfig(cmd.Context())
		configPath = filepath.Join(userConfigPath, configName)
		err := os.MkdirAll(filepath.Dir(configPath), 0755)
		if err != nil {
			return fmt.Errorf("creating directory %s: %w", filepath.Dir(configPath), err)
		}

		f, err := os.Create(configPath)
		if err != nil {
			return fmt.Errorf("creating file %s: %w", configPath, err)
		}
		defer func() {
			_ = f.Close()
		}()
		enc := yaml.NewEncoder(f)
		enc.SetIndent(2)
		err = enc.Encode(config)
		if err != nil {
			return fmt.Errorf("storing configuration: %w", err)
		}
	} else {
		f, err := os.Open(configPath)
		if err != nil {
			return fmt.Errorf("opening config file: %w", err)
		}
		defer func() {
			_ = f.Close()
		}()
		cfg, err := model.LoadConfig(f)
		if err != nil {
			for _, d := range model.CueErrDetails(err) {
				slog.Error("invalid config", d.Attr("detail"))
			}
			return fmt.Errorf("parsing config: %w", err)
		}
		config = *cfg
	}

	// --verbose has a precedence over config file
	if flagVerbose {
		config.Service.Verbose = true
	}

	// diagnostics go to stderr, stdout is the build console
	slog.SetDefault(log.New(os.Stderr, config.Service.Verbose, config.Service.LogFormat))

	slog.Debug("ostrun run", "configPath", configPath)
	slog.Debug("ostrun run", "config", config)
	return nil
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
