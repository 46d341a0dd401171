// Package main provides the entry point for the Rehost CLI.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/codebypatrickleung/rehost/internal/api"
	"github.com/codebypatrickleung/rehost/internal/config"
	"github.com/codebypatrickleung/rehost/internal/job"
	"github.com/codebypatrickleung/rehost/internal/logger"
	"github.com/codebypatrickleung/rehost/internal/metrics"
	"github.com/codebypatrickleung/rehost/internal/status"
	"github.com/codebypatrickleung/rehost/internal/workflow"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	jobFile string
	version = "0.2.0"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "rehost",
	Short:   "Rehost - Migration Orchestrator",
	Long:    `Rehost moves virtual machines into a cloud provider, either by lifting their raw disks (rehost) or by rebuilding them on a catalog image (replatform).`,
	Version: version,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a migration job to completion",
	RunE:  runJob,
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Request cancellation of a running job",
	Args:  cobra.ExactArgs(1),
	RunE:  cancelJob,
}

var statusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show the current phase and history of a job",
	Args:  cobra.ExactArgs(1),
	RunE:  showStatus,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the status, cancellation and metrics API",
	RunE:  serve,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./rehost-config.env)")
	runCmd.Flags().StringVar(&jobFile, "job", "", "job definition file (YAML)")
	runCmd.MarkFlagRequired("job")

	flags := []struct {
		name, usage, defaultValue string
	}{
		{"bucket", "Object storage bucket for raw images", ""},
		{"storage-endpoint", "S3-compatible object storage endpoint", ""},
		{"storage-region", "Object storage region", ""},
		{"work-root", "Local directory for raw files", ""},
		{"store-driver", "Status store driver (sqlite or postgres)", ""},
		{"store-dsn", "Status store connection string", ""},
		{"listen-addr", "API listen address", ""},
		{"oci-namespace", "OCI Object Storage namespace", ""},
		{"log-dir", "Directory for log files", ""},
	}
	for _, f := range flags {
		rootCmd.PersistentFlags().String(f.name, f.defaultValue, f.usage)
	}

	boolFlags := []struct {
		name, usage string
	}{
		{"keep-directory", "Keep the local working directory after the run"},
		{"keep-bucket-contents", "Keep uploaded objects after the run"},
		{"debug", "Enable debug logging"},
	}
	for _, f := range boolFlags {
		rootCmd.PersistentFlags().Bool(f.name, false, f.usage)
	}

	bindings := map[string]string{
		"rehost_bucket":               "bucket",
		"rehost_storage_endpoint":     "storage-endpoint",
		"rehost_storage_region":       "storage-region",
		"rehost_work_root":            "work-root",
		"rehost_store_driver":         "store-driver",
		"rehost_store_dsn":            "store-dsn",
		"rehost_listen_addr":          "listen-addr",
		"rehost_oci_namespace":        "oci-namespace",
		"rehost_log_dir":              "log-dir",
		"rehost_keep_directory":       "keep-directory",
		"rehost_keep_bucket_contents": "keep-bucket-contents",
		"debug":                       "debug",
	}
	for key, flag := range bindings {
		if err := viper.BindPFlag(key, rootCmd.PersistentFlags().Lookup(flag)); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to bind flag %s to %s: %v\n", flag, key, err)
		}
	}

	rootCmd.AddCommand(runCmd, cancelCmd, statusCmd, serveCmd)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigName("rehost-config")
		viper.SetConfigType("env")
	}
	viper.AutomaticEnv()
	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

// setup loads and validates the configuration and opens the status store.
func setup(ctx context.Context) (*config.Config, *status.SQLStore, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	store, err := status.Open(ctx, cfg.StoreDriver, cfg.StoreDSN)
	if err != nil {
		return nil, nil, err
	}
	return cfg, store, nil
}

func runJob(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	cfg, store, err := setup(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	j, err := job.Load(jobFile)
	if err != nil {
		return err
	}

	logFileName := filepath.Join(cfg.LogDir, fmt.Sprintf("rehost-%s-%s.log", j.ID, logger.GetTimestamp()))
	log, err := logger.NewWithFile(cfg.Debug, logFileName)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Close()
	log.Infof("Log file: %s", logFileName)

	mgr, err := workflow.NewManager(cfg, log, version, workflow.WithStore(store), workflow.WithMetrics(metrics.New()))
	if err != nil {
		return fmt.Errorf("failed to create workflow manager: %w", err)
	}

	// Ctrl-C asks the run to stop at its next checkpoint and clean up.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)
	go func() {
		if _, ok := <-sigs; ok {
			log.Warning("Interrupt received, cancelling job")
			mgr.Cancels().Cancel(j.ID)
		}
	}()

	return mgr.Run(ctx, j)
}

func cancelJob(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	_, store, err := setup(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.RequestCancel(ctx, args[0]); err != nil {
		return err
	}
	fmt.Printf("Cancellation of job %s requested\n", args[0])
	return nil
}

func showStatus(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	_, store, err := setup(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	rec, err := store.Get(ctx, args[0])
	if err != nil {
		return err
	}
	history, err := store.History(ctx, args[0])
	if err != nil {
		return err
	}

	fmt.Printf("Job:      %s\n", rec.JobID)
	fmt.Printf("Strategy: %s\n", rec.Strategy)
	fmt.Printf("Phase:    %s\n", rec.Phase)
	if rec.Message != "" {
		fmt.Printf("Message:  %s\n", rec.Message)
	}
	if rec.CancelRequested {
		fmt.Println("Cancellation requested")
	}
	fmt.Println()
	for _, t := range history {
		fmt.Printf("%s  %s\n", t.At.Format("2006-01-02 15:04:05"), t.Phase)
	}
	return nil
}

func serve(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, store, err := setup(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	log := logger.New(cfg.Debug)
	defer log.Close()

	m := metrics.New()
	mgr, err := workflow.NewManager(cfg, log, version, workflow.WithStore(store), workflow.WithMetrics(m))
	if err != nil {
		return fmt.Errorf("failed to create workflow manager: %w", err)
	}

	log.Infof("Rehost version %s listening on %s", version, cfg.ListenAddr)
	return api.NewServer(store, mgr.Cancels(), mgr, m, log).ListenAndServe(ctx, cfg.ListenAddr)
}
