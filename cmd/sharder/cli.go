package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/23skdu/quarrel-shard/internal/config"
	"github.com/23skdu/quarrel-shard/internal/loader"
	"github.com/23skdu/quarrel-shard/internal/logger"
	"github.com/23skdu/quarrel-shard/internal/publish"
	"github.com/23skdu/quarrel-shard/internal/shard"
)

func NewCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "sharder",
		Short: "Split model weights into layer-aligned shards for progressive loading",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			cmd.SilenceUsage = true
		},
	}

	rootCmd.PersistentFlags().String("config", "", "YAML config file; flags override it")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "console", "Log format (console, json)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Shorthand for --log-level debug")

	cobra.EnableCommandSorting = false

	rootCmd.AddCommand(NewShardCmd(), NewPlanCmd(), NewVerifyCmd())
	return rootCmd
}

func addTargetFlags(cmd *cobra.Command) {
	cmd.Flags().IntP("shards", "n", config.DefaultShardCount, "Number of shards")
	cmd.Flags().Int64P("shard-size", "s", 0, "Maximum shard size in MB (replaces --shards)")
	cmd.Flags().StringSlice("markers", nil, "Layer marker tokens (default layers,h,blocks,blk,layer)")
	cmd.Flags().String("separator", "", "Tensor name separator (default \".\")")
}

func NewShardCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "shard MODEL OUTPUT",
		Short: "Write shards and a manifest",
		Long: `Write shards and a manifest.

MODEL is a .safetensors file, a directory of safetensors files, a .gguf
file or a locally pulled Ollama model such as llama3:8b.`,
		Args: cobra.RangeArgs(0, 2),
		RunE: shardHandler,
	}
	addTargetFlags(cmd)
	cmd.Flags().StringP("format", "f", config.DefaultFormat, "Shard format ("+strings.Join(config.Formats, ", ")+")")
	cmd.Flags().IntP("parallel", "p", 1, "Shards written concurrently")
	cmd.Flags().String("name", "", "Model name recorded in the manifest")
	cmd.Flags().String("metrics", "", "Address to serve Prometheus metrics while running")
	cmd.Flags().String("flight", "", "Arrow Flight endpoint to publish finished shards to")
	return cmd
}

func NewPlanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan MODEL",
		Short: "Show how a model would be sharded without writing anything",
		Args:  cobra.RangeArgs(0, 1),
		RunE:  planHandler,
	}
	addTargetFlags(cmd)
	return cmd
}

func NewVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify DIR",
		Short: "Check a shard directory against its manifest",
		Args:  cobra.ExactArgs(1),
		RunE:  verifyHandler,
	}
}

// loadConfig layers defaults, the --config file, positional arguments and
// explicitly set flags, in that order.
func loadConfig(cmd *cobra.Command, args []string) (config.Config, error) {
	cfg := config.Default()

	if path, _ := cmd.Flags().GetString("config"); path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return cfg, err
		}
	}

	if len(args) > 0 {
		cfg.ModelSource = args[0]
	}
	if len(args) > 1 {
		cfg.OutputDir = args[1]
	}

	flags := cmd.Flags()
	if flags.Changed("shards") {
		cfg.ShardCount, _ = flags.GetInt("shards")
	}
	if flags.Changed("shard-size") {
		cfg.MaxShardSizeMB, _ = flags.GetInt64("shard-size")
		if !flags.Changed("shards") {
			cfg.ShardCount = 0
		}
	}
	if flags.Changed("markers") {
		cfg.LayerMarkers, _ = flags.GetStringSlice("markers")
	}
	if flags.Changed("separator") {
		cfg.Separator, _ = flags.GetString("separator")
	}
	if flags.Changed("format") {
		cfg.Format, _ = flags.GetString("format")
	}
	if flags.Changed("parallel") {
		cfg.Parallelism, _ = flags.GetInt("parallel")
	}
	if flags.Changed("name") {
		cfg.ModelName, _ = flags.GetString("name")
	}
	if flags.Changed("metrics") {
		cfg.MetricsAddr, _ = flags.GetString("metrics")
	}
	if flags.Changed("flight") {
		cfg.FlightAddr, _ = flags.GetString("flight")
	}
	if flags.Changed("log-level") {
		cfg.LogLevel, _ = flags.GetString("log-level")
	}
	if flags.Changed("log-format") {
		cfg.LogFormat, _ = flags.GetString("log-format")
	}
	if verbose, _ := flags.GetBool("verbose"); verbose {
		cfg.LogLevel = "debug"
	}
	return cfg, nil
}

func newLogger(cmd *cobra.Command, cfg config.Config) *logger.Logger {
	return logger.New(cfg.LogLevel, cfg.LogFormat, cmd.ErrOrStderr())
}

func planOptions(cfg config.Config) shard.PlanOptions {
	if cfg.MaxShardSizeMB > 0 {
		return shard.PlanOptions{MaxShardBytes: cfg.MaxShardBytes()}
	}
	return shard.PlanOptions{ShardCount: cfg.ShardCount}
}

func shardHandler(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, args)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log := newLogger(cmd, cfg)
	for _, w := range cfg.Warnings() {
		log.Warn(w)
	}

	ctx := cmd.Context()
	if cfg.MetricsAddr != "" {
		stop := serveMetrics(cfg.MetricsAddr, log)
		defer stop()
	}

	model, err := loader.Load(ctx, cfg.ModelSource, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := model.Close(); err != nil {
			log.Warn("Failed to release model", "error", err)
		}
	}()

	name := cfg.ModelName
	if name == "" {
		name = model.Name
	}

	res, err := shard.New(log).Run(ctx, model.Inventory, shard.Options{
		OutputDir:   cfg.OutputDir,
		ModelName:   name,
		Format:      cfg.Format,
		Target:      planOptions(cfg),
		Parallelism: cfg.Parallelism,
		Classifier:  shard.TokenClassifier(cfg.Separator, cfg.LayerMarkers...),
	})
	if err != nil {
		return err
	}

	if cfg.FlightAddr != "" {
		pub, err := publish.NewFlightPublisher(cfg.FlightAddr)
		if err != nil {
			return err
		}
		defer pub.Close()
		if err := publish.PublishManifest(ctx, pub, cfg.OutputDir, log); err != nil {
			return err
		}
	}

	printManifest(cmd.OutOrStdout(), res.Manifest)
	return nil
}

func planHandler(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, args)
	if err != nil {
		return err
	}
	// plan never writes, so any output directory passes validation.
	if cfg.OutputDir == "" {
		cfg.OutputDir = "."
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log := newLogger(cmd, cfg)
	for _, w := range cfg.Warnings() {
		log.Warn(w)
	}

	model, err := loader.Load(cmd.Context(), cfg.ModelSource, log)
	if err != nil {
		return err
	}
	defer model.Close()

	g, p, err := shard.Prepare(model.Inventory, shard.TokenClassifier(cfg.Separator, cfg.LayerMarkers...), planOptions(cfg))
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "model %s: %d tensors, %s, %d layers, %d ungrouped\n",
		model.Name, model.Inventory.Len(), humanize.IBytes(uint64(model.Inventory.TotalBytes())), g.LayerCount(), len(g.Ungrouped))
	if p.Degraded() {
		fmt.Fprintln(out, "no layer structure detected: flat slicing")
	}
	if p.Clamped {
		fmt.Fprintf(out, "requested %d shards, clamped to %d\n", p.Requested, p.Len())
	}

	var data [][]string
	for _, e := range p.Entries {
		data = append(data, []string{
			fmt.Sprint(e.ID),
			shard.Filename(e.ID, p.Len(), extension(cfg.Format)),
			formatRange(e.LayerRange, e.ParamRange),
			fmt.Sprint(len(e.Tensors)),
			humanize.IBytes(uint64(e.EstimatedBytes)),
		})
	}
	renderTable(out, []string{"SHARD", "FILE", "RANGE", "TENSORS", "PAYLOAD"}, data)
	return nil
}

func verifyHandler(cmd *cobra.Command, args []string) error {
	r, err := shard.Verify(args[0])
	if err != nil {
		return err
	}

	var data [][]string
	for _, s := range r.Shards {
		status := "ok"
		if !s.OK() {
			status = strings.Join(s.Problems, "; ")
		}
		data = append(data, []string{fmt.Sprint(s.ShardID), s.Filename, fmt.Sprint(s.Tensors), humanize.IBytes(uint64(s.Bytes)), status})
	}
	out := cmd.OutOrStdout()
	renderTable(out, []string{"SHARD", "FILE", "TENSORS", "SIZE", "STATUS"}, data)

	for _, p := range r.Problems {
		fmt.Fprintln(out, p)
	}
	if !r.OK() {
		return errors.New("verification failed")
	}
	fmt.Fprintf(out, "%s: %d shards verified (%s, %s mode)\n", r.Manifest.ModelName, len(r.Shards), r.Manifest.Format, r.Manifest.Mode)
	return nil
}

func printManifest(w io.Writer, m *shard.Manifest) {
	var data [][]string
	for _, a := range m.Shards {
		data = append(data, []string{
			fmt.Sprint(a.ShardID),
			a.Filename,
			formatRange(a.LayerRange, a.ParamRange),
			fmt.Sprint(a.TensorCount),
			humanize.IBytes(uint64(a.SizeBytes)),
		})
	}
	renderTable(w, []string{"SHARD", "FILE", "RANGE", "TENSORS", "SIZE"}, data)
	fmt.Fprintf(w, "%d shards, %s total, manifest %s\n", m.TotalShards, humanize.IBytes(uint64(m.TotalSizeBytes)), shard.ManifestFilename)
}

func renderTable(w io.Writer, header []string, data [][]string) {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()
}

func formatRange(layers, params *[2]int) string {
	switch {
	case layers != nil:
		return fmt.Sprintf("layers %d-%d", layers[0], layers[1])
	case params != nil:
		return fmt.Sprintf("params %d-%d", params[0], params[1])
	default:
		return "-"
	}
}

func extension(format string) string {
	f, err := shard.LookupFormat(format)
	if err != nil {
		return ""
	}
	return f.Ext
}

// serveMetrics exposes /metrics and /healthz until the returned func is called.
func serveMetrics(addr string, log *logger.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		log.Info("Metrics serving", "addr", addr, "path", "/metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Metrics server error", "error", err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
