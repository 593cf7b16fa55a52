package shard

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/23skdu/quarrel-shard/internal/logger"
	"github.com/23skdu/quarrel-shard/internal/metrics"
	"github.com/23skdu/quarrel-shard/internal/tensor"
)

// Options configures one sharding run.
type Options struct {
	OutputDir   string
	ModelName   string
	Format      string
	Target      PlanOptions
	Parallelism int
	Classifier  Classifier
}

// Result is what a successful run produced.
type Result struct {
	RunID        string
	Plan         *Plan
	Manifest     *Manifest
	ManifestPath string
	InfoPath     string
}

// Sharder sequences classify, plan, write and manifest for one inventory.
type Sharder struct {
	Log *logger.Logger
	Now func() time.Time
}

func New(log *logger.Logger) *Sharder {
	if log == nil {
		log = logger.Nop()
	}
	return &Sharder{Log: log, Now: time.Now}
}

// Prepare classifies inv and plans it without touching the filesystem.
func Prepare(inv *tensor.Inventory, c Classifier, target PlanOptions) (*Groups, *Plan, error) {
	g := Classify(inv, c)
	p, err := BuildPlan(g, inv, target)
	if err != nil {
		return g, nil, err
	}
	return g, p, nil
}

// Run shards inv into opts.OutputDir. The manifest is written only after
// every shard was written; on any failure it is not written at all.
func (s *Sharder) Run(ctx context.Context, inv *tensor.Inventory, opts Options) (res *Result, err error) {
	start := s.Now()
	defer func() {
		metrics.RecordRun(err, time.Since(start))
	}()

	format, err := LookupFormat(opts.Format)
	if err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	log := s.Log.With("run_id", runID)

	log.Info("Sharding model",
		"model", opts.ModelName,
		"tensors", inv.Len(),
		"bytes", inv.TotalBytes(),
		"format", format.Name,
		"output", opts.OutputDir)

	g, p, err := Prepare(inv, opts.Classifier, opts.Target)
	if err != nil {
		return nil, fmt.Errorf("plan: %w", err)
	}
	metrics.RecordClassification(g.Grouped(), len(g.Ungrouped), g.LayerCount())
	metrics.RecordPlan(string(p.Mode), p.Clamped)

	log.Debug("Classified tensors",
		"layers", g.LayerCount(),
		"grouped", g.Grouped(),
		"ungrouped", len(g.Ungrouped))
	if p.Degraded() {
		log.Warn("No layer structure detected, falling back to flat slicing", "tensors", inv.Len())
	}
	if p.Clamped {
		log.Warn("Shard count clamped", "requested", p.Requested, "effective", p.Len(), "mode", p.Mode)
	}

	//nolint:gosec // G301: output is meant to be served
	if err := os.MkdirAll(opts.OutputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	w := &Writer{
		Format:      format,
		Dir:         opts.OutputDir,
		Parallelism: opts.Parallelism,
		Log:         log,
		Meta:        map[string]string{"general.name": opts.ModelName},
	}
	artifacts, err := w.WriteAll(ctx, p, inv)
	if err != nil {
		log.Error("Shard write failed, manifest not written", "error", err)
		return nil, err
	}

	m, err := BuildManifest(RunInfo{
		ModelName:     opts.ModelName,
		RunID:         runID,
		Format:        format.Name,
		OriginalBytes: inv.TotalBytes(),
		Date:          start,
	}, p, artifacts)
	if err != nil {
		return nil, err
	}

	path, err := WriteManifest(opts.OutputDir, m)
	if err != nil {
		return nil, err
	}

	// The manifest is the contract; the info file is only for people.
	infoPath, err := WriteInfo(opts.OutputDir, m)
	if err != nil {
		log.Warn("Failed to write sharding info", "error", err)
		infoPath = ""
	}

	log.Info("Sharding complete",
		"shards", m.TotalShards,
		"mode", m.Mode,
		"total_bytes", m.TotalSizeBytes,
		"manifest", path,
		"duration", time.Since(start))

	return &Result{RunID: runID, Plan: p, Manifest: m, ManifestPath: path, InfoPath: infoPath}, nil
}
