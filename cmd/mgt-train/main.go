package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	internal "github.com/ZanzyTHEbar/maskgit-trainer/mgt"
	"github.com/ZanzyTHEbar/maskgit-trainer/mgt/config"
	"github.com/ZanzyTHEbar/maskgit-trainer/mgt/dataset"
	"github.com/ZanzyTHEbar/maskgit-trainer/mgt/masking"
	"github.com/ZanzyTHEbar/maskgit-trainer/mgt/model"
	"github.com/ZanzyTHEbar/maskgit-trainer/mgt/tokenizer"
	"github.com/ZanzyTHEbar/maskgit-trainer/mgt/tracking"
	"github.com/ZanzyTHEbar/maskgit-trainer/mgt/training"
)

func main() {
	configPath := flag.String("config", "", "path to the trainer config file (yaml)")
	noTracking := flag.Bool("no-tracking", false, "disable the run metrics database")
	flag.Parse()

	logger := internal.GetLogger()

	if err := run(*configPath, *noTracking); err != nil {
		logger.Fatal().Err(err).Msg("training failed")
	}
}

func run(configPath string, noTracking bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.Dataset.Path == "" {
		return fmt.Errorf("dataset.path is required")
	}

	if err := os.MkdirAll(cfg.Experiment.OutputDir, 0o755); err != nil {
		return fmt.Errorf("could not create output directory: %w", err)
	}
	if err := cfg.SaveResolved(filepath.Join(cfg.Experiment.OutputDir, "config.yaml")); err != nil {
		slog.Warn("Could not save resolved config", "error", err)
	}

	trainDS, evalDS, err := buildDatasets(cfg)
	if err != nil {
		return err
	}
	slog.Info("Dataset ready",
		"train_samples", trainDS.Len(),
		"eval_samples", evalDS.Len(),
		"classes", trainDS.NumClasses())

	pre := dataset.NewPreprocessor(cfg.Dataset.Resolution, cfg.Dataset.CenterCrop, cfg.Dataset.RandomFlip)
	seed := uint64(cfg.Training.Seed)
	trainLoader := dataset.NewLoader(trainDS, pre, cfg.Training.BatchSize, cfg.Dataset.Workers, seed, true)

	var evalLoader *dataset.Loader
	if evalDS.Len() > 0 {
		evalLoader = dataset.NewLoader(evalDS, pre, cfg.Training.BatchSize, cfg.Dataset.Workers, seed, false)
	}

	tok, err := tokenizer.NewTokenizer(cfg.Model.VQModel.Kind, tokenizer.Options{
		VocabSize:  cfg.Model.VQModel.VocabSize,
		SeqLen:     cfg.Model.VQModel.SeqLen,
		Resolution: cfg.Dataset.Resolution,
		ModelPath:  cfg.Model.VQModel.ModelPath,
	})
	if err != nil {
		return fmt.Errorf("could not build tokenizer: %w", err)
	}

	masker, err := masking.NewMasker(masking.CosineSchedule, cfg.Model.Transformer.MaskTokenID,
		cfg.Model.VQModel.VocabSize, cfg.Training.MinMaskingRate)
	if err != nil {
		return fmt.Errorf("could not build masker: %w", err)
	}

	lm, err := model.NewMaskedLM(model.Config{
		VocabSize:   cfg.Model.VQModel.VocabSize,
		NumClasses:  cfg.Model.Transformer.NumClasses,
		SeqLen:      cfg.Model.VQModel.SeqLen,
		HiddenSize:  cfg.Model.Transformer.HiddenSize,
		MaskTokenID: cfg.Model.Transformer.MaskTokenID,
	}, seed)
	if err != nil {
		return fmt.Errorf("could not build model: %w", err)
	}

	var tracker tracking.Tracker = tracking.NoopTracker{}
	if !noTracking {
		blob, _ := json.Marshal(cfg)
		rt, err := tracking.NewRunTracker(cfg.Experiment.OutputDir, cfg.Experiment.Project, string(blob))
		if err != nil {
			return fmt.Errorf("could not open the run database: %w", err)
		}
		tracker = rt
	}

	trainer, err := training.New(training.Options{
		Config:      cfg,
		Model:       lm,
		Tokenizer:   tok,
		Masker:      masker,
		TrainLoader: trainLoader,
		EvalLoader:  evalLoader,
		Tracker:     tracker,
	})
	if err != nil {
		return err
	}

	return trainer.Run(ctx)
}

// buildDatasets scans the training images and either scans a separate eval
// tree or carves the eval subset out of the training set.
func buildDatasets(cfg *config.Config) (train, eval *dataset.Dataset, err error) {
	ds, err := dataset.Scan(cfg.Dataset.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("could not scan dataset: %w", err)
	}

	if cfg.Dataset.EvalPath != "" {
		evalDS, err := dataset.Scan(cfg.Dataset.EvalPath)
		if err != nil {
			return nil, nil, fmt.Errorf("could not scan eval dataset: %w", err)
		}
		return ds, evalDS, nil
	}

	return ds.Split(cfg.Dataset.EvalFraction, uint64(cfg.Training.Seed))
}
