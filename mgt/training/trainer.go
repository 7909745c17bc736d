package training

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/ZanzyTHEbar/maskgit-trainer/mgt/config"
	"github.com/ZanzyTHEbar/maskgit-trainer/mgt/dataset"
	"github.com/ZanzyTHEbar/maskgit-trainer/mgt/masking"
	"github.com/ZanzyTHEbar/maskgit-trainer/mgt/model"
	"github.com/ZanzyTHEbar/maskgit-trainer/mgt/optim"
	"github.com/ZanzyTHEbar/maskgit-trainer/mgt/tokenizer"
	"github.com/ZanzyTHEbar/maskgit-trainer/mgt/tracking"

	"github.com/ZanzyTHEbar/assert-lib"
	"gonum.org/v1/gonum/stat"
)

// Checkpointer is implemented by models that can persist themselves to a
// directory. The trainer writes checkpoint-<step> directories through it.
type Checkpointer interface {
	Save(dir string) error
}

// Options wires the trainer's collaborators together.
type Options struct {
	Config      *config.Config
	Model       model.Model
	Tokenizer   tokenizer.Tokenizer
	Masker      *masking.Masker
	TrainLoader *dataset.Loader
	EvalLoader  *dataset.Loader
	Tracker     tracking.Tracker
}

// Trainer runs the masked-token prediction training loop: encode a batch to
// tokens, corrupt it, step the model, and handle the log/eval/save cadence.
type Trainer struct {
	cfg     *config.Config
	model   model.Model
	tok     tokenizer.Tokenizer
	masker  *masking.Masker
	train   *dataset.Loader
	eval    *dataset.Loader
	tracker tracking.Tracker

	opt       *optim.AdamW
	schedule  optim.LRSchedule
	baseLR    float64
	assert    *assert.AssertHandler
	seed      uint64
	evalSeed  uint64
	batchSeen uint64

	logEvery  int
	evalEvery int
	saveEvery int

	globalStep int
}

// atLeast floors cadence settings at one step so the modulo checks stay defined.
func atLeast(v, floor int) int {
	if v < floor {
		return floor
	}
	return v
}

// New validates the wiring and builds a trainer with its optimizer and
// learning-rate schedule.
func New(opts Options) (*Trainer, error) {
	if opts.Config == nil || opts.Model == nil || opts.Tokenizer == nil || opts.Masker == nil || opts.TrainLoader == nil {
		return nil, fmt.Errorf("trainer requires config, model, tokenizer, masker and a train loader")
	}
	if opts.Tracker == nil {
		opts.Tracker = tracking.NoopTracker{}
	}
	if opts.Masker.VocabSize() != opts.Tokenizer.VocabSize() {
		return nil, fmt.Errorf("masker vocab size %d does not match tokenizer vocab size %d",
			opts.Masker.VocabSize(), opts.Tokenizer.VocabSize())
	}
	if _, ok := opts.Model.(Checkpointer); !ok {
		return nil, fmt.Errorf("model does not support checkpointing")
	}

	cfg := opts.Config
	baseLR := cfg.Optimizer.LearningRate
	if cfg.Optimizer.ScaleLR {
		baseLR *= float64(cfg.Training.BatchSize * cfg.Training.GradientAccumulationSteps)
	}

	opt, err := optim.NewAdamW(baseLR, cfg.Optimizer.Beta1, cfg.Optimizer.Beta2,
		cfg.Optimizer.WeightDecay, cfg.Optimizer.Epsilon)
	if err != nil {
		return nil, err
	}

	totalSteps := cfg.LRScheduler.TotalSteps
	if totalSteps == 0 {
		stepsPerEpoch := opts.TrainLoader.Steps() / cfg.Training.GradientAccumulationSteps
		totalSteps = cfg.Training.NumTrainEpochs * stepsPerEpoch
	}
	// The schedule ticks once per optimizer step, so warmup is already in
	// optimizer-step units and must not scale with accumulation.
	schedule, err := optim.NewLRSchedule(cfg.LRScheduler.Scheduler, cfg.LRScheduler.WarmupSteps, totalSteps)
	if err != nil {
		return nil, err
	}

	seed := uint64(cfg.Training.Seed)
	return &Trainer{
		cfg:       cfg,
		model:     opts.Model,
		tok:       opts.Tokenizer,
		masker:    opts.Masker,
		train:     opts.TrainLoader,
		eval:      opts.EvalLoader,
		tracker:   opts.Tracker,
		opt:       opt,
		schedule:  schedule,
		baseLR:    baseLR,
		assert:    assert.NewAssertHandler(),
		seed:      seed,
		evalSeed:  seed ^ 0x9e3779b97f4a7c15,
		logEvery:  atLeast(cfg.Experiment.LogEvery, 1),
		evalEvery: atLeast(cfg.Experiment.EvalEvery, 1),
		saveEvery: atLeast(cfg.Experiment.SaveEvery, 1),
	}, nil
}

// GlobalStep returns the number of optimizer steps taken so far.
func (t *Trainer) GlobalStep() int { return t.globalStep }

// stepResult carries one micro-batch's diagnostics.
type stepResult struct {
	loss     float64
	maskRate float64
}

// trainStep encodes, corrupts and forwards one micro-batch, accumulating
// gradients into the model.
func (t *Trainer) trainStep(ctx context.Context, batch *dataset.Batch, logInputs bool) (stepResult, error) {
	tokens, err := t.tok.Encode(ctx, batch.Pixels)
	if err != nil {
		return stepResult{}, fmt.Errorf("tokenizer encode failed: %w", err)
	}

	t.assert.Assert(ctx, len(tokens) == len(batch.ClassIDs), "tokenizer must preserve the batch size")

	t.batchSeen++
	masked, err := t.masker.MaskBatch(ctx, tokens, batch.ClassIDs, t.seed+t.batchSeen)
	if err != nil {
		return stepResult{}, fmt.Errorf("mask construction failed: %w", err)
	}
	t.assert.Assert(ctx, len(masked.InputIDs) == len(tokens), "mask construction must preserve the batch size")
	t.assert.Assert(ctx, len(masked.InputIDs[0]) == t.tok.SeqLen()+1, "masked rows must carry the class slot")

	if logInputs {
		slog.Info("First batch inputs", "input_ids", masked.InputIDs[0], "labels", masked.Labels[0])
	}

	loss, err := t.model.Forward(masked.InputIDs, masked.Labels, true)
	if err != nil {
		return stepResult{}, fmt.Errorf("model forward failed: %w", err)
	}

	return stepResult{loss: loss, maskRate: masking.MeanMaskProb(masked.MaskProbs)}, nil
}

// Run executes the full training loop and saves the final model into the
// experiment output directory.
func (t *Trainer) Run(ctx context.Context) error {
	cfg := t.cfg
	accumSteps := cfg.Training.GradientAccumulationSteps

	slog.Info("Running training",
		"epochs", cfg.Training.NumTrainEpochs,
		"batch_size", cfg.Training.BatchSize,
		"total_batch_size", cfg.Training.BatchSize*accumSteps,
		"gradient_accumulation_steps", accumSteps,
		"base_lr", t.baseLR,
		"run_id", t.tracker.RunID())

	var overfitBatch *dataset.Batch
	if cfg.Training.OverfitOneBatch {
		t.train.SetEpoch(0)
		batch, err := t.train.Next(ctx)
		if err != nil {
			return fmt.Errorf("failed to fetch the overfit batch: %w", err)
		}
		overfitBatch = batch
	}

	var (
		windowLosses    []float64
		windowMaskRates []float64
		accumCount      int
		examplesSeen    int
		lastLogged      = time.Now()
	)

	for epoch := 0; epoch < cfg.Training.NumTrainEpochs; epoch++ {
		if overfitBatch == nil {
			t.train.SetEpoch(epoch)
		}

		for step := 0; ; step++ {
			if err := ctx.Err(); err != nil {
				return err
			}

			batch := overfitBatch
			if batch == nil {
				next, err := t.train.Next(ctx)
				if errors.Is(err, dataset.ErrEpochDone) {
					break
				}
				if err != nil {
					return err
				}
				batch = next
			} else if step >= t.train.Steps() {
				break
			}

			res, err := t.trainStep(ctx, batch, t.globalStep == 0 && epoch == 0 && step == 0)
			if err != nil {
				return err
			}
			windowLosses = append(windowLosses, res.loss)
			windowMaskRates = append(windowMaskRates, res.maskRate)
			examplesSeen += len(batch.ClassIDs)
			accumCount++

			if accumCount < accumSteps {
				continue
			}

			// Optimizer sync point: average the accumulated gradients and step
			optim.ScaleGrads(t.model.Params(), 1/float64(accumSteps))
			t.opt.SetLR(t.baseLR * t.schedule(t.globalStep))
			t.opt.Step(t.model.Params())
			t.model.ZeroGrad()
			accumCount = 0
			t.globalStep++

			if t.globalStep%t.logEvery == 0 {
				elapsed := time.Since(lastLogged).Seconds()
				imagesPerSec := float64(examplesSeen) / elapsed
				logs := map[string]float64{
					"step_loss":        stat.Mean(windowLosses, nil),
					"lr":               t.opt.LR(),
					"avg_masking_rate": stat.Mean(windowMaskRates, nil),
					"images_per_sec":   imagesPerSec,
				}
				if err := t.tracker.LogStep(t.globalStep, logs); err != nil {
					slog.Warn("Failed to record metrics", "step", t.globalStep, "error", err)
				}
				slog.Info("Train step",
					"step", t.globalStep,
					"loss", fmt.Sprintf("%.4f", logs["step_loss"]),
					"lr", logs["lr"],
					"masking_rate", fmt.Sprintf("%.3f", logs["avg_masking_rate"]),
					"images_per_sec", fmt.Sprintf("%.2f", imagesPerSec))

				windowLosses = windowLosses[:0]
				windowMaskRates = windowMaskRates[:0]
				examplesSeen = 0
				lastLogged = time.Now()
			}

			if t.eval != nil && t.globalStep%t.evalEvery == 0 {
				evalLoss, err := t.Evaluate(ctx)
				if err != nil {
					return err
				}
				if err := t.tracker.LogStep(t.globalStep, map[string]float64{"eval_loss": evalLoss}); err != nil {
					slog.Warn("Failed to record eval metrics", "step", t.globalStep, "error", err)
				}
				slog.Info("Eval", "step", t.globalStep, "eval_loss", fmt.Sprintf("%.4f", evalLoss))
			}

			if t.globalStep%t.saveEvery == 0 {
				dir := filepath.Join(cfg.Experiment.OutputDir, fmt.Sprintf("checkpoint-%d", t.globalStep))
				if err := t.model.(Checkpointer).Save(dir); err != nil {
					return fmt.Errorf("failed to save checkpoint: %w", err)
				}
				slog.Info("Saved state", "path", dir)
			}
		}
	}

	// Final trained checkpoint
	if err := t.model.(Checkpointer).Save(cfg.Experiment.OutputDir); err != nil {
		return fmt.Errorf("failed to save final model: %w", err)
	}
	slog.Info("Training complete", "steps", t.globalStep, "output_dir", cfg.Experiment.OutputDir)

	return t.tracker.Close()
}

// Evaluate runs the eval loader through the model without touching gradients
// and returns the mean loss. The corruption seed is fixed per eval batch so
// successive evaluations are comparable.
func (t *Trainer) Evaluate(ctx context.Context) (float64, error) {
	t.eval.SetEpoch(0)
	maxExamples := t.cfg.Experiment.MaxEvalExamples

	var losses []float64
	examples := 0
	for batchIdx := uint64(0); ; batchIdx++ {
		batch, err := t.eval.Next(ctx)
		if errors.Is(err, dataset.ErrEpochDone) {
			break
		}
		if err != nil {
			return 0, err
		}

		tokens, err := t.tok.Encode(ctx, batch.Pixels)
		if err != nil {
			return 0, fmt.Errorf("tokenizer encode failed during eval: %w", err)
		}
		masked, err := t.masker.MaskBatch(ctx, tokens, batch.ClassIDs, t.evalSeed+batchIdx)
		if err != nil {
			return 0, fmt.Errorf("mask construction failed during eval: %w", err)
		}
		loss, err := t.model.Forward(masked.InputIDs, masked.Labels, false)
		if err != nil {
			return 0, fmt.Errorf("model forward failed during eval: %w", err)
		}

		losses = append(losses, loss)
		examples += len(batch.ClassIDs)
		if maxExamples > 0 && examples >= maxExamples {
			break
		}
	}

	if len(losses) == 0 {
		return 0, fmt.Errorf("eval produced no batches")
	}
	return stat.Mean(losses, nil), nil
}
