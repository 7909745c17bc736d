package config

import (
	"fmt"
	"path/filepath"
	"strings"

	internal "github.com/ZanzyTHEbar/maskgit-trainer/mgt"

	"github.com/spf13/viper"
)

// Config stores all configuration of the trainer.
// The values are read by viper from a config file or environment variables.
type Config struct {
	Experiment  ExperimentConfig  `mapstructure:"experiment"`
	Model       ModelConfig       `mapstructure:"model"`
	Training    TrainingConfig    `mapstructure:"training"`
	Optimizer   OptimizerConfig   `mapstructure:"optimizer"`
	LRScheduler LRSchedulerConfig `mapstructure:"lrScheduler"`
	Dataset     DatasetConfig     `mapstructure:"dataset"`
}

// ExperimentConfig stores run identification and cadence settings.
type ExperimentConfig struct {
	Project         string `mapstructure:"project"`
	OutputDir       string `mapstructure:"outputDir"`
	LogEvery        int    `mapstructure:"logEvery"`
	EvalEvery       int    `mapstructure:"evalEvery"`
	SaveEvery       int    `mapstructure:"saveEvery"`
	MaxEvalExamples int    `mapstructure:"maxEvalExamples"`
}

// VQModelConfig stores the image tokenizer configuration.
type VQModelConfig struct {
	Kind      string `mapstructure:"kind"`
	ModelPath string `mapstructure:"modelPath"`
	VocabSize int    `mapstructure:"vocabSize"`
	SeqLen    int    `mapstructure:"seqLen"`
}

// TransformerConfig stores the masked-prediction model configuration.
type TransformerConfig struct {
	HiddenSize  int   `mapstructure:"hiddenSize"`
	NumClasses  int   `mapstructure:"numClasses"`
	MaskTokenID int64 `mapstructure:"maskTokenId"`
}

// ModelConfig groups tokenizer and transformer settings.
type ModelConfig struct {
	VQModel     VQModelConfig     `mapstructure:"vqModel"`
	Transformer TransformerConfig `mapstructure:"transformer"`
}

// TrainingConfig stores the training loop settings.
type TrainingConfig struct {
	BatchSize                 int     `mapstructure:"batchSize"`
	NumTrainEpochs            int     `mapstructure:"numTrainEpochs"`
	Seed                      int64   `mapstructure:"seed"`
	MinMaskingRate            float64 `mapstructure:"minMaskingRate"`
	GradientAccumulationSteps int     `mapstructure:"gradientAccumulationSteps"`
	OverfitOneBatch           bool    `mapstructure:"overfitOneBatch"`
}

// OptimizerConfig stores AdamW hyperparameters.
type OptimizerConfig struct {
	LearningRate float64 `mapstructure:"learningRate"`
	ScaleLR      bool    `mapstructure:"scaleLr"`
	Beta1        float64 `mapstructure:"beta1"`
	Beta2        float64 `mapstructure:"beta2"`
	WeightDecay  float64 `mapstructure:"weightDecay"`
	Epsilon      float64 `mapstructure:"epsilon"`
}

// LRSchedulerConfig stores learning-rate schedule settings.
type LRSchedulerConfig struct {
	Scheduler   string `mapstructure:"scheduler"`
	WarmupSteps int    `mapstructure:"warmupSteps"`
	TotalSteps  int    `mapstructure:"totalSteps"`
}

// DatasetConfig stores dataset location and preprocessing settings.
type DatasetConfig struct {
	Path         string  `mapstructure:"path"`
	EvalPath     string  `mapstructure:"evalPath"`
	EvalFraction float64 `mapstructure:"evalFraction"`
	Workers      int     `mapstructure:"workers"`
	Resolution   int     `mapstructure:"resolution"`
	CenterCrop   bool    `mapstructure:"centerCrop"`
	RandomFlip   bool    `mapstructure:"randomFlip"`
}

var AppConfig Config

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(configPath string) (*Config, error) {
	if configPath != "" {
		viper.SetConfigFile(configPath)
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath("..")
		viper.AddConfigPath(filepath.Join("etc", internal.DefaultAppName))
		viper.AddConfigPath(internal.DefaultConfigPath)
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	// Set default values
	viper.SetDefault("experiment.project", internal.DefaultProjectName)
	viper.SetDefault("experiment.outputDir", internal.DefaultOutputDir)
	viper.SetDefault("experiment.logEvery", 50)
	viper.SetDefault("experiment.evalEvery", 500)
	viper.SetDefault("experiment.saveEvery", 1000)
	viper.SetDefault("experiment.maxEvalExamples", 512)

	viper.SetDefault("model.vqModel.kind", "quantizer")
	viper.SetDefault("model.vqModel.vocabSize", 1024)
	viper.SetDefault("model.vqModel.seqLen", 256)
	viper.SetDefault("model.transformer.hiddenSize", 64)
	viper.SetDefault("model.transformer.numClasses", 1000)
	// -1 means "derive from vocabSize + numClasses" at validation time
	viper.SetDefault("model.transformer.maskTokenId", -1)

	viper.SetDefault("training.batchSize", 16)
	viper.SetDefault("training.numTrainEpochs", 1)
	viper.SetDefault("training.seed", 42)
	viper.SetDefault("training.minMaskingRate", 0.0)
	viper.SetDefault("training.gradientAccumulationSteps", 1)

	viper.SetDefault("optimizer.learningRate", 1e-4)
	viper.SetDefault("optimizer.beta1", 0.9)
	viper.SetDefault("optimizer.beta2", 0.999)
	viper.SetDefault("optimizer.weightDecay", 0.01)
	viper.SetDefault("optimizer.epsilon", 1e-8)

	viper.SetDefault("lrScheduler.scheduler", "constant")
	viper.SetDefault("lrScheduler.warmupSteps", 0)

	viper.SetDefault("dataset.evalFraction", 0.1)
	viper.SetDefault("dataset.workers", 4)
	viper.SetDefault("dataset.resolution", 256)
	viper.SetDefault("dataset.centerCrop", true)
	viper.SetDefault("dataset.randomFlip", true)

	viper.AutomaticEnv()                                   // Read in environment variables that match
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_")) // e.g. training.batchSize becomes TRAINING_BATCHSIZE

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found; defaults will be used. This is not an error
			// for the trainer to halt on.
		} else {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	err := viper.Unmarshal(&AppConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	return &AppConfig, nil
}

// Validate rejects configurations that would corrupt training.
// These are the fail-fast checks: a zero-length token sequence makes the
// masking floor of one position unsatisfiable, and a mask token id inside
// the token or shifted-class id range makes corrupted inputs ambiguous.
func (c *Config) Validate() error {
	vq := c.Model.VQModel
	tr := &c.Model.Transformer

	if vq.VocabSize <= 0 {
		return fmt.Errorf("model.vqModel.vocabSize must be positive, got %d", vq.VocabSize)
	}
	if vq.SeqLen <= 0 {
		return fmt.Errorf("model.vqModel.seqLen must be positive, got %d", vq.SeqLen)
	}
	if tr.NumClasses <= 0 {
		return fmt.Errorf("model.transformer.numClasses must be positive, got %d", tr.NumClasses)
	}
	if tr.MaskTokenID < 0 {
		tr.MaskTokenID = int64(vq.VocabSize + tr.NumClasses)
	}
	if tr.MaskTokenID < int64(vq.VocabSize) {
		return fmt.Errorf("mask token id %d collides with the token vocabulary [0, %d)", tr.MaskTokenID, vq.VocabSize)
	}
	if tr.MaskTokenID >= int64(vq.VocabSize) && tr.MaskTokenID < int64(vq.VocabSize+tr.NumClasses) {
		return fmt.Errorf("mask token id %d collides with the shifted class id range [%d, %d)",
			tr.MaskTokenID, vq.VocabSize, vq.VocabSize+tr.NumClasses)
	}

	if c.Training.MinMaskingRate < 0 || c.Training.MinMaskingRate >= 1 {
		return fmt.Errorf("training.minMaskingRate must be in [0, 1), got %f", c.Training.MinMaskingRate)
	}
	if c.Training.BatchSize <= 0 {
		return fmt.Errorf("training.batchSize must be positive, got %d", c.Training.BatchSize)
	}
	if c.Training.GradientAccumulationSteps <= 0 {
		return fmt.Errorf("training.gradientAccumulationSteps must be positive, got %d", c.Training.GradientAccumulationSteps)
	}

	if c.Dataset.Resolution <= 0 {
		return fmt.Errorf("dataset.resolution must be positive, got %d", c.Dataset.Resolution)
	}
	if c.Dataset.EvalFraction < 0 || c.Dataset.EvalFraction >= 1 {
		return fmt.Errorf("dataset.evalFraction must be in [0, 1), got %f", c.Dataset.EvalFraction)
	}

	if c.Optimizer.LearningRate <= 0 {
		return fmt.Errorf("optimizer.learningRate must be positive, got %f", c.Optimizer.LearningRate)
	}

	return nil
}

// SaveResolved writes the fully resolved configuration (defaults, file and
// environment merged) to the given path for reproducibility.
func (c *Config) SaveResolved(path string) error {
	if err := viper.WriteConfigAs(path); err != nil {
		return fmt.Errorf("failed to save resolved config: %w", err)
	}
	return nil
}
