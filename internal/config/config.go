package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/born-ml/born-detect/internal/model"
)

type Config struct {
	Data      Data      `yaml:"data"`
	Model     Model     `yaml:"model"`
	Optimizer Optimizer `yaml:"optimizer"`
	Train     Train     `yaml:"train"`
	Eval      Eval      `yaml:"eval"`
	Logging   Logging   `yaml:"logging"`
	Status    Status    `yaml:"status"`
}

// Data selects the training and validation sets.
type Data struct {
	// Source is "synthetic" or "coco".
	Source string `yaml:"source"`

	TrainImages      string `yaml:"train_images"`
	TrainAnnotations string `yaml:"train_annotations"`
	ValImages        string `yaml:"val_images"`
	ValAnnotations   string `yaml:"val_annotations"`

	// ImageSize is the side images are resized to; 0 keeps them as is.
	ImageSize int    `yaml:"image_size"`
	BatchSize int    `yaml:"batch_size"`
	Shuffle   bool   `yaml:"shuffle"`
	Seed      uint64 `yaml:"seed"`

	Synthetic Synthetic `yaml:"synthetic"`
}

type Synthetic struct {
	Train   int `yaml:"train"`
	Val     int `yaml:"val"`
	Size    int `yaml:"size"`
	Classes int `yaml:"classes"`
}

type Model struct {
	Device      string  `yaml:"device"`
	Classes     int     `yaml:"classes"`
	InputSize   int     `yaml:"input_size"`
	Grid        int     `yaml:"grid"`
	Hidden      int     `yaml:"hidden"`
	MaskSize    int     `yaml:"mask_size"`
	ScoreThresh float64 `yaml:"score_thresh"`
	MaxDets     int     `yaml:"max_dets"`
}

type Optimizer struct {
	Name     string  `yaml:"name"`
	LR       float64 `yaml:"lr"`
	Momentum float64 `yaml:"momentum"`
}

type Train struct {
	Epochs       int     `yaml:"epochs"`
	PrintFreq    int     `yaml:"print_freq"`
	WarmupIters  int     `yaml:"warmup_iters"`
	WarmupFactor float64 `yaml:"warmup_factor"`
	WorldSize    int     `yaml:"world_size"`
}

type Eval struct {
	PrintFreq int `yaml:"print_freq"`
}

// Logging places run output. Each run gets its own directory under Dir.
type Logging struct {
	Dir string `yaml:"dir"`
}

// Status configures the HTTP status server; an empty Addr disables it.
type Status struct {
	Addr string `yaml:"addr"`
}

// Sources of training data.
const (
	SourceSynthetic = "synthetic"
	SourceCOCO      = "coco"
)

// Default returns the configuration used for fields a file leaves out.
func Default() *Config {
	return &Config{
		Data: Data{
			Source:    SourceSynthetic,
			BatchSize: 2,
			Shuffle:   true,
			Synthetic: Synthetic{Train: 64, Val: 16, Size: 64, Classes: 3},
		},
		Model: Model{
			Device:      model.DeviceCPU,
			InputSize:   16,
			Grid:        4,
			Hidden:      64,
			MaskSize:    8,
			ScoreThresh: 0.05,
			MaxDets:     100,
		},
		Optimizer: Optimizer{Name: "sgd", LR: 0.02, Momentum: 0.9},
		Train:     Train{Epochs: 10, PrintFreq: 10, WarmupIters: 1000, WarmupFactor: 1.0 / 1000, WorldSize: 1},
		Eval:      Eval{PrintFreq: 100},
		Logging:   Logging{Dir: "runs"},
	}
}

// Load reads path over the defaults and validates the result. Unknown keys
// are rejected.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault loads path, or returns the validated defaults when path is
// empty.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		cfg := Default()
		return cfg, validate(cfg)
	}
	return Load(path)
}

// Write encodes cfg as YAML.
func Write(w io.Writer, cfg *Config) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return err
	}
	return enc.Close()
}

func validate(cfg *Config) error {
	d := &cfg.Data
	switch d.Source {
	case SourceSynthetic:
		if d.Synthetic.Train < 1 || d.Synthetic.Val < 1 {
			return fmt.Errorf("data.synthetic: train and val must be at least 1")
		}
		if d.Synthetic.Size < 8 {
			return fmt.Errorf("data.synthetic.size must be at least 8, got %d", d.Synthetic.Size)
		}
		if d.Synthetic.Classes < 1 {
			return fmt.Errorf("data.synthetic.classes must be at least 1")
		}
		if cfg.Model.Classes == 0 {
			cfg.Model.Classes = d.Synthetic.Classes
		}
	case SourceCOCO:
		if d.TrainImages == "" || d.TrainAnnotations == "" {
			return fmt.Errorf("data: train_images and train_annotations are required for coco")
		}
		if d.ValImages == "" || d.ValAnnotations == "" {
			return fmt.Errorf("data: val_images and val_annotations are required for coco")
		}
		if cfg.Model.Classes == 0 {
			return fmt.Errorf("model.classes is required for coco data")
		}
	default:
		return fmt.Errorf("data.source: unknown source %q", d.Source)
	}
	if d.BatchSize < 1 {
		return fmt.Errorf("data.batch_size must be at least 1")
	}
	if d.ImageSize < 0 {
		return fmt.Errorf("data.image_size must not be negative")
	}

	if err := cfg.ModelConfig().Validate(); err != nil {
		return fmt.Errorf("model: %w", err)
	}
	switch cfg.Model.Device {
	case model.DeviceCPU, model.DeviceWebGPU:
	default:
		return fmt.Errorf("model.device: unknown device %q", cfg.Model.Device)
	}

	switch cfg.Optimizer.Name {
	case "sgd", "adam":
	default:
		return fmt.Errorf("optimizer.name: unknown optimizer %q", cfg.Optimizer.Name)
	}
	if cfg.Optimizer.LR <= 0 {
		return fmt.Errorf("optimizer.lr must be positive")
	}

	t := &cfg.Train
	if t.Epochs < 1 {
		return fmt.Errorf("train.epochs must be at least 1")
	}
	if t.PrintFreq < 1 || cfg.Eval.PrintFreq < 1 {
		return fmt.Errorf("print_freq must be at least 1")
	}
	if t.WorldSize < 1 {
		return fmt.Errorf("train.world_size must be at least 1")
	}
	if t.WarmupFactor <= 0 || t.WarmupFactor > 1 {
		return fmt.Errorf("train.warmup_factor must be in (0, 1], got %v", t.WarmupFactor)
	}
	if cfg.Logging.Dir == "" {
		return fmt.Errorf("logging.dir is required")
	}
	return nil
}

// ModelConfig returns the detector settings.
func (c *Config) ModelConfig() model.Config {
	m := c.Model
	return model.Config{
		Classes:     m.Classes,
		InputSize:   m.InputSize,
		Grid:        m.Grid,
		Hidden:      m.Hidden,
		MaskSize:    m.MaskSize,
		ScoreThresh: m.ScoreThresh,
		MaxDets:     m.MaxDets,
	}
}

// OptimizerConfig returns the optimizer settings.
func (c *Config) OptimizerConfig() model.OptimizerConfig {
	return model.OptimizerConfig{
		Name:     c.Optimizer.Name,
		LR:       c.Optimizer.LR,
		Momentum: c.Optimizer.Momentum,
	}
}
