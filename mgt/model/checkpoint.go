package model

import (
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"gonum.org/v1/gonum/mat"
)

const (
	configFileName  = "config.json"
	weightsFileName = "weights.gob"
)

// savedTensor is the serialized form of one parameter matrix.
type savedTensor struct {
	Name string
	Rows int
	Cols int
	Data []float64
}

// Save writes the model config and weights into dir, creating it if needed.
// The layout (config.json + weights file per directory) is what Load and the
// trainer's checkpoint-<step> directories expect.
func (m *MaskedLM) Save(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("could not create checkpoint directory: %w", err)
	}

	configJSON, err := json.MarshalIndent(m.config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal model config: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, configFileName), configJSON, 0o644); err != nil {
		return fmt.Errorf("failed to write model config: %w", err)
	}

	tensors := make([]savedTensor, 0, len(m.params))
	for _, p := range m.params {
		rows, cols := p.Value.Dims()
		data := make([]float64, rows*cols)
		copy(data, p.Value.RawMatrix().Data)
		tensors = append(tensors, savedTensor{Name: p.Name, Rows: rows, Cols: cols, Data: data})
	}

	f, err := os.Create(filepath.Join(dir, weightsFileName))
	if err != nil {
		return fmt.Errorf("failed to create weights file: %w", err)
	}
	defer f.Close()

	if err := gob.NewEncoder(f).Encode(tensors); err != nil {
		return fmt.Errorf("failed to encode weights: %w", err)
	}
	return nil
}

// LoadMaskedLM restores a model saved with Save.
func LoadMaskedLM(dir string) (*MaskedLM, error) {
	configJSON, err := os.ReadFile(filepath.Join(dir, configFileName))
	if err != nil {
		return nil, fmt.Errorf("failed to read model config: %w", err)
	}
	var config Config
	if err := json.Unmarshal(configJSON, &config); err != nil {
		return nil, fmt.Errorf("failed to parse model config: %w", err)
	}

	m, err := NewMaskedLM(config, 0)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(filepath.Join(dir, weightsFileName))
	if err != nil {
		return nil, fmt.Errorf("failed to open weights file: %w", err)
	}
	defer f.Close()

	var tensors []savedTensor
	if err := gob.NewDecoder(f).Decode(&tensors); err != nil {
		return nil, fmt.Errorf("failed to decode weights: %w", err)
	}

	byName := map[string]savedTensor{}
	for _, t := range tensors {
		byName[t.Name] = t
	}
	for _, p := range m.params {
		t, ok := byName[p.Name]
		if !ok {
			return nil, fmt.Errorf("checkpoint is missing tensor %q", p.Name)
		}
		rows, cols := p.Value.Dims()
		if t.Rows != rows || t.Cols != cols {
			return nil, fmt.Errorf("tensor %q has shape (%d, %d), want (%d, %d)", p.Name, t.Rows, t.Cols, rows, cols)
		}
		p.Value.Copy(mat.NewDense(rows, cols, t.Data))
	}

	return m, nil
}
