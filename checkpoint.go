package main

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// ===========================================================================
// Model Serialization
// ===========================================================================
//
// Simple binary checkpoint format:
//   1. uint32 header length (little-endian)
//   2. JSON header: classifier config + encoder config
//   3. Every parameter tensor's data in Parameters() order, as raw
//      little-endian float64
//
// This is a naive format - just tensor dumps. Production systems would use
// SafeTensors or a similar memory-mapped format. For a model this size the
// simple format is clearest and loads in one pass.
//
// Parameters() order is the contract: base stack (embeddings first), cross
// stack, GRU, head. Changing that order breaks old checkpoints.
// ===========================================================================

// checkpointHeader is the JSON header at the front of a checkpoint file.
type checkpointHeader struct {
	Classifier PairClassifierConfig `json:"classifier"`
	Encoder    EncoderConfig        `json:"encoder"`
}

// Save writes the model to a file.
func (m *PairClassifier) Save(filename string) error {
	f, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint: %w", err)
	}
	defer f.Close()

	header := checkpointHeader{Classifier: m.config, Encoder: m.encoder}
	headerJSON, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint header: %w", err)
	}

	if err := binary.Write(f, binary.LittleEndian, uint32(len(headerJSON))); err != nil {
		return fmt.Errorf("failed to write header length: %w", err)
	}
	if _, err := f.Write(headerJSON); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	for i, p := range m.Parameters() {
		if err := binary.Write(f, binary.LittleEndian, p.data); err != nil {
			return fmt.Errorf("failed to write parameter %d: %w", i, err)
		}
	}

	return nil
}

// encoderHeader is the JSON header of an encoder-only checkpoint.
type encoderHeader struct {
	Encoder EncoderConfig `json:"encoder"`
}

// Save writes a standalone encoder to a file, same framing as the
// classifier checkpoint: header length, JSON config, raw tensor data in
// Parameters() order. Used to ship pretrained weights that a classifier
// can be built around.
func (e *Encoder) Save(filename string) error {
	f, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to create encoder checkpoint: %w", err)
	}
	defer f.Close()

	headerJSON, err := json.Marshal(encoderHeader{Encoder: e.config})
	if err != nil {
		return fmt.Errorf("failed to marshal encoder header: %w", err)
	}

	if err := binary.Write(f, binary.LittleEndian, uint32(len(headerJSON))); err != nil {
		return fmt.Errorf("failed to write header length: %w", err)
	}
	if _, err := f.Write(headerJSON); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	for i, p := range e.Parameters() {
		if err := binary.Write(f, binary.LittleEndian, p.data); err != nil {
			return fmt.Errorf("failed to write parameter %d: %w", i, err)
		}
	}

	return nil
}

// LoadEncoder reads a standalone encoder from a checkpoint written by
// (*Encoder).Save. The architecture comes from the checkpoint header.
func LoadEncoder(filename string) (*Encoder, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open encoder checkpoint: %w", err)
	}
	defer f.Close()

	var headerLen uint32
	if err := binary.Read(f, binary.LittleEndian, &headerLen); err != nil {
		return nil, fmt.Errorf("failed to read header length: %w", err)
	}

	headerJSON := make([]byte, headerLen)
	if _, err := io.ReadFull(f, headerJSON); err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	var header encoderHeader
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return nil, fmt.Errorf("failed to unmarshal encoder header: %w", err)
	}

	enc, err := NewEncoder(header.Encoder)
	if err != nil {
		return nil, err
	}

	for i, p := range enc.Parameters() {
		if err := binary.Read(f, binary.LittleEndian, p.data); err != nil {
			return nil, fmt.Errorf("failed to read parameter %d: %w", i, err)
		}
	}

	return enc, nil
}

// LoadPairClassifier reads a model from a checkpoint file.
func LoadPairClassifier(filename string) (*PairClassifier, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint: %w", err)
	}
	defer f.Close()

	var headerLen uint32
	if err := binary.Read(f, binary.LittleEndian, &headerLen); err != nil {
		return nil, fmt.Errorf("failed to read header length: %w", err)
	}

	headerJSON := make([]byte, headerLen)
	if _, err := io.ReadFull(f, headerJSON); err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	var header checkpointHeader
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return nil, fmt.Errorf("failed to unmarshal header: %w", err)
	}
	if err := header.Classifier.Validate(); err != nil {
		return nil, err
	}

	enc, err := NewEncoder(header.Encoder)
	if err != nil {
		return nil, err
	}

	model, err := newPairClassifierFrom(header.Classifier, enc)
	if err != nil {
		return nil, err
	}

	for i, p := range model.Parameters() {
		if err := binary.Read(f, binary.LittleEndian, p.data); err != nil {
			return nil, fmt.Errorf("failed to read parameter %d: %w", i, err)
		}
	}

	return model, nil
}
