package main

import (
	"os"
	"path/filepath"
	"testing"
)

// TestCheckpointRoundTrip: save, load, and verify the loaded model
// produces identical logits.
func TestCheckpointRoundTrip(t *testing.T) {
	model, err := NewPairClassifier(tinyClassifierConfig())
	if err != nil {
		t.Fatal(err)
	}

	batch := tinyBatch()
	before, err := model.Forward(batch)
	if err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(t.TempDir(), "model.bin")
	if err := model.Save(path); err != nil {
		t.Fatal(err)
	}

	loaded, err := LoadPairClassifier(path)
	if err != nil {
		t.Fatal(err)
	}

	if loaded.Config() != model.Config() {
		t.Errorf("config changed in round trip: %+v vs %+v", loaded.Config(), model.Config())
	}
	if loaded.NumParameters() != model.NumParameters() {
		t.Fatalf("parameter count changed: %d vs %d",
			loaded.NumParameters(), model.NumParameters())
	}

	after, err := loaded.Forward(batch)
	if err != nil {
		t.Fatal(err)
	}

	for i := range before.data {
		if before.data[i] != after.data[i] {
			t.Fatalf("logits differ at %d: %g vs %g", i, before.data[i], after.data[i])
		}
	}
}

// TestEncoderCheckpointRoundTrip: an encoder saved and reloaded carries
// identical config and weights.
func TestEncoderCheckpointRoundTrip(t *testing.T) {
	enc, err := NewEncoder(tinyEncoderConfig())
	if err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(t.TempDir(), "encoder.bin")
	if err := enc.Save(path); err != nil {
		t.Fatal(err)
	}

	loaded, err := LoadEncoder(path)
	if err != nil {
		t.Fatal(err)
	}

	if loaded.config != enc.config {
		t.Errorf("config changed in round trip: %+v vs %+v", loaded.config, enc.config)
	}

	origParams := enc.Parameters()
	loadedParams := loaded.Parameters()
	if len(origParams) != len(loadedParams) {
		t.Fatalf("parameter count changed: %d vs %d", len(origParams), len(loadedParams))
	}
	for i := range origParams {
		for j := range origParams[i].data {
			if origParams[i].data[j] != loadedParams[i].data[j] {
				t.Fatalf("parameter %d differs at %d", i, j)
			}
		}
	}
}

// TestClassifierFromPretrainedEncoder: a classifier built around an encoder
// checkpoint carries the pretrained weights in both stacks, and the
// cross-attention starts from the pretrained self-attention values.
func TestClassifierFromPretrainedEncoder(t *testing.T) {
	enc, err := NewEncoder(tinyEncoderConfig())
	if err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(t.TempDir(), "encoder.bin")
	if err := enc.Save(path); err != nil {
		t.Fatal(err)
	}

	config := PairClassifierConfig{
		EncoderName: "bert-tiny", // ignored in favor of the checkpoint header
		Pivot:       1,
		GRUHidden:   16,
		GRULayers:   1,
		Dropout:     0,
		NumClasses:  2,
	}
	model, err := NewPairClassifierWithEncoder(config, path)
	if err != nil {
		t.Fatal(err)
	}

	if model.EncoderConfig() != enc.config {
		t.Errorf("encoder config %+v, want %+v", model.EncoderConfig(), enc.config)
	}

	for i := range enc.tokenEmbed.data {
		if model.base.enc.tokenEmbed.data[i] != enc.tokenEmbed.data[i] {
			t.Fatalf("token embedding differs at %d", i)
		}
	}

	// Layer 1 sits past the pivot: its self-attention weights are the
	// pretrained ones, and the new cross-attention is seeded from them.
	pretrained := enc.layers[1].attn.wq
	cl := model.cross.layers[0]
	for i := range pretrained.data {
		if cl.selfAttn.wq.data[i] != pretrained.data[i] {
			t.Fatalf("cross-stack self-attention wq differs at %d", i)
		}
		if cl.crossAttn.wq.data[i] != pretrained.data[i] {
			t.Fatalf("cross-attention wq not seeded from pretrained at %d", i)
		}
	}
}

// TestCheckpointLoadErrors: missing and truncated files fail cleanly.
func TestCheckpointLoadErrors(t *testing.T) {
	if _, err := LoadPairClassifier("/nonexistent/model.bin"); err == nil {
		t.Error("expected an open error")
	}

	// A file too short to hold the header
	path := filepath.Join(t.TempDir(), "truncated.bin")
	if err := os.WriteFile(path, []byte{1, 2}, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadPairClassifier(path); err == nil {
		t.Error("expected a read error on truncated checkpoint")
	}
}
