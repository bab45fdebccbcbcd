package main

import (
	"flag"
	"fmt"
)

// RunEvaluateCommand implements the evaluation CLI: load a checkpoint,
// run a labeled dataset through it, report loss and accuracy.
func RunEvaluateCommand(args []string) error {
	fs := flag.NewFlagSet("evaluate", flag.ExitOnError)

	modelPath := fs.String("model", "", "Path to saved model file (required)")
	dataPath := fs.String("data", "", "Path to evaluation JSONL file (required)")
	batchSize := fs.Int("batch-size", 32, "Batch size")
	workers := fs.Int("workers", 0, "Worker goroutines for matrix multiplies (0 = NumCPU)")

	if err := fs.Parse(args); err != nil {
		return err
	}

	if *modelPath == "" {
		return fmt.Errorf("--model is required")
	}
	if *dataPath == "" {
		return fmt.Errorf("--data is required")
	}

	if *workers > 0 {
		cfg := DefaultComputeConfig()
		cfg.NumWorkers = *workers
		SetGlobalComputeConfig(cfg)
	}

	fmt.Printf("Loading model from %s...\n", *modelPath)
	model, err := LoadPairClassifier(*modelPath)
	if err != nil {
		return err
	}
	config := model.Config()
	fmt.Printf("✓ Model loaded (encoder=%s, pivot=%d, classes=%d)\n",
		config.EncoderName, config.Pivot, config.NumClasses)

	fmt.Printf("Loading data from %s...\n", *dataPath)
	set, err := LoadDataset(*dataPath)
	if err != nil {
		return err
	}
	fmt.Printf("✓ %d examples\n", set.Len())

	if maxLabel := set.MaxLabel(); maxLabel >= config.NumClasses {
		return fmt.Errorf("%w: dataset contains label %d but model has %d classes",
			ErrConfiguration, maxLabel, config.NumClasses)
	}

	metrics, err := EvaluateModel(model, set, *batchSize)
	if err != nil {
		return err
	}

	fmt.Println()
	fmt.Printf("Loss:     %.4f\n", metrics.Loss)
	fmt.Printf("Accuracy: %.4f\n", metrics.Accuracy)

	return nil
}
