package main

import (
	"flag"
	"fmt"
)

// RunTrainCommand implements the training CLI.
func RunTrainCommand(args []string) error {
	fs := flag.NewFlagSet("train", flag.ExitOnError)

	// Data
	trainPath := fs.String("train", "", "Path to training JSONL file (required)")
	valPath := fs.String("val", "", "Path to validation JSONL file (optional)")

	// Model shape
	encoderName := fs.String("encoder", "bert-tiny", "Encoder name: bert-base, bert-small, bert-tiny")
	encoderWeights := fs.String("encoder-weights", "", "Pretrained encoder checkpoint (optional; random init when absent)")
	pivot := fs.Int("pivot", 1, "Layer index where the encoder splits into base and cross stacks")
	gruHidden := fs.Int("gru-hidden", 128, "GRU hidden size")
	gruLayers := fs.Int("gru-layers", 1, "Number of stacked GRU layers")
	dropout := fs.Float64("dropout", 0.1, "Dropout rate")
	numClasses := fs.Int("classes", 3, "Number of output classes")

	// Training
	epochs := fs.Int("epochs", 3, "Number of training epochs")
	batchSize := fs.Int("batch-size", 16, "Batch size")
	lr := fs.Float64("lr", 2e-5, "Initial learning rate")
	optimizerName := fs.String("optimizer", "adam", "Optimizer: adam, sgd (unknown names use adam)")
	clip := fs.Float64("clip", 1.0, "Gradient clipping norm (0 disables)")

	// Output and resume
	outPath := fs.String("out", "pair_classifier.bin", "Where to save the trained model")
	resumePath := fs.String("resume", "", "Checkpoint to resume from (optional)")

	// Hardware
	workers := fs.Int("workers", 0, "Worker goroutines for matrix multiplies (0 = NumCPU)")

	if err := fs.Parse(args); err != nil {
		return err
	}

	if *trainPath == "" {
		return fmt.Errorf("--train is required")
	}

	if *workers > 0 {
		cfg := DefaultComputeConfig()
		cfg.NumWorkers = *workers
		SetGlobalComputeConfig(cfg)
	}

	// Load data
	fmt.Printf("Loading training data from %s...\n", *trainPath)
	trainSet, err := LoadDataset(*trainPath)
	if err != nil {
		return err
	}
	fmt.Printf("✓ %d training examples\n", trainSet.Len())

	var valSet *Dataset
	if *valPath != "" {
		fmt.Printf("Loading validation data from %s...\n", *valPath)
		valSet, err = LoadDataset(*valPath)
		if err != nil {
			return err
		}
		fmt.Printf("✓ %d validation examples\n", valSet.Len())
	}

	// Build or resume the model
	var model *PairClassifier
	if *resumePath != "" {
		fmt.Printf("Resuming from %s...\n", *resumePath)
		model, err = LoadPairClassifier(*resumePath)
		if err != nil {
			return err
		}
	} else {
		config := PairClassifierConfig{
			EncoderName: *encoderName,
			Pivot:       *pivot,
			GRUHidden:   *gruHidden,
			GRULayers:   *gruLayers,
			Dropout:     *dropout,
			NumClasses:  *numClasses,
		}
		if *encoderWeights != "" {
			fmt.Printf("Loading pretrained encoder from %s...\n", *encoderWeights)
			model, err = NewPairClassifierWithEncoder(config, *encoderWeights)
		} else {
			model, err = NewPairClassifier(config)
		}
		if err != nil {
			return err
		}
	}
	fmt.Printf("✓ Model ready (%d parameters)\n", model.NumParameters())

	if maxLabel := trainSet.MaxLabel(); maxLabel >= model.Config().NumClasses {
		return fmt.Errorf("%w: dataset contains label %d but model has %d classes",
			ErrConfiguration, maxLabel, model.Config().NumClasses)
	}

	trainConfig := DefaultTrainingConfig()
	trainConfig.NumEpochs = *epochs
	trainConfig.BatchSize = *batchSize
	trainConfig.LearningRate = *lr
	trainConfig.GradientClipValue = *clip
	trainConfig.Optimizer = OptimizerKindFromName(*optimizerName)

	trainer, err := NewTrainer(model, trainConfig)
	if err != nil {
		return err
	}

	if err := trainer.Train(trainSet, valSet); err != nil {
		return err
	}

	fmt.Printf("Saving model to %s...\n", *outPath)
	if err := model.Save(*outPath); err != nil {
		return err
	}
	fmt.Println("✓ Saved")

	return nil
}
