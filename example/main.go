package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"

	"happy-transformer-go/happy"
)

func main() {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	// The mock runner needs no model files: it favours the next letter of
	// the alphabet and emits EOS after a few steps.
	config := happy.NewConfig(
		"mock",
		happy.WithSeed(42),
		happy.WithLogger(logger),
		happy.WithShowProgress(false),
	)
	tokenizer := happy.NewMockTokenizer()

	gen := happy.NewHappyGeneration(config, happy.NewMockModelRunner(tokenizer.VocabSize(), tokenizer.EOSTokenID(), 6), tokenizer, nil)
	defer gen.Close()

	prompts := []string{"abc", "hij", "pqr"}
	presets := []string{happy.PresetGreedy, happy.PresetBeamSearch, happy.PresetTopKSampling}

	fmt.Println("Text generation")
	fmt.Println("===============")
	for _, preset := range presets {
		for _, prompt := range prompts {
			res, err := gen.GenerateText(ctx, prompt, preset, nil, 1, 5)
			if err != nil {
				log.Fatalf("Generation failed: %v", err)
			}
			fmt.Printf("%-18s %q -> %q\n", preset, prompt, res.Text)
		}
	}

	// Unknown keys are dropped with a warning; known ones are coerced.
	res, err := gen.GenerateText(ctx, "abc", happy.PresetTopKSampling, happy.Settings{
		"top_k":       1,
		"temperature": 1,
		"beam_width":  4,
	}, 1, 5)
	if err != nil {
		log.Fatalf("Generation failed: %v", err)
	}
	fmt.Printf("%-18s %q -> %q\n", "custom", "abc", res.Text)

	wp := happy.NewHappyWordPrediction(config, happy.NewMockModelRunner(tokenizer.VocabSize(), tokenizer.EOSTokenID(), 0), tokenizer, nil)
	defer wp.Close()

	fmt.Println("\nWord prediction")
	fmt.Println("===============")
	results, err := wp.PredictMask(ctx, "ab[MASK]", nil, 3)
	if err != nil {
		log.Fatalf("Prediction failed: %v", err)
	}
	for _, r := range results {
		fmt.Printf("%-4s %.4f\n", r.Token, r.Score)
	}
}
