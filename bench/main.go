// Command bench measures decode throughput and per-token latency for a
// loaded Qwen3 model using synthetic random token ids (no archive I/O
// required beyond the one load).
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"time"

	"qwen3-go/qwen3"
)

func main() {
	modelPath := flag.String("model", "", "path to .safetensors archive")
	promptLen := flag.Int("prompt-len", 128, "number of synthetic prompt tokens to prefill")
	steps := flag.Int("steps", 256, "number of decode steps to time")
	useMmap := flag.Bool("mmap", true, "memory-map the archive")
	flag.Parse()

	if *modelPath == "" {
		log.Fatal("-model is required")
	}

	fmt.Println("qwen3-go Benchmark")
	fmt.Println("==================")
	fmt.Println()

	cfg := qwen3.DefaultConfig()
	model, err := qwen3.NewModel(cfg)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	defer model.Close()

	fmt.Printf("Loading weights from %s (mmap=%v)...\n", *modelPath, *useMmap)
	loadStart := time.Now()
	if err := model.LoadWeights(*modelPath, *useMmap); err != nil {
		log.Fatalf("load weights: %v", err)
	}
	fmt.Printf("Loaded in %.2fs\n\n", time.Since(loadStart).Seconds())

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	ctx := context.Background()

	fmt.Printf("Prefilling %d synthetic tokens...\n", *promptLen)
	prefillStart := time.Now()
	last := cfg.BOSTokenID
	if err := model.ProcessPromptToken(ctx, last); err != nil {
		log.Fatalf("prefill: %v", err)
	}
	for i := 1; i < *promptLen; i++ {
		tok := int32(rng.Intn(cfg.VocabSize))
		if err := model.ProcessPromptToken(ctx, tok); err != nil {
			log.Fatalf("prefill: %v", err)
		}
		last = tok
	}
	prefillElapsed := time.Since(prefillStart).Seconds()
	prefillThroughput := float64(*promptLen) / prefillElapsed

	fmt.Printf("Decoding %d steps...\n", *steps)
	decodeStart := time.Now()
	for i := 0; i < *steps; i++ {
		logits, err := model.PredictNextToken(ctx, last)
		if err != nil {
			log.Fatalf("decode step %d: %v", i, err)
		}
		best, bestIdx := logits[0], 0
		for j, v := range logits[1:] {
			if v > best {
				best = v
				bestIdx = j + 1
			}
		}
		last = int32(bestIdx)
	}
	decodeElapsed := time.Since(decodeStart).Seconds()
	decodeThroughput := float64(*steps) / decodeElapsed

	fmt.Println()
	fmt.Println("Benchmark Results:")
	fmt.Println("==================")
	fmt.Printf("Prefill: %d tokens in %.2fs (%.2f tok/s)\n", *promptLen, prefillElapsed, prefillThroughput)
	fmt.Printf("Decode:  %d tokens in %.2fs (%.2f tok/s)\n", *steps, decodeElapsed, decodeThroughput)
	fmt.Printf("Average decode latency: %.2f ms/token\n", decodeElapsed*1000/float64(*steps))
	fmt.Printf("Total tokens processed: %d\n", model.TokensProcessed())
}
