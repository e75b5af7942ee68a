// Command qwen3-infer drives single-token-step inference over a Qwen3-style
// GQA decoder loaded from a safetensors archive. Tokenization is out of
// scope: run takes and prints raw integer token ids.
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/urfave/cli/v3"

	"qwen3-go/internal/telemetry"
	"qwen3-go/qwen3"
)

func main() {
	app := &cli.Command{
		Name:  "qwen3-infer",
		Usage: "CPU single-token Qwen3 GQA decoder inference",
		Commands: []*cli.Command{
			runCmd(),
			inspectCmd(),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func parseTokenList(s string) ([]int32, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	ids := make([]int32, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.ParseInt(strings.TrimSpace(p), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid token id %q: %w", p, err)
		}
		ids = append(ids, int32(n))
	}
	return ids, nil
}

func runCmd() *cli.Command {
	var (
		modelPath  string
		tokens     string
		steps      int
		useMmap    bool
		logLevel   string
		logFormat  string
		metricsAdr string
	)

	return &cli.Command{
		Name:  "run",
		Usage: "replay a prompt token stream and generate additional tokens",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "model", Aliases: []string{"m"}, Usage: "path to .safetensors archive", Destination: &modelPath, Required: true},
			&cli.StringFlag{Name: "tokens", Aliases: []string{"t"}, Usage: "comma-separated prompt token ids", Destination: &tokens},
			&cli.IntFlag{Name: "steps", Aliases: []string{"n"}, Usage: "number of tokens to generate after the prompt", Value: 0, Destination: &steps},
			&cli.BoolFlag{Name: "mmap", Usage: "memory-map the archive instead of reading it fully", Value: true, Destination: &useMmap},
			&cli.StringFlag{Name: "log-level", Value: "info", Destination: &logLevel},
			&cli.StringFlag{Name: "log-format", Value: "console", Destination: &logFormat},
			&cli.StringFlag{Name: "metrics-addr", Usage: "if set, serve /metrics on this address", Destination: &metricsAdr},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			telemetry.Setup(logLevel, logFormat)

			if metricsAdr != "" {
				serveMetrics(metricsAdr)
			}

			promptIDs, err := parseTokenList(tokens)
			if err != nil {
				return err
			}

			cfg := qwen3.DefaultConfig()
			model, err := qwen3.NewModel(cfg)
			if err != nil {
				return err
			}
			defer model.Close()

			telemetry.Log.Info("loading weights", "path", modelPath, "mmap", useMmap)
			if err := model.LoadWeights(modelPath, useMmap); err != nil {
				return err
			}

			// The last prompt id is fed by the first PredictNextToken call,
			// so only the ids before it are prefilled.
			var last int32 = cfg.BOSTokenID
			prefill := promptIDs
			if len(prefill) > 0 {
				last = prefill[len(prefill)-1]
				prefill = prefill[:len(prefill)-1]
			}

			bar := progressbar.NewOptions(len(prefill),
				progressbar.OptionSetDescription("Prefilling"),
				progressbar.OptionSetWidth(40),
				progressbar.OptionShowCount(),
				progressbar.OptionShowIts(),
				progressbar.OptionSetTheme(progressbar.Theme{
					Saucer:        "=",
					SaucerHead:    ">",
					SaucerPadding: " ",
					BarStart:      "[",
					BarEnd:        "]",
				}),
			)

			for _, id := range prefill {
				start := time.Now()
				if err := model.ProcessPromptToken(ctx, id); err != nil {
					return err
				}
				telemetry.TokenDuration.Observe(time.Since(start).Seconds())
				telemetry.TokensProcessedTotal.Inc()
				_ = bar.Add(1)
			}
			fmt.Println()

			for i := 0; i < steps; i++ {
				start := time.Now()
				logits, err := model.PredictNextToken(ctx, last)
				if err != nil {
					return err
				}
				telemetry.TokenDuration.Observe(time.Since(start).Seconds())
				telemetry.TokensProcessedTotal.Inc()

				next := argmax(logits)
				fmt.Printf("%d\n", next)
				last = int32(next)
			}

			telemetry.Log.Info("done", "tokens_processed", model.TokensProcessed())
			return nil
		},
	}
}

func argmax(v []float32) int {
	best, bestIdx := v[0], 0
	for i, x := range v[1:] {
		if x > best {
			best = x
			bestIdx = i + 1
		}
	}
	return bestIdx
}

func inspectCmd() *cli.Command {
	var modelPath string

	return &cli.Command{
		Name:  "inspect",
		Usage: "print the tensor names, shapes, and dtypes in a .safetensors archive",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "model", Aliases: []string{"m"}, Usage: "path to .safetensors archive", Destination: &modelPath, Required: true},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			archive, err := qwen3.Open(modelPath, false)
			if err != nil {
				return err
			}
			defer archive.Close()

			fmt.Printf("header hash: %x\n", archive.HeaderHash)
			for _, name := range archive.Keys() {
				rec, _ := archive.Lookup(name)
				fmt.Printf("%-48s %-6s %v\n", name, rec.DType, rec.Shape)
			}
			return nil
		},
	}
}
