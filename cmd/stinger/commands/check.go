package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/stinger-ai/stinger/internal/config"
	"github.com/stinger-ai/stinger/pkg/classify"
	"github.com/stinger-ai/stinger/pkg/guardrail"
	"github.com/stinger-ai/stinger/pkg/pipeline"
)

// ErrBlocked reports that checked content was blocked by policy. The CLI
// maps it to exit code 2 so scripts can tell blocks from failures.
var ErrBlocked = errors.New("content blocked")

func NewCheckCommand() *cobra.Command {
	var (
		preset string
		kind   string
		text   string
	)
	cmd := &cobra.Command{
		Use:   "check [text]",
		Short: "Check one piece of content and print the decision",
		Long: `Check runs a single prompt or response through a preset pipeline and
prints the full decision as JSON. Exit code 2 means the content was blocked.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(cmd, args, preset, kind, text)
		},
	}
	cmd.Flags().StringVar(&preset, "preset", "", "preset to check against (default: configured preset)")
	cmd.Flags().StringVar(&kind, "kind", "prompt", "content kind: prompt or response")
	cmd.Flags().StringVar(&text, "text", "", "text to check (defaults to the positional argument or stdin)")
	return cmd
}

func runCheck(cmd *cobra.Command, args []string, preset, kind, text string) error {
	// Load .env file if exists
	_ = godotenv.Load()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if preset == "" {
		preset = cfg.Pipeline.Preset
	}
	if kind != "prompt" && kind != "response" {
		return fmt.Errorf("kind must be \"prompt\" or \"response\", got %q", kind)
	}

	content := text
	if content == "" && len(args) > 0 {
		content = args[0]
	}
	if content == "" {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return fmt.Errorf("failed to read stdin: %w", err)
		}
		content = strings.TrimSuffix(string(data), "\n")
	}

	log := zap.NewNop()
	if verbose {
		if log, err = zap.NewDevelopment(); err != nil {
			return err
		}
	}

	classifier := classify.NewOpenAIClassifier(cfg.Classifier, log)
	p, err := pipeline.FromPreset(preset,
		pipeline.WithLogger(log),
		pipeline.WithClassifier(classifier),
		pipeline.WithParallel(cfg.Pipeline.Parallel),
		pipeline.WithSlack(cfg.Pipeline.Slack),
		pipeline.WithMaxContentBytes(cfg.Pipeline.MaxContentSize),
	)
	if err != nil {
		return err
	}

	ctx := context.Background()
	var result *guardrail.Result
	if kind == "response" {
		result, err = p.CheckOutput(ctx, content, nil, nil)
	} else {
		result, err = p.CheckInput(ctx, content, nil, nil)
	}
	if err != nil {
		return err
	}

	encoded, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(encoded))

	if result.Blocked {
		return ErrBlocked
	}
	return nil
}
