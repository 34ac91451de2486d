package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	"lungctsegmenter/internal/exec"
	"lungctsegmenter/pkg/ai"
	"lungctsegmenter/pkg/config"
	"lungctsegmenter/pkg/imaging"
)

// newDelegate builds the AI delegate from the external tool configuration.
func newDelegate(cfg *config.Config, logger *zap.SugaredLogger, confirmer ai.Confirmer) (*ai.Delegate, error) {
	runner := exec.NewOSRunner(logger)
	tk := imaging.NewToolkit()

	classMap := ai.DefaultClassMap()
	if cfg.AI.ClassMapPath != "" {
		var err error
		if classMap, err = ai.LoadClassMap(cfg.AI.ClassMapPath); err != nil {
			return nil, err
		}
	}

	var probe ai.GPUProbe = ai.StaticProbe(false)
	if c := cfg.AI.GPUProbeCommand; len(c) > 0 {
		probe = ai.CommandProbe{Runner: runner, Command: exec.Command{Name: c[0], Args: c[1:]}}
	}

	return &ai.Delegate{
		Lungmask: &ai.LungmaskCLI{
			Runner:    runner,
			Python:    cfg.AI.Python,
			Command:   cfg.AI.LungmaskCommand,
			TempDir:   cfg.Paths.TempDir,
			Resampler: tk,
		},
		TotalSegmentator: &ai.TotalSegmentator{
			Runner:         runner,
			Python:         cfg.AI.Python,
			Command:        cfg.AI.TotalSegmentatorCommand,
			CombineCommand: cfg.AI.CombineMasksCommand,
			ScriptsDir:     cfg.AI.ScriptsDir,
			TempDir:        cfg.Paths.TempDir,
			ClassMap:       classMap,
		},
		Probe:     probe,
		Confirmer: confirmer,
		Resampler: tk,
		Logger:    logger,
	}, nil
}

// promptConfirmer asks a yes/no question on the terminal.
func promptConfirmer(in io.Reader, out io.Writer) ai.Confirmer {
	reader := bufio.NewReader(in)
	return ai.ConfirmFunc(func(_ context.Context, question string) (bool, error) {
		fmt.Fprintf(out, "%s [y/N] ", question)
		line, err := reader.ReadString('\n')
		if err != nil && line == "" {
			return false, nil
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return true, nil
		}
		return false, nil
	})
}

// acceptAll answers yes without asking.
var acceptAll = ai.ConfirmFunc(func(context.Context, string) (bool, error) { return true, nil })
