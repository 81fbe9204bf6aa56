package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/gkobilansky/goatlab/internal/apperr"
	"github.com/gkobilansky/goatlab/internal/config"
	"github.com/gkobilansky/goatlab/internal/engine"
)

var (
	goodColor = color.New(color.FgGreen, color.Bold)
	badColor  = color.New(color.FgRed, color.Bold)
	warnColor = color.New(color.FgYellow)
	dimColor  = color.New(color.FgHiBlack)
)

// withEngine opens the configured store, executes the function, and handles cleanup.
func (a *app) withEngine(ctx context.Context, fn func(context.Context, *engine.Engine) error) error {
	s, err := config.OpenStore(a.cfg, a.logger.Named("store"))
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	e := engine.New(s, engine.Options{
		Logger:   a.logger,
		Policy:   &a.cfg.Policy,
		Defaults: &a.cfg.Defaults,
	})
	defer e.Close()

	return fn(ctx, e)
}

// describeErr flattens validation reasons into a multi-line error.
func describeErr(action string, err error) error {
	reasons := apperr.Reasons(err)
	if len(reasons) <= 1 {
		return fmt.Errorf("failed to %s: %w", action, err)
	}
	return fmt.Errorf("failed to %s (%s):\n  - %s", action, apperr.Code(err), strings.Join(reasons, "\n  - "))
}

func formatNumber(n int) string {
	if n < 1000 {
		return fmt.Sprintf("%d", n)
	}
	if n < 1000000 {
		return fmt.Sprintf("%d,%03d", n/1000, n%1000)
	}
	return fmt.Sprintf("%d,%03d,%03d", n/1000000, (n/1000)%1000, n%1000)
}

func formatPercent(rate float64) string {
	if rate == 0 {
		return "0%"
	}
	return fmt.Sprintf("%.2f%%", rate*100)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
