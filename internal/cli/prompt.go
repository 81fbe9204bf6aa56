package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/gkobilansky/goatlab/internal/store"
	"github.com/manifoldco/promptui"
)

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// prompter asks questions on the command's streams.
type prompter struct {
	in  io.ReadCloser
	out io.WriteCloser
}

func newPrompter(in io.Reader, out io.Writer) *prompter {
	return &prompter{in: io.NopCloser(in), out: nopWriteCloser{out}}
}

func (p *prompter) ask(label, def string, validate promptui.ValidateFunc) (string, error) {
	prompt := promptui.Prompt{
		Label:    label,
		Default:  def,
		Validate: validate,
		Stdin:    p.in,
		Stdout:   p.out,
	}
	answer, err := prompt.Run()
	if errors.Is(err, promptui.ErrInterrupt) {
		os.Exit(0)
	}
	return answer, err
}

func (p *prompter) choose(label string, items []string) (int, error) {
	sel := promptui.Select{
		Label:  label,
		Items:  items,
		Size:   len(items),
		Stdin:  p.in,
		Stdout: p.out,
	}
	idx, _, err := sel.Run()
	if errors.Is(err, promptui.ErrInterrupt) {
		os.Exit(0)
	}
	return idx, err
}

func required(s string) error {
	if s == "" {
		return errors.New("required")
	}
	return nil
}

func percentage(s string) error {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v <= 0 || v > 100 {
		return errors.New("enter a number between 0 and 100")
	}
	return nil
}

var experimentTypes = []store.ExperimentType{store.TypeABTest, store.TypeMultivariate, store.TypeFeatureFlag}

// promptExperiment walks the user through a minimal experiment definition.
func promptExperiment(in io.Reader, out io.Writer) (*store.Experiment, error) {
	p := newPrompter(in, out)

	name, err := p.ask("Experiment name", "", required)
	if err != nil {
		return nil, err
	}
	hypothesis, err := p.ask("Hypothesis (optional)", "", nil)
	if err != nil {
		return nil, err
	}
	typeIdx, err := p.choose("Experiment type", []string{
		"A/B test",
		"Multivariate test",
		"Feature flag experiment",
	})
	if err != nil {
		return nil, err
	}
	variants, err := p.ask("Variants, control first (comma-separated)", "control,treatment", func(s string) error {
		if len(splitList(s)) < 2 {
			return errors.New("need at least 2 variants")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	goal, err := p.ask("Primary goal event name", "conversion", required)
	if err != nil {
		return nil, err
	}
	traffic, err := p.ask("Traffic percentage", "100", percentage)
	if err != nil {
		return nil, err
	}

	pct, _ := strconv.ParseFloat(traffic, 64)
	exp, err := experimentFromFlags(name, hypothesis, variants, goal, pct)
	if err != nil {
		return nil, fmt.Errorf("invalid answers: %w", err)
	}
	exp.Type = experimentTypes[typeIdx]
	return exp, nil
}
