package main

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"fieldops-cloud/internal/billing/application"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

const (
	opSplit  = "split"
	opRevert = "revert"

	// lastChildRef in a revert step resolves to the child created by the
	// most recent split step of the same plan.
	lastChildRef = "@last"
)

type plan struct {
	Actor string     `yaml:"actor"`
	Steps []planStep `yaml:"steps"`
}

type planStep struct {
	Op      string            `yaml:"op"`
	Session string            `yaml:"session"`
	Comment string            `yaml:"comment"`
	Actor   string            `yaml:"actor"`
	Moves   map[string]string `yaml:"moves"`
}

func parsePlan(r io.Reader) (plan, error) {
	var p plan
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		if errors.Is(err, io.EOF) {
			return plan{}, errors.New("plan is empty")
		}
		return plan{}, fmt.Errorf("decode plan: %w", err)
	}
	if len(p.Steps) == 0 {
		return plan{}, errors.New("plan has no steps")
	}
	for i := range p.Steps {
		step := &p.Steps[i]
		step.Op = strings.ToLower(strings.TrimSpace(step.Op))
		step.Session = strings.TrimSpace(step.Session)
		if step.Session == "" {
			return plan{}, fmt.Errorf("step %d: session is required", i+1)
		}
		if step.Actor == "" {
			step.Actor = p.Actor
		}
		switch step.Op {
		case opSplit:
			if step.Session == lastChildRef {
				return plan{}, fmt.Errorf("step %d: %s is only valid for revert", i+1, lastChildRef)
			}
			if len(step.Moves) == 0 {
				return plan{}, fmt.Errorf("step %d: split needs moves", i+1)
			}
			if _, err := step.moves(); err != nil {
				return plan{}, fmt.Errorf("step %d: %w", i+1, err)
			}
		case opRevert:
			if len(step.Moves) > 0 {
				return plan{}, fmt.Errorf("step %d: revert does not take moves", i+1)
			}
		default:
			return plan{}, fmt.Errorf("step %d: unknown op %q", i+1, step.Op)
		}
	}
	return p, nil
}

func (s planStep) moves() (application.Moves, error) {
	moves := make(application.Moves, len(s.Moves))
	for id, raw := range s.Moves {
		qty, err := parseQuantity(raw)
		if err != nil {
			return nil, fmt.Errorf("move %s: %w", id, err)
		}
		moves[strings.TrimSpace(id)] = qty
	}
	return moves, nil
}

func parseQuantity(raw string) (decimal.Decimal, error) {
	qty, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid quantity %q", raw)
	}
	return qty, nil
}

// moveFlag collects repeated -move id=qty arguments.
type moveFlag struct {
	moves application.Moves
}

func (f *moveFlag) String() string {
	if f == nil || len(f.moves) == 0 {
		return ""
	}
	parts := make([]string, 0, len(f.moves))
	for id, qty := range f.moves {
		parts = append(parts, id+"="+qty.String())
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}

func (f *moveFlag) Set(value string) error {
	id, raw, ok := strings.Cut(value, "=")
	id = strings.TrimSpace(id)
	if !ok || id == "" {
		return fmt.Errorf("move must be line_item_id=quantity, got %q", value)
	}
	qty, err := parseQuantity(raw)
	if err != nil {
		return err
	}
	if f.moves == nil {
		f.moves = make(application.Moves)
	}
	if _, dup := f.moves[id]; dup {
		return fmt.Errorf("line item %s given more than once", id)
	}
	f.moves[id] = qty
	return nil
}
