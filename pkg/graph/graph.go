// Package graph builds and validates the immutable pipeline DAG. A graph is
// constructed once from a stage description, validated structurally, and
// never mutated afterwards; concurrent execution instances share it
// read-only without synchronization.
package graph

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nnennaai/nai/pkg/domain"
	"github.com/nnennaai/nai/pkg/module"
)

var (
	// ErrCycle is returned when the stage description contains a cycle.
	ErrCycle = errors.New("pipeline graph contains a cycle")
	// ErrUnreachable is returned when a stage cannot be reached from the root.
	ErrUnreachable = errors.New("stage unreachable from root")
	// ErrDuplicateStage is returned when two stages share a name.
	ErrDuplicateStage = errors.New("duplicate stage name")
)

// StageSpec describes one stage before validation. Upstream names the single
// stage whose output feeds this stage; the root stage leaves it empty.
type StageSpec struct {
	Name     string
	Adapter  module.Adapter
	Upstream string

	Input  domain.Shape
	Output domain.Shape

	// Timeout bounds one attempt; zero means no per-stage deadline.
	Timeout time.Duration
	// MaxRetries caps re-attempts after a transient failure.
	MaxRetries int
	// Optional stages degrade the run when they fail instead of failing it.
	Optional bool
}

// Stage is one validated node of the graph.
type Stage struct {
	Name       string
	Adapter    module.Adapter
	Upstream   string
	Downstream []string

	Input  domain.Shape
	Output domain.Shape

	Timeout    time.Duration
	MaxRetries int
	Optional   bool
}

// Graph is an immutable validated DAG of stages.
type Graph struct {
	stages   map[string]*Stage
	order    []string
	root     string
	terminal string
}

// Build validates the stage description and returns the graph, or a
// structural error naming the offending stages. No partially constructed
// graph is ever returned.
func Build(specs []StageSpec) (*Graph, error) {
	if len(specs) == 0 {
		return nil, errors.New("pipeline graph has no stages")
	}

	stages := make(map[string]*Stage, len(specs))
	var root string
	for _, spec := range specs {
		name := strings.TrimSpace(spec.Name)
		if name == "" {
			return nil, errors.New("stage with empty name")
		}
		if _, exists := stages[name]; exists {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateStage, name)
		}
		if spec.Adapter == nil {
			return nil, fmt.Errorf("stage %q has no adapter bound", name)
		}
		if spec.Upstream == "" {
			if root != "" {
				return nil, fmt.Errorf("multiple root stages: %q and %q", root, name)
			}
			root = name
		}
		stages[name] = &Stage{
			Name:       name,
			Adapter:    spec.Adapter,
			Upstream:   spec.Upstream,
			Input:      spec.Input,
			Output:     spec.Output,
			Timeout:    spec.Timeout,
			MaxRetries: spec.MaxRetries,
			Optional:   spec.Optional,
		}
	}
	if root == "" {
		return nil, fmt.Errorf("%w: no root stage (every stage declares an upstream)", ErrCycle)
	}

	// Wire downstream edges in declaration order so the topological order,
	// and therefore the RunRecord stage list, is deterministic.
	for _, spec := range specs {
		if spec.Upstream == "" {
			continue
		}
		up, ok := stages[spec.Upstream]
		if !ok {
			return nil, fmt.Errorf("stage %q references unknown upstream %q", spec.Name, spec.Upstream)
		}
		up.Downstream = append(up.Downstream, spec.Name)
	}

	order, err := topoOrder(stages, root)
	if err != nil {
		return nil, err
	}
	if len(order) != len(stages) {
		reached := make(map[string]bool, len(order))
		for _, name := range order {
			reached[name] = true
		}
		var stranded []string
		for _, spec := range specs {
			if !reached[spec.Name] {
				stranded = append(stranded, spec.Name)
			}
		}
		if cycle := findCycle(stages, stranded); len(cycle) > 0 {
			return nil, fmt.Errorf("%w: %s", ErrCycle, strings.Join(cycle, " -> "))
		}
		return nil, fmt.Errorf("%w: %s", ErrUnreachable, strings.Join(stranded, ", "))
	}

	g := &Graph{stages: stages, order: order, root: root}

	if err := g.checkShapes(); err != nil {
		return nil, err
	}
	if err := g.checkContracts(); err != nil {
		return nil, err
	}
	if err := g.resolveTerminal(); err != nil {
		return nil, err
	}
	return g, nil
}

// topoOrder walks the single-upstream topology from the root. With fan-in of
// one, every stage other than the root has exactly one incoming edge, so a
// breadth-first walk in declaration order is already topological.
func topoOrder(stages map[string]*Stage, root string) ([]string, error) {
	order := make([]string, 0, len(stages))
	visited := make(map[string]bool, len(stages))
	queue := []string{root}

	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		if visited[name] {
			return nil, fmt.Errorf("%w: stage %q reached twice", ErrCycle, name)
		}
		visited[name] = true
		order = append(order, name)
		queue = append(queue, stages[name].Downstream...)
	}
	return order, nil
}

// findCycle follows upstream pointers from the stranded stages. With fan-in
// of one the chain either reaches the root or loops, so any loop found here
// is a genuine declaration cycle worth naming in full.
func findCycle(stages map[string]*Stage, stranded []string) []string {
	for _, start := range stranded {
		seen := map[string]int{}
		var path []string
		name := start
		for name != "" {
			if at, ok := seen[name]; ok {
				return append(path[at:], name)
			}
			seen[name] = len(path)
			path = append(path, name)
			stage, ok := stages[name]
			if !ok {
				break
			}
			name = stage.Upstream
		}
	}
	return nil
}

func (g *Graph) checkShapes() error {
	for _, name := range g.order {
		stage := g.stages[name]
		if stage.Upstream == "" || len(stage.Input) == 0 {
			continue
		}
		up := g.stages[stage.Upstream]
		if len(up.Output) == 0 {
			continue
		}
		if err := stage.Input.AcceptsFrom(up.Output); err != nil {
			return fmt.Errorf("stage %q incompatible with upstream %q: %w", name, stage.Upstream, err)
		}
	}
	return nil
}

func (g *Graph) checkContracts() error {
	for _, name := range g.order {
		info := g.stages[name].Adapter.Info()
		major, err := info.ContractMajorVersion()
		if err != nil {
			return fmt.Errorf("stage %q: %w", name, err)
		}
		if major != module.ContractMajor {
			return fmt.Errorf("stage %q: adapter %s implements contract major %d, engine requires %d",
				name, info.Name, major, module.ContractMajor)
		}
	}
	return nil
}

// resolveTerminal finds the stage whose output is the run's answer: the
// unique required sink. Optional sinks (an evaluator branch, a metrics tap)
// may coexist with it.
func (g *Graph) resolveTerminal() error {
	var sinks []string
	for _, name := range g.order {
		stage := g.stages[name]
		if len(stage.Downstream) == 0 && !stage.Optional {
			sinks = append(sinks, name)
		}
	}
	switch len(sinks) {
	case 1:
		g.terminal = sinks[0]
		return nil
	case 0:
		return errors.New("pipeline graph has no required sink stage")
	default:
		return fmt.Errorf("pipeline graph has %d required sink stages (%s); mark all but one optional",
			len(sinks), strings.Join(sinks, ", "))
	}
}

// Stage returns the named stage, or nil.
func (g *Graph) Stage(name string) *Stage { return g.stages[name] }

// Order returns stage names in topological order. Callers must not mutate
// the returned slice.
func (g *Graph) Order() []string { return g.order }

// Root returns the ingest root stage name.
func (g *Graph) Root() string { return g.root }

// Terminal returns the stage whose output is the run's final output.
func (g *Graph) Terminal() string { return g.terminal }

// Len returns the number of stages.
func (g *Graph) Len() int { return len(g.stages) }

// Setup acquires scoped resources for every adapter in topological order.
// On failure it tears down the adapters already set up, so resources are
// released on all paths.
func (g *Graph) Setup(ctx context.Context) error {
	var done []*Stage
	for _, name := range g.order {
		stage := g.stages[name]
		if err := stage.Adapter.Setup(ctx); err != nil {
			for i := len(done) - 1; i >= 0; i-- {
				_ = done[i].Adapter.Teardown(ctx)
			}
			return fmt.Errorf("setup stage %q: %w", name, err)
		}
		done = append(done, stage)
	}
	return nil
}

// Teardown releases adapter resources in reverse topological order and
// returns the first error encountered, continuing past failures so every
// adapter gets its release call.
func (g *Graph) Teardown(ctx context.Context) error {
	var firstErr error
	for i := len(g.order) - 1; i >= 0; i-- {
		stage := g.stages[g.order[i]]
		if err := stage.Adapter.Teardown(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("teardown stage %q: %w", stage.Name, err)
		}
	}
	return firstErr
}
