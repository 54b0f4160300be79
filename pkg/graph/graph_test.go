package graph

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/nnennaai/nai/pkg/domain"
	"github.com/nnennaai/nai/pkg/module"
)

type stubAdapter struct {
	module.Base
	name       string
	implements string
	setupErr   error
	setups     int
	teardowns  int
}

func newStub(name string) *stubAdapter {
	return &stubAdapter{name: name, implements: module.Contract(module.CapCustom)}
}

func (a *stubAdapter) Info() module.Info {
	return module.Info{Name: a.name, Version: "1.0.0", Capability: module.CapCustom, Implements: a.implements}
}

func (a *stubAdapter) Setup(context.Context) error {
	a.setups++
	return a.setupErr
}

func (a *stubAdapter) Teardown(context.Context) error {
	a.teardowns++
	return nil
}

func (a *stubAdapter) Invoke(_ context.Context, payload domain.Payload) (domain.Payload, error) {
	return payload, nil
}

func chain(names ...string) []StageSpec {
	specs := make([]StageSpec, len(names))
	for i, name := range names {
		specs[i] = StageSpec{Name: name, Adapter: newStub(name)}
		if i > 0 {
			specs[i].Upstream = names[i-1]
		}
	}
	return specs
}

func TestBuildLinearChain(t *testing.T) {
	g, err := Build(chain("load", "embed", "generate"))
	require.NoError(t, err)

	assert.Equal(t, []string{"load", "embed", "generate"}, g.Order())
	assert.Equal(t, "load", g.Root())
	assert.Equal(t, "generate", g.Terminal())
	assert.Equal(t, 3, g.Len())
}

func TestBuildFanOut(t *testing.T) {
	specs := chain("root", "left")
	specs = append(specs,
		StageSpec{Name: "right", Adapter: newStub("right"), Upstream: "root", Optional: true},
	)
	g, err := Build(specs)
	require.NoError(t, err)

	assert.Equal(t, []string{"root", "left", "right"}, g.Order())
	assert.Equal(t, []string{"left", "right"}, g.Stage("root").Downstream)
	assert.Equal(t, "left", g.Terminal())
}

func TestBuildRejectsCycle(t *testing.T) {
	specs := chain("a", "b", "c")
	specs = append(specs, StageSpec{Name: "d", Adapter: newStub("d"), Upstream: "e"})
	specs = append(specs, StageSpec{Name: "e", Adapter: newStub("e"), Upstream: "d"})

	g, err := Build(specs)
	require.ErrorIs(t, err, ErrCycle)
	assert.Nil(t, g, "no partially constructed graph on error")
	assert.Contains(t, err.Error(), "d")
	assert.Contains(t, err.Error(), "e")
}

func TestBuildRejectsAllCyclic(t *testing.T) {
	specs := []StageSpec{
		{Name: "a", Adapter: newStub("a"), Upstream: "b"},
		{Name: "b", Adapter: newStub("b"), Upstream: "a"},
	}
	_, err := Build(specs)
	require.ErrorIs(t, err, ErrCycle)
}

func TestBuildRejectsDuplicateName(t *testing.T) {
	specs := chain("a", "b")
	specs = append(specs, StageSpec{Name: "b", Adapter: newStub("b"), Upstream: "a"})

	_, err := Build(specs)
	require.ErrorIs(t, err, ErrDuplicateStage)
}

func TestBuildRejectsUnknownUpstream(t *testing.T) {
	specs := chain("a")
	specs = append(specs, StageSpec{Name: "b", Adapter: newStub("b"), Upstream: "ghost"})

	_, err := Build(specs)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ghost")
}

func TestBuildRejectsMultipleRoots(t *testing.T) {
	specs := []StageSpec{
		{Name: "a", Adapter: newStub("a")},
		{Name: "b", Adapter: newStub("b")},
	}
	_, err := Build(specs)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "multiple root")
}

func TestBuildRejectsMultipleRequiredSinks(t *testing.T) {
	specs := chain("root", "left")
	specs = append(specs, StageSpec{Name: "right", Adapter: newStub("right"), Upstream: "root"})

	_, err := Build(specs)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sink")
}

func TestBuildShapeCheck(t *testing.T) {
	specs := []StageSpec{
		{Name: "a", Adapter: newStub("a"), Output: domain.Shape{"chunks": domain.FieldList}},
		{Name: "b", Adapter: newStub("b"), Upstream: "a", Input: domain.Shape{"query": domain.FieldString}},
	}
	_, err := Build(specs)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "query")

	specs[1].Input = domain.Shape{"chunks": domain.FieldList}
	_, err = Build(specs)
	require.NoError(t, err)
}

func TestBuildShapeCheckSkippedWhenUndeclared(t *testing.T) {
	specs := []StageSpec{
		{Name: "a", Adapter: newStub("a")},
		{Name: "b", Adapter: newStub("b"), Upstream: "a", Input: domain.Shape{"query": domain.FieldString}},
	}
	_, err := Build(specs)
	require.NoError(t, err, "an upstream without a declared output shape is not checkable")
}

func TestBuildRejectsContractMajorMismatch(t *testing.T) {
	old := newStub("old")
	old.implements = "nai.module.custom@2.0.0"
	specs := []StageSpec{{Name: "a", Adapter: old}}

	_, err := Build(specs)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "major")
}

func TestSetupTeardownOnFailure(t *testing.T) {
	ok := newStub("ok")
	bad := newStub("bad")
	bad.setupErr = errors.New("no connection")

	g, err := Build([]StageSpec{
		{Name: "ok", Adapter: ok},
		{Name: "bad", Adapter: bad, Upstream: "ok"},
	})
	require.NoError(t, err)

	err = g.Setup(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, ok.setups)
	assert.Equal(t, 1, ok.teardowns, "already set up adapters are released when a later setup fails")
}

func TestTeardownReverseOrder(t *testing.T) {
	a, b := newStub("a"), newStub("b")
	g, err := Build([]StageSpec{
		{Name: "a", Adapter: a},
		{Name: "b", Adapter: b, Upstream: "a"},
	})
	require.NoError(t, err)
	require.NoError(t, g.Setup(context.Background()))
	require.NoError(t, g.Teardown(context.Background()))
	assert.Equal(t, 1, a.teardowns)
	assert.Equal(t, 1, b.teardowns)
}

// TestTopoOrderProperty builds random trees and checks that every stage
// appears after its upstream in the resolved order.
func TestTopoOrderProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 20).Draw(t, "stages")
		specs := make([]StageSpec, n)
		for i := 0; i < n; i++ {
			name := fmt.Sprintf("s%d", i)
			specs[i] = StageSpec{Name: name, Adapter: newStub(name), Optional: i != n-1}
			if i > 0 {
				up := rapid.IntRange(0, i-1).Draw(t, "upstream")
				specs[i].Upstream = fmt.Sprintf("s%d", up)
			}
		}
		// Only the final stage is required, and nothing can reference it as
		// upstream, so every generated tree has exactly one required sink.
		g, err := Build(specs)
		if err != nil {
			t.Fatalf("build failed for valid tree: %v", err)
		}

		pos := make(map[string]int, n)
		for i, name := range g.Order() {
			pos[name] = i
		}
		if len(g.Order()) != n {
			t.Fatalf("order has %d stages, want %d", len(g.Order()), n)
		}
		for _, spec := range specs {
			if spec.Upstream == "" {
				continue
			}
			if pos[spec.Name] <= pos[spec.Upstream] {
				t.Fatalf("stage %s ordered before its upstream %s", spec.Name, spec.Upstream)
			}
		}
	})
}
