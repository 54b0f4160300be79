// Package module defines the uniform contract every pluggable unit of work
// implements, and the registry that resolves (capability, name) pairs to
// adapter constructors. The engine never sees a concrete module type.
package module

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/nnennaai/nai/pkg/domain"
)

// ContractMajor is the adapter contract major version this engine binds to.
// An adapter declaring a different major version is rejected at graph build
// time, never at invocation time.
const ContractMajor = 1

// Capability tags what role an adapter can play in a pipeline.
type Capability string

const (
	CapEmbedder  Capability = "embedder"
	CapRetriever Capability = "retriever"
	CapGenerator Capability = "generator"
	CapEvaluator Capability = "evaluator"
	CapCustom    Capability = "custom"
)

// Info identifies an adapter and the contract it implements. Implements uses
// the form "nai.module.<capability>@<major>.<minor>.<patch>".
type Info struct {
	Name       string
	Version    string
	Capability Capability
	Implements string
}

// ContractMajorVersion parses the major version out of the Implements tag.
func (i Info) ContractMajorVersion() (int, error) {
	_, after, found := strings.Cut(i.Implements, "@")
	if !found {
		return 0, fmt.Errorf("adapter %s: malformed contract tag %q", i.Name, i.Implements)
	}
	major, _, _ := strings.Cut(after, ".")
	n, err := strconv.Atoi(major)
	if err != nil {
		return 0, fmt.Errorf("adapter %s: malformed contract version %q", i.Name, after)
	}
	return n, nil
}

// Contract builds a well-formed Implements tag for builtin adapters.
func Contract(cap Capability) string {
	return fmt.Sprintf("nai.module.%s@%d.0.0", cap, ContractMajor)
}

// Adapter wraps one pluggable unit of work behind a uniform contract.
//
// Invoke must be a pure mapping from payload to payload: stateless between
// invocations except for resources acquired in Setup. Blocking work must
// observe ctx for cancellation and deadlines; adapters that never check ctx
// run to completion but their result is discarded once the deadline passes.
type Adapter interface {
	Info() Info
	Setup(ctx context.Context) error
	Invoke(ctx context.Context, payload domain.Payload) (domain.Payload, error)
	Teardown(ctx context.Context) error
}

// Factory constructs an adapter from its stage configuration. Configuration
// is resolved once before graph build and is read-only afterwards.
type Factory func(cfg map[string]any) (Adapter, error)

// Base provides no-op Setup/Teardown for adapters without scoped resources.
type Base struct{}

func (Base) Setup(context.Context) error    { return nil }
func (Base) Teardown(context.Context) error { return nil }
