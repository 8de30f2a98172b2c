// Package toolexec binds Tool notes to execution descriptors and runs them.
package toolexec

import (
	"context"
	"net/http"

	"github.com/starford/notegraph/internal/sandbox"
)

// Descriptor is the closed set of execution kinds a Tool note can be bound
// to: Function, Chain, HTTP and SandboxFile.
type Descriptor interface {
	kind() string
}

// Func is an in-process tool implementation.
type Func func(ctx context.Context, input any) (any, error)

// Function runs an in-process callable and returns its result verbatim.
type Function struct {
	Fn Func
}

// ChainHandle is an opaque external agent or chain with a single call method.
type ChainHandle interface {
	Invoke(ctx context.Context, input any) (any, error)
}

// ChainFunc adapts a plain function to ChainHandle.
type ChainFunc func(ctx context.Context, input any) (any, error)

// Invoke calls f.
func (f ChainFunc) Invoke(ctx context.Context, input any) (any, error) { return f(ctx, input) }

// Chain delegates to an external handle; the result is returned unparsed.
type Chain struct {
	Handle ChainHandle
}

// HTTP calls the URL stored in the Tool note's logic field. Method and
// headers come from the note's config. A nil Client uses the registry's.
type HTTP struct {
	Client *http.Client
}

// SandboxFile dispatches to the built-in sandboxed file tool by input.action.
type SandboxFile struct {
	Tool *sandbox.Tool
}

func (Function) kind() string    { return "function" }
func (Chain) kind() string       { return "chain" }
func (HTTP) kind() string        { return "http" }
func (SandboxFile) kind() string { return "sandbox_file" }

// KindOf returns the descriptor kind name, used in listings and logs.
func KindOf(d Descriptor) string {
	if d == nil {
		return ""
	}
	return d.kind()
}
