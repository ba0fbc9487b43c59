package fleetup

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
)

// ReasonDeclined is recorded for a component the operator declined in
// safe mode.
const ReasonDeclined = "declined by operator"

// Confirmer approves each upgrade in safe mode. It is only asked about
// components that would actually be upgraded.
type Confirmer interface {
	Confirm(ctx context.Context, p ComponentPlan) (bool, error)
}

// ConfirmFunc adapts a function to Confirmer.
type ConfirmFunc func(ctx context.Context, p ComponentPlan) (bool, error)

// Confirm implements Confirmer.
func (f ConfirmFunc) Confirm(ctx context.Context, p ComponentPlan) (bool, error) {
	return f(ctx, p)
}

type declineAll struct{}

func (declineAll) Confirm(context.Context, ComponentPlan) (bool, error) { return false, nil }

// PromptConfirmer asks on a terminal. Prompts are serialized so
// concurrent phases never interleave questions.
type PromptConfirmer struct {
	mu  sync.Mutex
	in  *bufio.Reader
	out io.Writer
}

// NewPromptConfirmer reads answers from in and writes prompts to out.
func NewPromptConfirmer(in io.Reader, out io.Writer) *PromptConfirmer {
	return &PromptConfirmer{in: bufio.NewReader(in), out: out}
}

// Confirm implements Confirmer. Only "y" or "yes" approves.
func (p *PromptConfirmer) Confirm(ctx context.Context, cp ComponentPlan) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return false, err
	}

	path := cp.Target
	if len(cp.Hops) > 1 {
		path = strings.Join(cp.Hops, " -> ")
	}
	fmt.Fprintf(p.out, "Upgrade %s (%s) from %s to %s? [y/N] ", cp.Name, cp.Kind, cp.Installed, path)

	line, err := p.in.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}
