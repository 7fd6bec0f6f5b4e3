package coordinator

import (
	"context"
	"time"

	"github.com/Arnav-03/vecertify/internal/ledger"
)

// LocalNode exposes an in-process Engine as a Node, for embedded
// deployments and tests.
func LocalNode(e *ledger.Engine) Node {
	return localNode{e}
}

type localNode struct {
	*ledger.Engine
}

func (n localNode) Events(ctx context.Context, after uint64, wait time.Duration) ([]ledger.Event, error) {
	return n.Engine.Events(ctx, after, 0, wait)
}
