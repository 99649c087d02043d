package ports

import (
	"context"

	"github.com/eleven-am/dispatch/internal/domain"
)

// ExecutorRegistry resolves a node to at most one healthy executor. A false
// return with a nil error means nothing can run the node right now.
type ExecutorRegistry interface {
	GetExecutorForNode(ctx context.Context, node domain.NodeDescriptor) (*domain.ExecutorDescriptor, bool, error)
}
