package mesh

import (
	"context"
	"time"

	"github.com/agentmesh/mesh/internal/protocol"
)

// Kernel executes tasks this node accepts from the mesh. The manager
// handles contracts, deadlines, and result delivery; the kernel only
// does the work.
type Kernel interface {
	Execute(ctx context.Context, req protocol.TaskRequest) protocol.TaskResult
}

// KernelFunc adapts a function to the Kernel interface.
type KernelFunc func(ctx context.Context, req protocol.TaskRequest) protocol.TaskResult

func (f KernelFunc) Execute(ctx context.Context, req protocol.TaskRequest) protocol.TaskResult {
	return f(ctx, req)
}

// EchoKernel acknowledges tasks without doing real work. Used by the
// standalone daemon until an agent runtime is attached, and by tests.
type EchoKernel struct{}

func (EchoKernel) Execute(ctx context.Context, req protocol.TaskRequest) protocol.TaskResult {
	start := time.Now()
	select {
	case <-ctx.Done():
		return protocol.TaskResult{
			TaskID:     req.TaskID,
			Status:     protocol.TaskAborted,
			DurationMs: time.Since(start).Milliseconds(),
		}
	default:
	}
	return protocol.TaskResult{
		TaskID: req.TaskID,
		Status: protocol.TaskCompleted,
		Findings: []protocol.Finding{{
			Type:    "echo",
			Summary: req.TaskText,
		}},
		DurationMs: time.Since(start).Milliseconds(),
	}
}
