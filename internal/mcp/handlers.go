package mcp

import (
	"context"
	"encoding/json"

	"github.com/jpicklyk/task-orchestrator/internal/orchestrator"
	"github.com/jpicklyk/task-orchestrator/internal/taskerr"
)

// Register binds every orchestrator operation to its tool declaration.
func Register(s *Server, ops *orchestrator.Orchestrator) {
	s.RegisterTool(ToolManageItems, handle(ops.ManageItems))
	s.RegisterTool(ToolQueryItems, handle(ops.QueryItems))
	s.RegisterTool(ToolCreateWorkTree, handle(ops.CreateWorkTree))
	s.RegisterTool(ToolCompleteTree, handle(ops.CompleteTree))
	s.RegisterTool(ToolManageNotes, handle(ops.ManageNotes))
	s.RegisterTool(ToolQueryNotes, handle(ops.QueryNotes))
	s.RegisterTool(ToolManageDependencies, handle(ops.ManageDependencies))
	s.RegisterTool(ToolQueryDependencies, handle(ops.QueryDependencies))
	s.RegisterTool(ToolAdvanceItem, handle(ops.AdvanceItem))
	s.RegisterTool(ToolGetNextStatus, handle(ops.GetNextStatus))
	s.RegisterTool(ToolGetContext, handle(ops.GetContext))
	s.RegisterTool(ToolGetNextItem, handle(ops.GetNextItem))
	s.RegisterTool(ToolGetBlockedItems, handle(ops.GetBlockedItems))
}

// handle adapts one typed operation into a ToolHandler: decode the raw
// arguments into the operation's request struct, run it, and wrap the
// outcome as a structured tool result.
func handle[T any](op func(context.Context, T) (*orchestrator.Outcome, error)) ToolHandler {
	return func(ctx context.Context, args json.RawMessage) (*ToolCallResult, error) {
		var req T
		if len(args) > 0 {
			if err := json.Unmarshal(args, &req); err != nil {
				return nil, taskerr.Validation("invalid arguments: %v", err)
			}
		}
		out, err := op(ctx, req)
		if err != nil {
			return nil, err
		}
		return StructuredResult(out.Message, out.Data), nil
	}
}
