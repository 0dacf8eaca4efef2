package mcp

import (
	"context"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerPrompts() {
	// drive-run: walks an agent through advancing one subroutine.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("drive-run",
			mcplib.WithPromptDescription("Advance a subroutine of a run to its next branch point"),
			mcplib.WithArgument("run_id",
				mcplib.ArgumentDescription("The run to drive"),
				mcplib.RequiredArgument(),
			),
			mcplib.WithArgument("instance_id",
				mcplib.ArgumentDescription("The subroutine instance to advance"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleDriveRunPrompt,
	)

	// agent-setup: system prompt snippet explaining the keiro tools.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("agent-setup",
			mcplib.WithPromptDescription("System prompt snippet explaining how to work with keiro runs"),
		),
		s.handleAgentSetupPrompt,
	)
}

func (s *Server) handleDriveRunPrompt(_ context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	runID := request.Params.Arguments["run_id"]
	instanceID := request.Params.Arguments["instance_id"]
	if runID == "" || instanceID == "" {
		return nil, fmt.Errorf("run_id and instance_id arguments are required")
	}

	return &mcplib.GetPromptResult{
		Description: fmt.Sprintf("Advance instance %s of run %s", instanceID, runID),
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`Advance instance %[2]s of run %[1]s.

1. CALL keiro_get_run with run_id="%[1]s". Check the status of %[2]s:
   - waiting: a decision is deferred or inputs are missing. Resolve it first.
   - completed, failed or limit_exceeded: there is nothing to advance.

2. Look at recent_events for messages, signals, errors or escalations that
   change what should happen next.

3. CALL keiro_advance with instance_id="%[2]s", a decision_context naming the
   branch point, and the candidate node IDs as options.

4. If the result is deferred, decide, then CALL keiro_resolve with the
   reported decision_key and your choice, and advance again.`, runID, instanceID),
				},
			},
		},
	}, nil
}

func (s *Server) handleAgentSetupPrompt(_ context.Context, _ mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	return &mcplib.GetPromptResult{
		Description: "Working with keiro runs",
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: `You have access to keiro, a workflow execution core. A run holds one
subroutine context per instance. External systems deliver messages,
signals, errors and escalations into those contexts, and each subroutine
moves forward through branch points.

## Available Tools

- keiro_start_run: Start a run from catalog routines
- keiro_get_run: Read a run (do this before advancing it)
- keiro_deliver: Deliver a message, signal, error or escalation
- keiro_advance: Decide and execute the next node(s) of a subroutine
- keiro_resolve: Answer a deferred decision
- keiro_estimate: Estimate what a routine would cost
- keiro_check_limits: Check usage against resource limits
- keiro_strategy_metrics: See how execution strategies are performing
- keiro_event_types / keiro_validate_event: Inspect the event registry

## Limits

Every step runs under resource limits. Credits are checked first, then
elapsed time, then tool calls. A step that reaches a limit stops with
status limit_exceeded and the reason names the limit, e.g.
"Credit limit exceeded: 120 >= 100". Limits set on a run bound the whole
run: each advance splits what is left between the chosen nodes, and a run
whose budget is spent ends as run.limit_exceeded.`,
				},
			},
		},
	}, nil
}
