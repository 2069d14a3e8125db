package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ritmohq/ritmo/pkg/events"
	"github.com/ritmohq/ritmo/pkg/models"
	"github.com/ritmohq/ritmo/pkg/otelhelper"
	"github.com/ritmohq/ritmo/pkg/template"
)

// walker performs one depth-first pass over a workflow graph for one run.
// Nodes already logged as succeeded are skipped but still routed through, so
// the same pass code serves fresh runs, resumes and crash recovery. All run
// mutation goes through the mutex because parallel branches share the run.
type walker struct {
	engine   *Engine
	workflow *models.Workflow
	run      *models.Run

	mu sync.Mutex
}

func newWalker(engine *Engine, workflow *models.Workflow, run *models.Run) *walker {
	return &walker{engine: engine, workflow: workflow, run: run}
}

func (w *walker) walk(ctx context.Context) error {
	env := template.Env(w.run.Env)

	for _, root := range w.roots() {
		if err := w.executeFrom(ctx, root.NodeID, env, map[string]bool{}); err != nil {
			return err
		}
	}

	return nil
}

// roots returns the trigger nodes to walk from. When the run carries a
// trigger binding, only the trigger node bound to it starts a path; the
// remaining trigger nodes are marked skipped.
func (w *walker) roots() []*models.Node {
	triggers := w.workflow.TriggerNodes()
	if w.run.TriggerID == "" || len(triggers) <= 1 {
		return triggers
	}

	matched := make([]*models.Node, 0, 1)

	for _, node := range triggers {
		cfg, err := node.DecodeConfig()
		if err != nil {
			continue
		}

		binding := cfg.(*models.TriggerConfig)
		if binding.TriggerID == w.run.TriggerID {
			matched = append(matched, node)

			continue
		}

		if binding.TriggerID != "" {
			entry := w.run.Log(node.NodeID)
			if entry.Status == models.NodeLogPending {
				entry.Status = models.NodeLogSkipped
			}
		}
	}

	if len(matched) == 0 {
		return triggers
	}

	return matched
}

// executeFrom runs the node and then every successor reachable from it, in
// connection executionOrder. path tracks the current DFS chain as a defense
// against definition cycles that slipped past validation.
func (w *walker) executeFrom(ctx context.Context, nodeID string, env template.Env, path map[string]bool) error {
	if path[nodeID] {
		return fmt.Errorf("%w: node %s revisited", errRuntimeCycle, nodeID)
	}

	node := w.workflow.NodeByID(nodeID)
	if node == nil {
		return fmt.Errorf("connection references unknown node %s", nodeID)
	}

	path[nodeID] = true
	defer delete(path, nodeID)

	if err := w.executeNode(ctx, node, env, path); err != nil {
		return err
	}

	return w.routeSuccessors(ctx, node, env, path)
}

// executeNode dispatches one node, honoring the idempotent skip for nodes
// that already succeeded in this run.
func (w *walker) executeNode(ctx context.Context, node *models.Node, env template.Env, path map[string]bool) error {
	if w.succeeded(node.NodeID) {
		return nil
	}

	if w.engine.tracer != nil {
		var span trace.Span

		ctx, span = otelhelper.StartSpan(ctx, w.engine.tracer, "workflow.node",
			attribute.String(otelhelper.RunIDKey, w.run.ID),
			attribute.String(otelhelper.NodeIDKey, node.NodeID),
			attribute.String(otelhelper.NodeTypeKey, string(node.Type)),
		)
		defer span.End()
	}

	started := time.Now().UTC()

	w.mu.Lock()
	entry := w.run.Log(node.NodeID)
	entry.Status = models.NodeLogRunning
	entry.StartedAt = &started
	w.mu.Unlock()

	var (
		output any
		err    error
	)

	switch node.Type {
	case models.NodeTypeTrigger:
		output = w.run.TriggerPayload
	case models.NodeTypeCondition:
		output, err = w.executeCondition(node, env)
	case models.NodeTypeLoop:
		output, err = w.executeLoop(ctx, node, env)
	case models.NodeTypeParallel:
		output, err = w.executeParallel(ctx, node, env, path)
	case models.NodeTypeDelay:
		err = w.suspendForDelay(ctx, node, env)
	case models.NodeTypeApproval:
		err = w.suspendForApproval(ctx, node, env)
	default:
		output, err = w.executeWithRetry(ctx, node, env)
	}

	if err != nil {
		if _, suspended := asSuspend(err); suspended {
			return err
		}

		return w.finishFailed(ctx, node, err)
	}

	return w.finishSucceeded(ctx, node, env, output, started)
}

// executeWithRetry runs a leaf effect node, retrying up to the node's
// retryLimit. Control-flow and suspension nodes never retry.
func (w *walker) executeWithRetry(ctx context.Context, node *models.Node, env template.Env) (any, error) {
	attempts := node.RetryLimit + 1

	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		w.mu.Lock()
		w.run.Log(node.NodeID).Attempts = attempt
		w.mu.Unlock()

		output, err := w.engine.executeLeaf(ctx, node, env)
		if err == nil {
			return output, nil
		}

		lastErr = err

		w.engine.logger.Warn("Node attempt failed",
			"run_id", w.run.ID, "node_id", node.NodeID, "attempt", attempt, "error", err)

		w.engine.publish(ctx, w.workflow.ID, events.NodeFailed{
			BaseEvent: w.engine.baseEvent(events.NodeFailedEvent, w.workflow.ID),
			RunID:     w.run.ID,
			NodeID:    node.NodeID,
			Error:     err.Error(),
			Attempt:   attempt,
		})
	}

	return nil, lastErr
}

func (w *walker) finishSucceeded(ctx context.Context, node *models.Node, env template.Env, output any, started time.Time) error {
	completed := time.Now().UTC()

	w.mu.Lock()
	entry := w.run.Log(node.NodeID)
	entry.Status = models.NodeLogSucceeded
	entry.Output = output
	entry.CompletedAt = &completed

	if output != nil {
		w.nodeOutputs(env)[node.NodeID] = output
	}

	w.run.UpdatedAt = completed
	saveErr := w.engine.persistence.SaveRun(ctx, w.run)
	w.mu.Unlock()

	if saveErr != nil {
		return fmt.Errorf("failed to persist run after node %s: %w", node.NodeID, saveErr)
	}

	w.engine.publish(ctx, w.workflow.ID, events.NodeFinished{
		BaseEvent:  w.engine.baseEvent(events.NodeFinishedEvent, w.workflow.ID),
		RunID:      w.run.ID,
		NodeID:     node.NodeID,
		Status:     string(models.NodeLogSucceeded),
		DurationMs: completed.Sub(started).Milliseconds(),
		Output:     output,
	})

	return nil
}

// finishFailed records the failure. Optional nodes degrade to a warning and
// the walk continues; required nodes fail the run.
func (w *walker) finishFailed(ctx context.Context, node *models.Node, cause error) error {
	completed := time.Now().UTC()

	w.mu.Lock()
	entry := w.run.Log(node.NodeID)
	entry.Status = models.NodeLogFailed
	entry.Error = cause.Error()
	entry.CompletedAt = &completed

	if node.IsOptional {
		warning := fmt.Sprintf("optional node %s failed: %v", node.NodeID, cause)
		entry.Warnings = append(entry.Warnings, warning)
		w.run.Warnings = append(w.run.Warnings, warning)
	}

	w.run.UpdatedAt = completed
	saveErr := w.engine.persistence.SaveRun(ctx, w.run)
	w.mu.Unlock()

	if saveErr != nil {
		return fmt.Errorf("failed to persist run after node %s: %w", node.NodeID, saveErr)
	}

	if node.IsOptional {
		w.engine.logger.Warn("Optional node failed, continuing",
			"run_id", w.run.ID, "node_id", node.NodeID, "error", cause)

		return nil
	}

	return &NodeError{NodeID: node.NodeID, Err: cause}
}

// routeSuccessors decides which edges leave a node and walks each target.
// Condition nodes route exclusively through their branch fields; every other
// node follows its outgoing connections in executionOrder, honoring edge
// guards. Edges pointing at subgraph roots owned by the node's config (loop
// bodies, parallel branches) are not followed again.
func (w *walker) routeSuccessors(ctx context.Context, node *models.Node, env template.Env, path map[string]bool) error {
	if node.Type == models.NodeTypeCondition {
		target := w.conditionTarget(node)
		if target == "" {
			return nil
		}

		return w.executeFrom(ctx, target, env, path)
	}

	owned := make(map[string]bool)

	if cfg, err := node.DecodeConfig(); err == nil {
		for _, target := range cfg.BranchTargets() {
			owned[target] = true
		}
	}

	for _, connection := range w.outgoing(node.NodeID) {
		if owned[connection.TargetNodeID] {
			continue
		}

		taken, err := w.guardHolds(connection, env)
		if err != nil {
			return &NodeError{NodeID: node.NodeID, Err: fmt.Errorf("edge to %s: %w", connection.TargetNodeID, err)}
		}

		if !taken {
			continue
		}

		if err := w.executeFrom(ctx, connection.TargetNodeID, env, path); err != nil {
			return err
		}
	}

	return nil
}

func (w *walker) outgoing(nodeID string) []*models.Connection {
	edges := make([]*models.Connection, 0)

	for _, connection := range w.workflow.Connections {
		if connection.SourceNodeID == nodeID {
			edges = append(edges, connection)
		}
	}

	sort.SliceStable(edges, func(i, j int) bool {
		return edges[i].ExecutionOrder < edges[j].ExecutionOrder
	})

	return edges
}

func (w *walker) guardHolds(connection *models.Connection, env template.Env) (bool, error) {
	if connection.Language == "expr" && connection.Expression != "" {
		return EvaluateExpression(connection.Expression, env)
	}

	if len(connection.Conditions) == 0 {
		return true, nil
	}

	return EvaluateClauses(connection.Conditions, models.LogicalAnd, env)
}

// conditionTarget reads the branch chosen when the condition node executed,
// from its recorded output. This also serves re-walks after a resume: the
// recorded result routes the same way without re-evaluating.
func (w *walker) conditionTarget(node *models.Node) string {
	cfg := node.MustConfig().(*models.ConditionConfig)

	w.mu.Lock()
	entry := w.run.NodeLogs[node.NodeID]
	w.mu.Unlock()

	if entry == nil {
		return ""
	}

	if result, ok := entry.Output.(map[string]any); ok {
		if held, ok := result["result"].(bool); ok {
			if held {
				return cfg.TrueBranch
			}

			return cfg.FalseBranch
		}
	}

	return ""
}

func (w *walker) executeCondition(node *models.Node, env template.Env) (any, error) {
	cfg := node.MustConfig().(*models.ConditionConfig)

	var (
		held bool
		err  error
	)

	if cfg.Language == "expr" && cfg.Expression != "" {
		held, err = EvaluateExpression(cfg.Expression, env)
	} else {
		held, err = EvaluateClauses(cfg.Conditions, cfg.LogicalOperator, env)
	}

	if err != nil {
		return nil, err
	}

	return map[string]any{"result": held}, nil
}

// executeLoop iterates the resolved collection, running the body subgraph
// once per element. Progress is checkpointed in the loop's own log entry so
// a suspension inside the body resumes at the interrupted iteration instead
// of restarting the collection.
func (w *walker) executeLoop(ctx context.Context, node *models.Node, env template.Env) (any, error) {
	cfg := node.MustConfig().(*models.LoopConfig)

	items, err := w.resolveLoopItems(cfg, env)
	if err != nil {
		return nil, err
	}

	itemVar := cfg.ItemVariable
	if itemVar == "" {
		itemVar = "item"
	}

	indexVar := cfg.IndexVariable
	if indexVar == "" {
		indexVar = "index"
	}

	var warnings []string

	if cfg.MaxIterations > 0 && len(items) > cfg.MaxIterations {
		warning := fmt.Sprintf("loop %s truncated from %d to %d iterations", node.NodeID, len(items), cfg.MaxIterations)
		warnings = append(warnings, warning)

		w.mu.Lock()
		w.run.Warnings = append(w.run.Warnings, warning)
		w.run.Log(node.NodeID).Warnings = append(w.run.Log(node.NodeID).Warnings, warning)
		w.mu.Unlock()

		items = items[:cfg.MaxIterations]
	}

	completed, results := w.loopProgress(node.NodeID)

	for i := completed; i < len(items); i++ {
		env.Set(itemVar, items[i])
		env.Set(indexVar, i)

		if cfg.LoopBodyNodeID != "" {
			if err := w.executeFrom(ctx, cfg.LoopBodyNodeID, env, map[string]bool{}); err != nil {
				return nil, err
			}
		}

		results = append(results, env[itemVar])

		w.mu.Lock()
		w.run.Log(node.NodeID).Output = loopOutput(i+1, results, warnings)
		w.resetSubgraphLogs(cfg.LoopBodyNodeID)
		saveErr := w.engine.persistence.SaveRun(ctx, w.run)
		w.mu.Unlock()

		if saveErr != nil {
			return nil, fmt.Errorf("failed to checkpoint loop %s: %w", node.NodeID, saveErr)
		}
	}

	delete(env, itemVar)
	delete(env, indexVar)

	if cfg.OutputVariable != "" {
		env.Set(cfg.OutputVariable, results)
	}

	return loopOutput(len(items), results, warnings), nil
}

func loopOutput(completed int, results []any, warnings []string) map[string]any {
	output := map[string]any{
		"completedIterations": completed,
		"results":             results,
	}

	if len(warnings) > 0 {
		output["warnings"] = warnings
	}

	return output
}

// loopProgress reads the checkpoint left by a prior pass over this loop.
func (w *walker) loopProgress(nodeID string) (int, []any) {
	w.mu.Lock()
	defer w.mu.Unlock()

	entry := w.run.NodeLogs[nodeID]
	if entry == nil {
		return 0, nil
	}

	output, ok := entry.Output.(map[string]any)
	if !ok {
		return 0, nil
	}

	completed := 0

	switch v := output["completedIterations"].(type) {
	case int:
		completed = v
	case float64:
		completed = int(v)
	}

	results, _ := output["results"].([]any)

	return completed, results
}

// resetSubgraphLogs clears the logs of every node reachable from root so
// the next loop iteration executes the body again instead of skipping it.
// Caller holds the mutex.
func (w *walker) resetSubgraphLogs(root string) {
	if root == "" {
		return
	}

	seen := make(map[string]bool)
	stack := []string{root}

	for len(stack) > 0 {
		nodeID := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if seen[nodeID] {
			continue
		}

		seen[nodeID] = true
		delete(w.run.NodeLogs, nodeID)

		node := w.workflow.NodeByID(nodeID)
		if node == nil {
			continue
		}

		if cfg, err := node.DecodeConfig(); err == nil {
			stack = append(stack, cfg.BranchTargets()...)
		}

		for _, connection := range w.outgoing(nodeID) {
			stack = append(stack, connection.TargetNodeID)
		}
	}
}

func (w *walker) resolveLoopItems(cfg *models.LoopConfig, env template.Env) ([]any, error) {
	var resolved any

	if template.HasExpressions(cfg.DataSource) {
		value, err := template.Value(cfg.DataSource, env)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve loop data source: %w", err)
		}

		resolved = value
	} else {
		value, ok := env.Lookup(cfg.DataSource)
		if !ok {
			return nil, fmt.Errorf("%w: loop data source %q", template.ErrUnresolved, cfg.DataSource)
		}

		resolved = value
	}

	items, ok := resolved.([]any)
	if !ok {
		return nil, fmt.Errorf("loop data source %q is %T, not a collection", cfg.DataSource, resolved)
	}

	return items, nil
}

// executeParallel fans the branch subgraphs out concurrently and rejoins
// before the walk proceeds. Each branch gets its own environment clone;
// branch-local bindings merge back after the join, later branches winning.
func (w *walker) executeParallel(ctx context.Context, node *models.Node, env template.Env, path map[string]bool) (any, error) {
	cfg := node.MustConfig().(*models.ParallelConfig)

	handling := cfg.FailureHandling
	if handling == "" {
		handling = models.FailureHandlingFailFast
	}

	branchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type branchResult struct {
		root string
		env  template.Env
		err  error
	}

	results := make([]branchResult, len(cfg.Branches))

	var wg sync.WaitGroup

	for i, root := range cfg.Branches {
		branchEnv := env.Clone()
		branchPath := clonePath(path)
		results[i] = branchResult{root: root, env: branchEnv}

		wg.Add(1)

		go func(i int, root string) {
			defer wg.Done()

			err := w.executeFrom(branchCtx, root, branchEnv, branchPath)
			results[i].err = err

			if err != nil && handling == models.FailureHandlingFailFast {
				if _, suspended := asSuspend(err); !suspended {
					cancel()
				}
			}
		}(i, root)
	}

	wg.Wait()

	// Suspension wins over failure: the whole run parks and the failed
	// branch is retried on the re-walk.
	for _, result := range results {
		if signal, ok := asSuspend(result.err); ok {
			return nil, signal
		}
	}

	var (
		failures []string
		firstErr error
	)

	for _, result := range results {
		if result.err == nil {
			continue
		}

		if errors.Is(result.err, context.Canceled) && firstErr != nil {
			continue
		}

		failures = append(failures, fmt.Sprintf("branch %s: %v", result.root, result.err))

		if firstErr == nil {
			firstErr = result.err
		}
	}

	if firstErr != nil && handling == models.FailureHandlingFailFast {
		return nil, firstErr
	}

	w.mu.Lock()
	for _, result := range results {
		if result.err != nil {
			continue
		}

		for key, value := range result.env {
			if key == envTriggerKey || key == envNodesKey {
				continue
			}

			env[key] = value
		}
	}

	if len(failures) > 0 {
		w.run.Warnings = append(w.run.Warnings, failures...)
	}
	w.mu.Unlock()

	return map[string]any{
		"branches":       len(cfg.Branches),
		"failedBranches": failures,
	}, nil
}

func clonePath(path map[string]bool) map[string]bool {
	clone := make(map[string]bool, len(path))
	for k, v := range path {
		clone[k] = v
	}

	return clone
}

// suspendForDelay parks the run until a fixed duration elapses or an
// absolute timestamp arrives. The wake is scheduled in the suspension store
// before the run record is updated, so a crash between the two leaves a
// wakeable token rather than a stranded run.
func (w *walker) suspendForDelay(ctx context.Context, node *models.Node, env template.Env) error {
	cfg := node.MustConfig().(*models.DelayConfig)

	var wakeAt time.Time

	switch {
	case cfg.DelayUntil != "":
		resolved, err := template.Render(cfg.DelayUntil, env)
		if err != nil {
			return fmt.Errorf("failed to resolve delayUntil: %w", err)
		}

		wakeAt, err = time.Parse(time.RFC3339, resolved)
		if err != nil {
			return fmt.Errorf("delayUntil %q is not an RFC 3339 timestamp: %w", resolved, err)
		}
	case cfg.DelayMs > 0:
		wakeAt = time.Now().UTC().Add(time.Duration(cfg.DelayMs) * time.Millisecond)
	default:
		return fmt.Errorf("delay node %s has neither delayMs nor delayUntil", node.NodeID)
	}

	// An already-past wake time is a no-op delay.
	if !wakeAt.After(time.Now().UTC()) {
		return nil
	}

	token := uuid.New().String()

	if err := w.engine.suspensions.Schedule(ctx, token, w.run.ID, wakeAt); err != nil {
		return fmt.Errorf("failed to schedule wake for node %s: %w", node.NodeID, err)
	}

	w.mu.Lock()
	w.run.Resumption = &models.Resumption{
		Token:    token,
		NodeID:   node.NodeID,
		ResumeAt: &wakeAt,
	}
	w.run.CursorNodeID = node.NodeID
	w.mu.Unlock()

	return &suspendSignal{nodeID: node.NodeID, token: token}
}

// suspendForApproval parks the run until one of the approvers decides. No
// wake time is stored; only an explicit decision releases the token.
func (w *walker) suspendForApproval(ctx context.Context, node *models.Node, env template.Env) error {
	cfg := node.MustConfig().(*models.ApprovalConfig)

	token := uuid.New().String()

	if err := w.engine.suspensions.Schedule(ctx, token, w.run.ID, time.Time{}); err != nil {
		return fmt.Errorf("failed to register approval for node %s: %w", node.NodeID, err)
	}

	message := cfg.Message
	if message != "" {
		resolved, err := template.Render(message, env)
		if err == nil {
			message = resolved
		}
	}

	w.mu.Lock()
	w.run.Resumption = &models.Resumption{
		Token:     token,
		NodeID:    node.NodeID,
		Approvers: cfg.Approvers,
	}
	w.run.CursorNodeID = node.NodeID

	entry := w.run.Log(node.NodeID)
	entry.Output = map[string]any{"message": message, "approvers": cfg.Approvers}
	w.mu.Unlock()

	return &suspendSignal{nodeID: node.NodeID, token: token}
}

func (w *walker) succeeded(nodeID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.run.Succeeded(nodeID)
}

// nodeOutputs returns the shared per-node output map. Caller holds the
// mutex. The map is shared across branch clones on purpose: node outputs are
// global to the run while top-level bindings are branch scoped.
func (w *walker) nodeOutputs(env template.Env) map[string]any {
	outputs, ok := env[envNodesKey].(map[string]any)
	if !ok {
		outputs = make(map[string]any)
		env[envNodesKey] = outputs
	}

	return outputs
}
