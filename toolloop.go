package conduit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// defaultMaxToolHops caps the tool loop when Options.MaxToolHops is unset.
const defaultMaxToolHops = 5

// maxParallelDispatch caps concurrent tool executions within one hop.
const maxParallelDispatch = 10

// runToolLoop drives the generate-execute cycle: while the model keeps
// requesting tool calls, execute them, feed the results back, and generate
// again. Terminates on a plain assistant reply or when the hop cap is hit.
func (c *Client) runToolLoop(ctx context.Context, req *GenerationRequest) (*GenerationResponse, error) {
	logger := c.requestLogger(req.Options)
	var span Span
	if tracer := c.requestTracer(req.Options); tracer != nil {
		ctx, span = tracer.Start(ctx, "conduit.tool_loop",
			StringAttr("model", req.Params.Model))
		defer span.End()
	}
	maxHops := req.Options.MaxToolHops
	if maxHops <= 0 {
		maxHops = defaultMaxToolHops
	}
	msgs := req.Messages
	for hop := 0; hop < maxHops; hop++ {
		hopReq := *req
		hopReq.Messages = msgs
		resp, err := c.generateOnce(ctx, &hopReq)
		if err != nil {
			return nil, c.fail(span, err)
		}
		// generateOnce may have materialized a conversation; keep it so the
		// next hop extends the same session.
		req.Options.Conversation = hopReq.Options.Conversation
		if resp.Metadata.StopReason != StopReasonToolCalls || len(resp.Message.ToolCalls) == 0 {
			if span != nil {
				span.SetAttr(IntAttr("hops", hop+1))
			}
			return resp, nil
		}
		logger.Debug("executing tool calls",
			"hop", hop+1, "count", len(resp.Message.ToolCalls))
		results := c.dispatchTools(ctx, req.Options, resp.Message.ToolCalls)
		msgs = append(msgs, resp.Message)
		msgs = append(msgs, results...)
	}
	err := E(KindToolLoopExhausted, "tool loop did not terminate within %d hops", maxHops)
	return nil, c.fail(span, err)
}

// dispatchTools executes every tool call of one assistant turn and returns
// the tool messages in the order of the original calls. Concurrency-safe
// tools run in parallel when the options allow it; everything else runs
// serially.
func (c *Client) dispatchTools(ctx context.Context, opts Options, calls []ToolCall) []Message {
	results := make([]Message, len(calls))
	var parallel []int
	var serial []int
	for i, call := range calls {
		tool, ok := opts.Tools.Get(call.Name)
		if !ok {
			results[i] = NewToolMessage(call.ID, call.Name,
				fmt.Sprintf("error: tool %q is not registered", call.Name))
			continue
		}
		if opts.ParallelToolCalls && tool.Definition().ConcurrencySafe {
			parallel = append(parallel, i)
		} else {
			serial = append(serial, i)
		}
	}

	if len(parallel) > 0 {
		sem := make(chan struct{}, maxParallelDispatch)
		var wg sync.WaitGroup
		for _, i := range parallel {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				sem <- struct{}{}
				defer func() { <-sem }()
				results[i] = c.executeTool(ctx, opts, calls[i])
			}(i)
		}
		wg.Wait()
	}
	for _, i := range serial {
		results[i] = c.executeTool(ctx, opts, calls[i])
	}
	return results
}

// executeTool runs one tool call under its timeout, converting panics and
// errors into error-payload tool messages so the loop always progresses.
func (c *Client) executeTool(ctx context.Context, opts Options, call ToolCall) (msg Message) {
	tool, _ := opts.Tools.Get(call.Name)
	timeout := opts.Tools.timeoutFor(tool)
	toolCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			msg = NewToolMessage(call.ID, call.Name, fmt.Sprintf("error: tool panicked: %v", r))
		}
	}()
	var tracer Tracer
	if tracer = c.requestTracer(opts); tracer != nil {
		var span Span
		toolCtx, span = tracer.Start(toolCtx, "conduit.tool",
			StringAttr("tool", call.Name))
		defer span.End()
	}
	start := time.Now()
	out, err := tool.Execute(toolCtx, call.Arguments)
	if err != nil {
		c.requestLogger(opts).Warn("tool execution failed",
			"tool", call.Name, "error", err, "duration", time.Since(start))
		return NewToolMessage(call.ID, call.Name, "error: "+err.Error())
	}
	return NewToolMessage(call.ID, call.Name, out)
}
