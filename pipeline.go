package conduit

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"
)

// providerTempRange returns the valid temperature range for a provider
// family.
func providerTempRange(provider string) (lo, hi float64) {
	switch provider {
	case "anthropic":
		return 0, 1
	default:
		return 0, 2
	}
}

// prepare resolves the model, validates parameters, folds in the system
// prompt and history, and returns the provider name. Mutates the request in
// place: after prepare, Params.Model is canonical.
func (c *Client) prepare(req *GenerationRequest) (string, error) {
	canonical, err := c.registry.Resolve(req.Params.Model)
	if err != nil {
		return "", err
	}
	req.Params.Model = canonical
	provider, err := c.registry.ProviderOf(canonical)
	if err != nil {
		return "", err
	}
	if t := req.Params.Temperature; t != nil {
		lo, hi := providerTempRange(provider)
		if *t < lo || *t > hi {
			return "", E(KindValidation, "temperature %g outside [%g, %g] for provider %s", *t, lo, hi, provider)
		}
	}
	if req.Options.IncludeHistory && req.Options.Conversation != nil {
		history := req.Options.Conversation.Messages()
		if len(history) > 0 {
			merged := make([]Message, 0, len(history)+len(req.Messages))
			merged = append(merged, history...)
			merged = append(merged, req.Messages...)
			req.Messages = merged
		}
	}
	if req.Params.System != "" && !hasSystemMessage(req.Messages) {
		req.Messages = append([]Message{NewSystemMessage(req.Params.System)}, req.Messages...)
	}
	if req.Params.NumCtx == 0 {
		if w := c.registry.ContextWindow(canonical); w > 0 && provider == "ollama" {
			req.Params.NumCtx = w
		}
	}
	return provider, req.Validate()
}

func hasSystemMessage(msgs []Message) bool {
	for _, m := range msgs {
		if m.Role() == RoleSystem {
			return true
		}
	}
	return false
}

// generateOnce runs the single-shot pipeline: prepare, cache probe,
// dispatch, post-process, persist.
func (c *Client) generateOnce(ctx context.Context, req *GenerationRequest) (*GenerationResponse, error) {
	logger := c.requestLogger(req.Options)
	var span Span
	if tracer := c.requestTracer(req.Options); tracer != nil {
		ctx, span = tracer.Start(ctx, "conduit.generate",
			StringAttr("model", req.Params.Model),
			IntAttr("messages", len(req.Messages)))
		defer span.End()
	}
	start := time.Now()

	provider, err := c.prepare(req)
	if err != nil {
		return nil, c.fail(span, err)
	}
	if span != nil {
		span.SetAttr(StringAttr("provider", provider))
	}

	var cacheKey string
	if req.Options.Cache != nil {
		cacheKey, err = CacheKey(req, provider)
		if err != nil {
			return nil, c.fail(span, err)
		}
		cached, err := req.Options.Cache.Get(ctx, cacheKey)
		if err != nil {
			// A broken cache degrades to a miss; the call still runs.
			logger.Warn("cache probe failed", "error", err)
		} else if cached != nil {
			cached.Metadata.CacheHit = true
			cached.Metadata.DurationMS = time.Since(start).Milliseconds()
			cached.Request = req
			if span != nil {
				span.SetAttr(BoolAttr("cache_hit", true))
			}
			logger.Debug("cache hit", "model", req.Params.Model, "key", cacheKey)
			c.record(cached, provider)
			if err := c.persist(ctx, req, cached, logger); err != nil {
				return nil, c.fail(span, err)
			}
			return cached, nil
		}
	}

	adapter, err := c.adapterFor(provider, req.Params.Model)
	if err != nil {
		return nil, c.fail(span, err)
	}
	if req.Options.DebugPayload {
		logger.Debug("dispatching request", "provider", provider, "request", describeRequest(req))
	}
	resp, err := adapter.Generate(ctx, req)
	if err != nil {
		return nil, c.fail(span, c.wrapRequestErr(err, req, start))
	}
	resp.Request = req
	resp.Metadata.DurationMS = time.Since(start).Milliseconds()

	resp, err = c.postProcess(ctx, adapter, req, resp, logger)
	if err != nil {
		return nil, c.fail(span, err)
	}

	c.record(resp, provider)

	if err := c.persist(ctx, req, resp, logger); err != nil {
		return nil, c.fail(span, err)
	}
	if req.Options.Cache != nil && cacheKey != "" {
		if err := req.Options.Cache.Set(ctx, cacheKey, resp); err != nil {
			logger.Warn("cache write failed", "error", err)
		}
	}
	if span != nil {
		span.SetAttr(
			IntAttr("input_tokens", resp.Metadata.InputTokens),
			IntAttr("output_tokens", resp.Metadata.OutputTokens),
			StringAttr("stop_reason", string(resp.Metadata.StopReason)))
	}
	return resp, nil
}

// postProcess validates structured output against the response model,
// re-asking once on mismatch, and extracts a parsed payload from plain text
// replies when the adapter did not populate one.
func (c *Client) postProcess(ctx context.Context, adapter Adapter, req *GenerationRequest, resp *GenerationResponse, logger *slog.Logger) (*GenerationResponse, error) {
	model := req.Params.ResponseModel
	if model == nil {
		return resp, nil
	}
	if err := c.validateParsed(model, resp); err == nil {
		return resp, nil
	} else if KindOf(err) != KindSchemaMismatch {
		return nil, err
	}
	logger.Warn("structured reply failed validation, re-asking once", "schema", model.Name)
	retry, rerr := adapter.Generate(ctx, req)
	if rerr != nil {
		return nil, rerr
	}
	retry.Request = req
	retry.Metadata.DurationMS = resp.Metadata.DurationMS
	if err := c.validateParsed(model, retry); err != nil {
		return nil, err
	}
	return retry, nil
}

// validateParsed ensures resp.Message.Parsed holds a schema-valid payload,
// deriving it from the content text when the adapter left it empty.
func (c *Client) validateParsed(model *ResponseModel, resp *GenerationResponse) error {
	if len(resp.Message.Parsed) == 0 {
		candidate := extractJSONText(resp.Message.Content)
		if candidate == "" {
			return E(KindSchemaMismatch, "reply carries no JSON payload for schema %s", model.Name)
		}
		resp.Message.Parsed = json.RawMessage(candidate)
	}
	if err := model.Validate(resp.Message.Parsed); err != nil {
		resp.Message.Parsed = nil
		return err
	}
	return nil
}

// extractJSONText pulls the first complete JSON object out of free text, so
// replies that wrap JSON in prose or code fences still parse.
func extractJSONText(text string) string {
	skip := 0
	ex, found := scanJSON(text, &skip)
	if !found {
		return ""
	}
	return ex.Consumed[len(ex.Prefix):]
}

// record pushes one odometer event for a normalized response.
func (c *Client) record(resp *GenerationResponse, provider string) {
	c.odometer.Record(UsageEvent{
		Provider:     provider,
		Model:        resp.Metadata.ModelSlug,
		InputTokens:  resp.Metadata.InputTokens,
		OutputTokens: resp.Metadata.OutputTokens,
		Timestamp:    NowMillis(),
		CacheHit:     resp.Metadata.CacheHit,
	})
}

// persist appends the new turns to the active conversation and saves the
// session. The initiating user message is always persisted, whether or not
// history was included in the prompt.
func (c *Client) persist(ctx context.Context, req *GenerationRequest, resp *GenerationResponse, logger *slog.Logger) error {
	if req.Options.Repository == nil {
		return nil
	}
	conv := req.Options.Conversation
	if conv == nil {
		conv = NewConversation()
		req.Options.Conversation = conv
	}
	for _, m := range newTurns(conv, req.Messages) {
		if err := conv.Add(m); err != nil {
			return err
		}
	}
	reply := resp.Message
	if s := conv.Session(); s != nil && s.Get(reply.MessageID) != nil {
		// A cached reply replayed into the session it came from; nothing new
		// to append.
		return req.Options.Repository.Save(ctx, s, "")
	}
	if reply.SessionID != "" && (conv.Session() == nil || reply.SessionID != conv.Session().ID()) {
		// A cached reply carries identity from its original session; give
		// the copy a fresh identity before grafting it here.
		clone := *reply
		clone.MessageMeta = newMeta()
		reply = &clone
		resp.Message = reply
	}
	if err := conv.Add(reply); err != nil {
		return err
	}
	if err := req.Options.Repository.Save(ctx, conv.Session(), ""); err != nil {
		return WrapErr(KindInternal, err, "persist session")
	}
	return nil
}

// newTurns returns the request messages not already present in the
// conversation view. System messages are excluded: the system prompt is a
// wire-level concern synthesized per request, and re-adding it to a populated
// conversation would violate the system-first rule.
func newTurns(conv *Conversation, msgs []Message) []Message {
	have := make(map[string]bool, conv.Len())
	for _, m := range conv.Messages() {
		have[m.Meta().MessageID] = true
	}
	var out []Message
	for _, m := range msgs {
		if m.Role() == RoleSystem {
			continue
		}
		if !have[m.Meta().MessageID] {
			out = append(out, m)
		}
	}
	return out
}

// wrapRequestErr attaches request context to an adapter error.
func (c *Client) wrapRequestErr(err error, req *GenerationRequest, start time.Time) error {
	var e *Error
	if errors.As(err, &e) {
		if e.Detail == nil {
			e.Detail = &ErrorDetail{}
		}
		if e.Detail.RequestParams == nil {
			e.Detail.RequestParams = map[string]any{
				"model":       req.Params.Model,
				"messages":    len(req.Messages),
				"duration_ms": time.Since(start).Milliseconds(),
			}
		}
		return e
	}
	return WrapErr(KindOf(err), err, "generate %s", describeRequest(req))
}

// fail records the error on the span before surfacing it.
func (c *Client) fail(span Span, err error) error {
	if span != nil {
		span.Error(err)
	}
	return err
}

// streamOnce runs the streaming variant: prepare and dispatch, then persist
// in the background once the stream completes. Streams bypass the cache.
func (c *Client) streamOnce(ctx context.Context, req *GenerationRequest) (*StreamHandle, error) {
	logger := c.requestLogger(req.Options)
	var span Span
	if tracer := c.requestTracer(req.Options); tracer != nil {
		ctx, span = tracer.Start(ctx, "conduit.stream",
			StringAttr("model", req.Params.Model))
	}
	provider, err := c.prepare(req)
	if err != nil {
		if span != nil {
			span.Error(err)
			span.End()
		}
		return nil, err
	}
	adapter, err := c.adapterFor(provider, req.Params.Model)
	if err != nil {
		if span != nil {
			span.Error(err)
			span.End()
		}
		return nil, err
	}
	inner, err := adapter.Stream(ctx, req)
	if err != nil {
		if span != nil {
			span.Error(err)
			span.End()
		}
		return nil, err
	}
	outer := NewStreamHandle(inner)
	go func() {
		for chunk := range inner.Chunks() {
			outer.Emit(chunk)
		}
		resp, err := inner.Response()
		if err == nil && resp != nil {
			resp.Request = req
			c.record(resp, provider)
			if perr := c.persist(ctx, req, resp, logger); perr != nil {
				logger.Warn("stream persistence failed", "error", perr)
			}
		}
		if span != nil {
			if err != nil {
				span.Error(err)
			}
			span.End()
		}
		outer.Finish(resp, err)
	}()
	return outer, nil
}
