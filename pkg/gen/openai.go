package gen

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/packages/ssestream"
)

const (
	oaiFinishStop          = "stop"
	oaiFinishToolCalls     = "tool_calls"
	oaiFinishLength        = "length"
	oaiFinishContentFilter = "content_filter"
)

// OpenAIDriver streams chat completions from an OpenAI-compatible
// endpoint.
type OpenAIDriver struct {
	Client *openai.Client
	// Model is the upstream model id. When empty, the model segment of
	// the registered name is used.
	Model string
}

var _ Driver = (*OpenAIDriver)(nil)

// Stream implements Driver.
func (d *OpenAIDriver) Stream(ctx context.Context, req *Request) (Stream, error) {
	params, err := d.completionParams(req)
	if err != nil {
		return nil, err
	}
	b := NewStreamBuilder(32)
	go func() {
		p := &oaiPuller{}
		if err := p.pull(b, d.Client.Chat.Completions.NewStreaming(ctx, params)); err != nil {
			if ctx.Err() != nil {
				err = ctx.Err()
			}
			b.Abort(err)
		}
	}()
	return b.Stream(), nil
}

func (d *OpenAIDriver) completionParams(req *Request) (openai.ChatCompletionNewParams, error) {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.System != "" {
		msgs = append(msgs, openai.SystemMessage(req.System))
	}
	for i := range req.Messages {
		m, err := oaiConvMessage(&req.Messages[i])
		if err != nil {
			return openai.ChatCompletionNewParams{}, err
		}
		msgs = append(msgs, m)
	}

	model := d.Model
	if model == "" {
		model = modelSegment(req.Model)
	}
	params := openai.ChatCompletionNewParams{
		Messages: msgs,
		Model:    model,
	}
	for _, t := range req.Tools {
		params.Tools = append(params.Tools, openai.ChatCompletionToolParam{
			Function: openai.FunctionDefinitionParam{
				Name:        t.Name,
				Description: param.NewOpt(t.Description),
				Parameters:  oaiConvSchema(t.Schema),
			},
		})
	}
	if p := req.Params; p != nil {
		if p.MaxTokens > 0 {
			params.MaxCompletionTokens = param.NewOpt(int64(p.MaxTokens))
		}
		if p.Temperature > 0 {
			params.Temperature = param.NewOpt(float64(p.Temperature))
		}
		if p.TopP > 0 {
			params.TopP = param.NewOpt(float64(p.TopP))
		}
	}
	return params, nil
}

func oaiConvMessage(m *Message) (openai.ChatCompletionMessageParamUnion, error) {
	switch m.Role {
	case RoleUser:
		return openai.UserMessage(m.Content), nil
	case RoleAssistant:
		if len(m.ToolCalls) > 0 {
			calls := make([]openai.ChatCompletionMessageToolCallParam, 0, len(m.ToolCalls))
			for _, c := range m.ToolCalls {
				calls = append(calls, openai.ChatCompletionMessageToolCallParam{
					ID: c.ID,
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      c.Name,
						Arguments: c.Arguments,
					},
				})
			}
			return openai.ChatCompletionMessageParamUnion{
				OfAssistant: &openai.ChatCompletionAssistantMessageParam{ToolCalls: calls},
			}, nil
		}
		return openai.AssistantMessage(m.Content), nil
	case RoleTool:
		return openai.ToolMessage(m.Content, m.ToolCallID), nil
	case RoleSystem:
		return openai.SystemMessage(m.Content), nil
	}
	return openai.ChatCompletionMessageParamUnion{}, fmt.Errorf("gen: unknown role %q", m.Role)
}

// oaiPuller drains the SSE stream, accumulating tool-call deltas until
// a call is complete.
type oaiPuller struct {
	runningTool *openai.ChatCompletionChunkChoiceDeltaToolCall
}

func (p *oaiPuller) commitTool(b *StreamBuilder) error {
	if p.runningTool == nil {
		return nil
	}
	defer func() { p.runningTool = nil }()
	return b.Add(&Chunk{ToolCall: &ToolCall{
		ID:        p.runningTool.ID,
		Name:      p.runningTool.Function.Name,
		Arguments: p.runningTool.Function.Arguments,
	}})
}

func (p *oaiPuller) pull(b *StreamBuilder, stream *ssestream.Stream[openai.ChatCompletionChunk]) error {
	defer stream.Close()

	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		sel := &chunk.Choices[0]

		if s := sel.Delta.Content; s != "" {
			if err := b.Add(&Chunk{Text: s}); err != nil {
				return err
			}
		}
		for _, t := range sel.Delta.ToolCalls {
			switch {
			case p.runningTool == nil:
				if t.ID != "" {
					tc := t
					p.runningTool = &tc
				}
			case t.ID == "" || t.ID == p.runningTool.ID:
				p.runningTool.Function.Name += t.Function.Name
				p.runningTool.Function.Arguments += t.Function.Arguments
			default:
				if err := p.commitTool(b); err != nil {
					return err
				}
				tc := t
				p.runningTool = &tc
			}
		}

		switch sel.FinishReason {
		case oaiFinishToolCalls:
			if err := p.commitTool(b); err != nil {
				return err
			}
			return b.Done(oaiConvUsage(&chunk.Usage))
		case oaiFinishStop:
			return b.Done(oaiConvUsage(&chunk.Usage))
		case oaiFinishLength:
			return b.Truncated(oaiConvUsage(&chunk.Usage))
		case oaiFinishContentFilter:
			return b.Blocked(oaiConvUsage(&chunk.Usage), sel.Delta.Refusal)
		}
		if s := sel.Delta.Refusal; s != "" {
			return b.Blocked(oaiConvUsage(&chunk.Usage), s)
		}
	}
	return stream.Err()
}

func oaiConvSchema(s *jsonschema.Schema) openai.FunctionParameters {
	if s == nil {
		return nil
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return nil
	}
	var m openai.FunctionParameters
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}

func oaiConvUsage(u *openai.CompletionUsage) Usage {
	return Usage{
		PromptTokenCount:    u.PromptTokens,
		GeneratedTokenCount: u.CompletionTokens,
	}
}
