package gen

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
	"google.golang.org/genai"
)

// GeminiDriver streams responses from the Gemini API.
type GeminiDriver struct {
	Client *genai.Client
	// Model is the upstream model id, without a "models/" prefix. When
	// empty, the model segment of the registered name is used.
	Model string
}

var _ Driver = (*GeminiDriver)(nil)

// Stream implements Driver.
func (d *GeminiDriver) Stream(ctx context.Context, req *Request) (Stream, error) {
	cfg, contents, err := d.convRequest(req)
	if err != nil {
		return nil, err
	}
	model := d.Model
	if model == "" {
		model = modelSegment(req.Model)
	}
	b := NewStreamBuilder(32)
	go func() {
		if err := geminiPull(b, d.Client.Models.GenerateContentStream(ctx, model, contents, cfg)); err != nil {
			if ctx.Err() != nil {
				err = ctx.Err()
			}
			b.Abort(err)
		}
	}()
	return b.Stream(), nil
}

func (d *GeminiDriver) convRequest(req *Request) (*genai.GenerateContentConfig, []*genai.Content, error) {
	cfg := &genai.GenerateContentConfig{}
	if req.System != "" {
		cfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{genai.NewPartFromText(req.System)},
		}
	}
	if p := req.Params; p != nil {
		cfg.MaxOutputTokens = int32(p.MaxTokens)
		if p.Temperature > 0 {
			t := p.Temperature
			cfg.Temperature = &t
		}
		if p.TopP > 0 {
			tp := p.TopP
			cfg.TopP = &tp
		}
	}
	for _, t := range req.Tools {
		cfg.Tools = append(cfg.Tools, &genai.Tool{
			FunctionDeclarations: []*genai.FunctionDeclaration{{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  geminiConvSchema(t.Schema),
			}},
		})
	}

	var contents []*genai.Content
	for i := range req.Messages {
		c, err := geminiConvMessage(&req.Messages[i])
		if err != nil {
			return nil, nil, err
		}
		// Gemini requires alternating roles; merge consecutive turns
		// with the same role.
		if n := len(contents); n > 0 && contents[n-1].Role == c.Role {
			contents[n-1].Parts = append(contents[n-1].Parts, c.Parts...)
			continue
		}
		contents = append(contents, c)
	}
	if len(contents) == 0 {
		return nil, nil, errors.New("gen: empty dialogue")
	}
	return cfg, contents, nil
}

func geminiConvMessage(m *Message) (*genai.Content, error) {
	switch m.Role {
	case RoleUser, RoleSystem:
		return &genai.Content{
			Role:  "user",
			Parts: []*genai.Part{genai.NewPartFromText(m.Content)},
		}, nil
	case RoleAssistant:
		if len(m.ToolCalls) > 0 {
			parts := make([]*genai.Part, 0, len(m.ToolCalls))
			for _, c := range m.ToolCalls {
				var args map[string]any
				if err := json.Unmarshal([]byte(c.Arguments), &args); err != nil {
					args = map[string]any{"text": c.Arguments}
				}
				parts = append(parts, genai.NewPartFromFunctionCall(c.Name, args))
			}
			return &genai.Content{Role: "model", Parts: parts}, nil
		}
		return &genai.Content{
			Role:  "model",
			Parts: []*genai.Part{genai.NewPartFromText(m.Content)},
		}, nil
	case RoleTool:
		var result map[string]any
		if err := json.Unmarshal([]byte(m.Content), &result); err != nil {
			result = map[string]any{"text": m.Content}
		}
		return &genai.Content{
			Role:  "user",
			Parts: []*genai.Part{genai.NewPartFromFunctionResponse(m.ToolCallID, result)},
		}, nil
	}
	return nil, fmt.Errorf("gen: unknown role %q", m.Role)
}

func geminiPull(b *StreamBuilder, itr iter.Seq2[*genai.GenerateContentResponse, error]) error {
	for chunk, err := range itr {
		if err != nil {
			return err
		}
		if len(chunk.Candidates) == 0 {
			continue
		}
		sel := chunk.Candidates[0]
		if sel.Content != nil {
			for _, p := range sel.Content.Parts {
				switch {
				case p.Text != "":
					if err := b.Add(&Chunk{Text: p.Text}); err != nil {
						return err
					}
				case p.FunctionCall != nil:
					args, _ := json.Marshal(p.FunctionCall.Args)
					if err := b.Add(&Chunk{ToolCall: &ToolCall{
						ID:        p.FunctionCall.Name,
						Name:      p.FunctionCall.Name,
						Arguments: string(args),
					}}); err != nil {
						return err
					}
				}
			}
		}

		switch sel.FinishReason {
		case genai.FinishReasonUnspecified, "":
			// mid-stream
		case genai.FinishReasonStop:
			return b.Done(geminiConvUsage(chunk.UsageMetadata))
		case genai.FinishReasonMaxTokens:
			return b.Truncated(geminiConvUsage(chunk.UsageMetadata))
		case genai.FinishReasonSafety:
			var cats []string
			for _, sr := range sel.SafetyRatings {
				if sr.Blocked {
					cats = append(cats, string(sr.Category))
				}
			}
			return b.Blocked(geminiConvUsage(chunk.UsageMetadata), "blocked by "+strings.Join(cats, ", "))
		default:
			return b.Fail(geminiConvUsage(chunk.UsageMetadata),
				fmt.Errorf("unexpected finish reason: %s", sel.FinishReason))
		}
	}
	return errors.New("gen: stream ended without finish reason")
}

func geminiConvSchema(schema *jsonschema.Schema) *genai.Schema {
	if schema == nil {
		return nil
	}
	gs := &genai.Schema{
		Format:      schema.Format,
		Description: schema.Description,
		Items:       geminiConvSchema(schema.Items),
		Required:    schema.Required,
	}
	for _, v := range schema.Enum {
		gs.Enum = append(gs.Enum, fmt.Sprintf("%v", v))
	}
	if n := len(schema.Properties); n > 0 {
		gs.Properties = make(map[string]*genai.Schema, n)
		for k, prop := range schema.Properties {
			gs.Properties[k] = geminiConvSchema(prop)
		}
	}
	switch schema.Type {
	case "object":
		gs.Type = genai.TypeObject
	case "array":
		gs.Type = genai.TypeArray
	case "string":
		gs.Type = genai.TypeString
	case "number":
		gs.Type = genai.TypeNumber
	case "integer":
		gs.Type = genai.TypeInteger
	case "boolean":
		gs.Type = genai.TypeBoolean
	}
	return gs
}

func geminiConvUsage(u *genai.GenerateContentResponseUsageMetadata) Usage {
	if u == nil {
		return Usage{}
	}
	return Usage{
		PromptTokenCount:    int64(u.PromptTokenCount),
		GeneratedTokenCount: int64(u.CandidatesTokenCount),
	}
}
