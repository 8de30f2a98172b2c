package toolexec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"
)

// EinoTool adapts an eino invokable tool into a chain handle. The input is
// passed as JSON arguments and the tool's string output is returned as is.
func EinoTool(t tool.InvokableTool) ChainHandle {
	return ChainFunc(func(ctx context.Context, input any) (any, error) {
		args, err := toolArgs(input)
		if err != nil {
			return nil, err
		}
		return t.InvokableRun(ctx, args)
	})
}

// ModelChain adapts a chat model into a chain handle: the input becomes the
// user message and the reply content is the result.
func ModelChain(m model.BaseChatModel, systemPrompt string) ChainHandle {
	return ChainFunc(func(ctx context.Context, input any) (any, error) {
		prompt, err := queryText(input)
		if err != nil {
			return nil, fmt.Errorf("encode prompt: %w", err)
		}
		messages := make([]*schema.Message, 0, 2)
		if systemPrompt != "" {
			messages = append(messages, schema.SystemMessage(systemPrompt))
		}
		messages = append(messages, schema.UserMessage(prompt))

		resp, err := m.Generate(ctx, messages)
		if err != nil {
			return nil, err
		}
		if resp == nil {
			return nil, errors.New("model returned no message")
		}
		return resp.Content, nil
	})
}

// EinoSearcher uses an eino tool taking {"query": string} as the web search
// backend for tools flagged requiresWebSearch.
type EinoSearcher struct {
	Tool tool.InvokableTool
}

// Search runs the wrapped tool with the query.
func (s EinoSearcher) Search(ctx context.Context, query string) (string, error) {
	args, err := json.Marshal(map[string]string{"query": query})
	if err != nil {
		return "", err
	}
	return s.Tool.InvokableRun(ctx, string(args))
}

// toolArgs passes JSON strings through and encodes anything else.
func toolArgs(input any) (string, error) {
	if s, ok := input.(string); ok && json.Valid([]byte(s)) {
		return s, nil
	}
	b, err := json.Marshal(input)
	if err != nil {
		return "", fmt.Errorf("encode tool arguments: %w", err)
	}
	return string(b), nil
}
