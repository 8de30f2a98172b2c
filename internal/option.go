package internal

import (
	"io"

	"github.com/cloudwego/eino/components/model"
)

// Option is a functional option for configuring the application.
type Option func(*application)

type application struct {
	config *Config
	model  model.BaseChatModel
	stdout io.Writer
}

// WithConfig sets the application configuration.
func WithConfig(cfg *Config) Option {
	return func(a *application) {
		a.config = cfg
	}
}

// WithChatModel overrides the model built from the llm config section.
func WithChatModel(m model.BaseChatModel) Option {
	return func(a *application) {
		a.model = m
	}
}

// WithLogOutput redirects the JSON log stream. The MCP command uses it to
// keep stdout free for the protocol.
func WithLogOutput(w io.Writer) Option {
	return func(a *application) {
		a.stdout = w
	}
}
