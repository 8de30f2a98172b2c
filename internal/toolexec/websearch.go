package toolexec

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"
)

// DefaultSearchParam is the query parameter that carries the search terms.
const DefaultSearchParam = "q"

// WebSearch is an eino tool backed by an HTTP search endpoint (a SearXNG
// instance, or any service answering GET <url>?q=<terms>). The response body
// is returned as text.
type WebSearch struct {
	URL        string
	QueryParam string
	Headers    map[string]string
	Client     *http.Client
}

var _ tool.InvokableTool = (*WebSearch)(nil)

// Info describes the tool to eino agents.
func (w *WebSearch) Info(context.Context) (*schema.ToolInfo, error) {
	return &schema.ToolInfo{
		Name: "web_search",
		Desc: "Search the web and return the raw results.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"query": {Type: schema.String, Desc: "search terms", Required: true},
		}),
	}, nil
}

// InvokableRun runs a search. args is {"query": "..."}; a bare JSON string
// is accepted as the query too.
func (w *WebSearch) InvokableRun(ctx context.Context, args string, _ ...tool.Option) (string, error) {
	query, err := searchQuery(args)
	if err != nil {
		return "", err
	}

	u, err := url.Parse(w.URL)
	if err != nil {
		return "", fmt.Errorf("web search: endpoint: %w", err)
	}
	param := w.QueryParam
	if param == "" {
		param = DefaultSearchParam
	}
	q := u.Query()
	q.Set(param, query)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", fmt.Errorf("web search: build request: %w", err)
	}
	for k, v := range w.Headers {
		req.Header.Set(k, v)
	}

	client := w.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("web search: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", fmt.Errorf("web search: read body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("web search: status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return string(raw), nil
}

func searchQuery(args string) (string, error) {
	var in struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal([]byte(args), &in); err != nil {
		var s string
		if json.Unmarshal([]byte(args), &s) != nil {
			return "", fmt.Errorf("web search: arguments must be {\"query\": string}")
		}
		in.Query = s
	}
	if strings.TrimSpace(in.Query) == "" {
		return "", fmt.Errorf("web search: query is required")
	}
	return in.Query, nil
}
