package toolexec

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/starford/notegraph/internal/apperr"
	"github.com/starford/notegraph/internal/models"
)

// maxResponseBytes caps how much of an HTTP tool response is read.
const maxResponseBytes = 10 << 20

// callHTTP issues the request described by the Tool note: URL from logic,
// method from config.method (default POST), headers from config.headers.
// The input is JSON-encoded as the body, except for GET and HEAD where it is
// carried in the query string.
func callHTTP(ctx context.Context, client *http.Client, note *models.Note, input any) (any, error) {
	endpoint := strings.TrimSpace(note.Logic)
	if endpoint == "" {
		return nil, apperr.NewValidation(fmt.Sprintf("tool %s has no endpoint URL in logic", note.ID))
	}

	method := http.MethodPost
	if m, ok := note.Config["method"].(string); ok && m != "" {
		method = strings.ToUpper(m)
	}
	headers, err := parseHeaders(note.Config["headers"])
	if err != nil {
		return nil, apperr.NewValidation(fmt.Sprintf("tool %s: invalid headers: %v", note.ID, err))
	}

	var body io.Reader
	if method == http.MethodGet || method == http.MethodHead {
		endpoint, err = withQuery(endpoint, input)
		if err != nil {
			return nil, apperr.NewValidation(fmt.Sprintf("encode input: %v", err))
		}
	} else {
		payload, err := json.Marshal(input)
		if err != nil {
			return nil, apperr.NewValidation(fmt.Sprintf("encode input: %v", err))
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, apperr.NewValidation(fmt.Sprintf("build request: %v", err))
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, apperr.NewExecution(fmt.Errorf("http tool %s: %w", note.ID, err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, apperr.NewExecution(fmt.Errorf("http tool %s: read body: %w", note.ID, err))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, apperr.NewAPI(resp.StatusCode, string(raw))
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}

	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, apperr.NewExecution(fmt.Errorf("http tool %s: decode response: %w", note.ID, err))
	}
	return out, nil
}

// withQuery appends input to the endpoint's query. Object keys become
// parameters; any other non-nil input is sent as input=<text>.
func withQuery(endpoint string, input any) (string, error) {
	if input == nil {
		return endpoint, nil
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", err
	}
	q := u.Query()
	if m, ok := input.(map[string]any); ok {
		for k, v := range m {
			text, err := queryText(v)
			if err != nil {
				return "", err
			}
			q.Set(k, text)
		}
	} else {
		text, err := queryText(input)
		if err != nil {
			return "", err
		}
		q.Set("input", text)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// parseHeaders accepts a JSON-encoded object string or an already decoded map.
func parseHeaders(v any) (map[string]string, error) {
	out := make(map[string]string)
	switch h := v.(type) {
	case nil:
		return out, nil
	case string:
		if strings.TrimSpace(h) == "" {
			return out, nil
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(h), &m); err != nil {
			return nil, err
		}
		return stringify(m), nil
	case map[string]string:
		for k, val := range h {
			out[k] = val
		}
		return out, nil
	case map[string]any:
		return stringify(h), nil
	default:
		return nil, fmt.Errorf("unsupported headers type %T", v)
	}
}

func stringify(m map[string]any) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		if s, ok := v.(string); ok {
			out[k] = s
			continue
		}
		out[k] = fmt.Sprint(v)
	}
	return out
}

// queryText renders input as a search query: strings as-is, anything else as JSON.
func queryText(input any) (string, error) {
	if s, ok := input.(string); ok {
		return s, nil
	}
	if m, ok := input.(map[string]any); ok {
		if s, ok := m["input"].(string); ok {
			return s, nil
		}
	}
	b, err := json.Marshal(input)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
