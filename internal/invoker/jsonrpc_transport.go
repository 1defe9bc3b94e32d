package invoker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
)

const rpcMethodNotFound = -32601

// JSONRPCTransport posts JSON-RPC 2.0 tools/call requests to a single HTTP
// endpoint. Retries are left to the Invoker.
type JSONRPCTransport struct {
	client *resty.Client
	path   string
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
	ID      string `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
	ID      any             `json:"id"`
}

// JSONRPCOptions configures a JSONRPCTransport.
type JSONRPCOptions struct {
	BaseURL     string
	Path        string // defaults to /mcp
	AccessToken string
	Timeout     time.Duration
}

// NewJSONRPCTransport creates a transport posting to opts.BaseURL + opts.Path.
func NewJSONRPCTransport(opts JSONRPCOptions) (*JSONRPCTransport, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("tool server url is empty")
	}
	if opts.Path == "" {
		opts.Path = "/mcp"
	}
	c := resty.New().
		SetBaseURL(strings.TrimRight(opts.BaseURL, "/")).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", "bizflow/"+ClientVersion)
	if opts.AccessToken != "" {
		c.SetAuthToken(opts.AccessToken)
	}
	if opts.Timeout > 0 {
		c.SetTimeout(opts.Timeout)
	}
	return &JSONRPCTransport{client: c, path: opts.Path}, nil
}

// Call sends tools/call for tool and returns the decoded result.
func (t *JSONRPCTransport) Call(ctx context.Context, tool string, args map[string]any) (any, error) {
	if args == nil {
		args = map[string]any{}
	}
	result, err := t.do(ctx, "tools/call", map[string]any{"name": tool, "arguments": args})
	if err != nil {
		var te *ToolError
		if errors.As(err, &te) && te.Class == ClassNotFound {
			return nil, NewToolError(ClassNotFound, te.Code, fmt.Sprintf("Tool '%s' not found", tool), te.Err)
		}
		return nil, err
	}
	return result, nil
}

// Ping calls the server's health method.
func (t *JSONRPCTransport) Ping(ctx context.Context) error {
	_, err := t.do(ctx, "health", map[string]any{})
	return err
}

// ListTools calls tools/list and returns the tool names.
func (t *JSONRPCTransport) ListTools(ctx context.Context) ([]string, error) {
	result, err := t.do(ctx, "tools/list", map[string]any{})
	if err != nil {
		return nil, err
	}
	m, _ := result.(map[string]any)
	tools, _ := m["tools"].([]any)
	names := make([]string, 0, len(tools))
	for _, item := range tools {
		if tool, ok := item.(map[string]any); ok {
			if name, ok := tool["name"].(string); ok {
				names = append(names, name)
			}
		}
	}
	return names, nil
}

func (t *JSONRPCTransport) do(ctx context.Context, method string, params any) (any, error) {
	req := rpcRequest{JSONRPC: "2.0", Method: method, Params: params, ID: uuid.NewString()}

	resp, err := t.client.R().
		SetContext(ctx).
		SetBody(req).
		Post(t.path)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, Classify(err)
	}

	if code := resp.StatusCode(); code != 200 {
		return nil, NewToolError(ClassifyHTTPStatus(code), code, httpErrorMessage(code, resp.Body()), nil)
	}

	var body rpcResponse
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return nil, NewToolError(ClassServer, 200, "invalid JSON-RPC response: "+err.Error(), err)
	}
	if body.Error != nil {
		if body.Error.Code == rpcMethodNotFound {
			return nil, NewToolError(ClassNotFound, body.Error.Code, body.Error.Message, nil)
		}
		msg := body.Error.Message
		if msg == "" {
			msg = "unknown error"
		}
		return nil, NewToolError(ClassRejected, body.Error.Code, msg, nil)
	}

	if len(body.Result) == 0 || string(body.Result) == "null" {
		return nil, nil
	}
	var result any
	if err := json.Unmarshal(body.Result, &result); err != nil {
		return nil, NewToolError(ClassRejected, 0, "invalid result payload: "+err.Error(), err)
	}
	return result, nil
}

// httpErrorMessage reads the "error" field of a JSON body, falling back to
// the raw text.
func httpErrorMessage(code int, raw []byte) string {
	switch code {
	case 401:
		return "authentication failed"
	case 429:
		return "rate limit exceeded"
	}
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err == nil {
		if msg, ok := payload["error"].(string); ok && msg != "" {
			return msg
		}
	}
	text := strings.TrimSpace(string(raw))
	if text == "" {
		return fmt.Sprintf("HTTP %d", code)
	}
	if code >= 500 {
		return fmt.Sprintf("server error %d: %s", code, text)
	}
	return text
}
