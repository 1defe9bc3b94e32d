package invoker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
)

// MCP transport kinds accepted by NewMCPTransport.
const (
	TransportStreamable = "streamable"
	TransportSSE        = "sse"
)

// ClientVersion is reported to the remote server during the MCP handshake.
var ClientVersion = "dev"

var statusPattern = regexp.MustCompile(`status (\d{3})`)

// MCPTransport calls tools over the Model Context Protocol. The session is
// opened lazily on first use and reused afterwards.
type MCPTransport struct {
	mu          sync.Mutex
	newClient   func() (*client.Client, error)
	client      *client.Client
	initialized bool
}

// MCPOptions configures a network MCP transport.
type MCPOptions struct {
	URL         string
	Kind        string // streamable (default) or sse
	AccessToken string
	Timeout     time.Duration
}

// NewMCPTransport creates a transport for a remote MCP server.
func NewMCPTransport(opts MCPOptions) (*MCPTransport, error) {
	if opts.URL == "" {
		return nil, errors.New("mcp server url is empty")
	}
	headers := map[string]string{"User-Agent": "bizflow/" + ClientVersion}
	if opts.AccessToken != "" {
		headers["Authorization"] = "Bearer " + opts.AccessToken
	}

	var factory func() (*client.Client, error)
	switch opts.Kind {
	case "", TransportStreamable:
		factory = func() (*client.Client, error) {
			httpOpts := []transport.StreamableHTTPCOption{transport.WithHTTPHeaders(headers)}
			if opts.Timeout > 0 {
				httpOpts = append(httpOpts, transport.WithHTTPTimeout(opts.Timeout))
			}
			return client.NewStreamableHttpClient(opts.URL, httpOpts...)
		}
	case TransportSSE:
		factory = func() (*client.Client, error) {
			return client.NewSSEMCPClient(opts.URL, transport.WithHeaders(headers))
		}
	default:
		return nil, fmt.Errorf("unknown mcp transport %q", opts.Kind)
	}
	return &MCPTransport{newClient: factory}, nil
}

// NewMCPTransportWithClient wraps an existing client, such as an in-process one.
func NewMCPTransportWithClient(c *client.Client) *MCPTransport {
	return &MCPTransport{newClient: func() (*client.Client, error) { return c, nil }}
}

// session returns a started and initialized client.
func (t *MCPTransport) session(ctx context.Context) (*client.Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.client != nil && t.initialized {
		return t.client, nil
	}
	if t.client == nil {
		c, err := t.newClient()
		if err != nil {
			return nil, NewToolError(ClassConnection, 0, err.Error(), err)
		}
		// The session outlives the call that opened it.
		if err := c.Start(context.WithoutCancel(ctx)); err != nil {
			return nil, classifyMCPError(err)
		}
		t.client = c
	}

	req := mcp.InitializeRequest{}
	req.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	req.Params.Capabilities = mcp.ClientCapabilities{}
	req.Params.ClientInfo = mcp.Implementation{Name: "bizflow", Version: ClientVersion}
	if _, err := t.client.Initialize(ctx, req); err != nil {
		return nil, classifyMCPError(err)
	}
	t.initialized = true
	return t.client, nil
}

// Call invokes a remote tool and decodes its result.
func (t *MCPTransport) Call(ctx context.Context, tool string, args map[string]any) (any, error) {
	c, err := t.session(ctx)
	if err != nil {
		return nil, err
	}

	res, err := c.CallTool(ctx, mcp.CallToolRequest{
		Params: mcp.CallToolParams{Name: tool, Arguments: args},
	})
	if err != nil {
		return nil, classifyMCPError(err)
	}
	if res.IsError {
		return nil, NewToolError(ClassRejected, 0, resultText(res), nil)
	}
	return resultData(res), nil
}

// Ping checks the session is alive.
func (t *MCPTransport) Ping(ctx context.Context) error {
	c, err := t.session(ctx)
	if err != nil {
		return err
	}
	if err := c.Ping(ctx); err != nil {
		return classifyMCPError(err)
	}
	return nil
}

// ListTools returns the remote tool names.
func (t *MCPTransport) ListTools(ctx context.Context) ([]string, error) {
	c, err := t.session(ctx)
	if err != nil {
		return nil, err
	}
	res, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, classifyMCPError(err)
	}
	names := make([]string, 0, len(res.Tools))
	for _, tool := range res.Tools {
		names = append(names, tool.Name)
	}
	return names, nil
}

// Close ends the session.
func (t *MCPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client == nil {
		return nil
	}
	err := t.client.Close()
	t.client = nil
	t.initialized = false
	return err
}

// classifyMCPError sorts mcp-go client errors into classes.
func classifyMCPError(err error) *ToolError {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return NewToolError(ClassTimeout, 0, "request timed out", err)
	case errors.Is(err, transport.ErrOAuthAuthorizationRequired):
		return NewToolError(ClassAuth, 401, "authorization required", err)
	case errors.Is(err, mcp.ErrMethodNotFound):
		return NewToolError(ClassNotFound, mcp.METHOD_NOT_FOUND, err.Error(), err)
	case errors.Is(err, mcp.ErrInvalidParams) && strings.Contains(err.Error(), "not found"):
		return NewToolError(ClassNotFound, mcp.INVALID_PARAMS, err.Error(), err)
	}

	var terr *transport.Error
	if errors.As(err, &terr) {
		if m := statusPattern.FindStringSubmatch(err.Error()); m != nil {
			code, _ := strconv.Atoi(m[1])
			return NewToolError(ClassifyHTTPStatus(code), code, err.Error(), err)
		}
		return Classify(terr.Err)
	}

	// Remaining JSON-RPC errors are answers from the server about this call.
	if isRPCError(err) {
		return NewToolError(ClassRejected, 0, err.Error(), err)
	}
	return Classify(err)
}

func isRPCError(err error) bool {
	for _, sentinel := range []error{
		mcp.ErrParseError, mcp.ErrInvalidRequest, mcp.ErrInvalidParams,
		mcp.ErrInternalError, mcp.ErrRequestInterrupted, mcp.ErrResourceNotFound,
	} {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}

// resultData prefers structured content, then JSON text, then raw text.
func resultData(res *mcp.CallToolResult) any {
	if res.StructuredContent != nil {
		return res.StructuredContent
	}
	text := resultText(res)
	if text == "" {
		return nil
	}
	var v any
	if err := json.Unmarshal([]byte(text), &v); err == nil {
		return v
	}
	return text
}

func resultText(res *mcp.CallToolResult) string {
	var parts []string
	for _, c := range res.Content {
		if tc, ok := mcp.AsTextContent(c); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}
