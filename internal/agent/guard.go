package agent

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/rendis/bizflow/internal/logging"
	"github.com/rendis/bizflow/pkg/schema"
)

// unboundedLimit disables the automatic LIMIT clause.
const unboundedLimit = 10000

var writeKeywords = regexp.MustCompile(`(?i)\b(DROP|DELETE|UPDATE|INSERT|CREATE|ALTER|TRUNCATE)\b`)

var limitClause = regexp.MustCompile(`(?i)\bLIMIT\b`)

// ToolInvoker performs a remote tool call. Satisfied by *invoker.Invoker.
type ToolInvoker interface {
	Invoke(ctx context.Context, tool string, args map[string]any) (*schema.ToolResponse, error)
}

// Policy holds the per-user argument limits.
type Policy struct {
	AllowedEmailDomains []string
	MaxQueryResults     int
}

// Guard checks permissions and argument policy before forwarding direct
// tool calls. Workflow steps do not pass through it.
type Guard struct {
	next     ToolInvoker
	perms    PermissionProvider
	policy   Policy
	validate *validator.Validate
	logger   *slog.Logger
}

// NewGuard wraps next.
func NewGuard(next ToolInvoker, perms PermissionProvider, policy Policy, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Guard{
		next:     next,
		perms:    perms,
		policy:   policy,
		validate: validator.New(),
		logger:   logger,
	}
}

// NewGuardFromPermissions builds a guard whose policy comes from perms.
func NewGuardFromPermissions(next ToolInvoker, perms StaticPermissions, logger *slog.Logger) *Guard {
	return NewGuard(next, perms, Policy{
		AllowedEmailDomains: perms.AllowedEmailDomains,
		MaxQueryResults:     perms.MaxQueryResults,
	}, logger)
}

// Permissions returns the provider the guard checks against.
func (g *Guard) Permissions() PermissionProvider {
	return g.perms
}

// Invoke applies the checks for tool and forwards the sanitized arguments.
func (g *Guard) Invoke(ctx context.Context, tool string, args map[string]any) (*schema.ToolResponse, error) {
	if err := CheckTool(g.perms, tool); err != nil {
		logging.LogWith(logging.WithTool(ctx, tool), g.logger).Warn("tool call denied", slog.String("error", err.Error()))
		return nil, err
	}

	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = v
	}

	var err error
	switch tool {
	case "queryDatabase":
		err = g.readQuery(out)
	case "executeDatabase":
		err = requireConfirm(tool, out)
	case "sendEmail":
		if err = g.emailRecipients(out); err == nil {
			err = requireConfirm(tool, out)
		}
	}
	if err != nil {
		return nil, err
	}
	return g.next.Invoke(ctx, tool, out)
}

// readQuery rejects writes and bounds the number of returned rows.
func (g *Guard) readQuery(args map[string]any) error {
	sql, _ := args["sql"].(string)
	if strings.TrimSpace(sql) == "" {
		return schema.NewError(schema.ErrCodeValidation, "sql is required")
	}
	if writeKeywords.MatchString(sql) {
		return schema.NewError(schema.ErrCodeValidation, "only SELECT queries are allowed for read operations")
	}

	limit := g.policy.MaxQueryResults
	if limit <= 0 {
		limit = 1000
	}
	if requested, ok := toInt(args["max_results"]); ok && requested > 0 && requested < limit {
		limit = requested
	}
	if !limitClause.MatchString(sql) && limit < unboundedLimit {
		sql = fmt.Sprintf("%s LIMIT %d", strings.TrimRight(strings.TrimSpace(sql), ";"), limit)
	}
	args["sql"] = sql
	args["max_results"] = limit
	return nil
}

// emailRecipients validates to, cc and bcc and enforces the domain allowlist.
func (g *Guard) emailRecipients(args map[string]any) error {
	to, _ := args["to"].(string)
	if to == "" {
		return schema.NewError(schema.ErrCodeValidation, "recipient is required")
	}
	for _, field := range []string{"to", "cc", "bcc"} {
		addr, _ := args[field].(string)
		if addr == "" {
			continue
		}
		if err := g.validate.Var(addr, "email"); err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "invalid %s email address: %s", field, addr)
		}
	}

	if len(g.policy.AllowedEmailDomains) == 0 {
		return nil
	}
	host := strings.ToLower(to[strings.LastIndex(to, "@")+1:])
	for _, allowed := range g.policy.AllowedEmailDomains {
		allowed = strings.TrimPrefix(strings.ToLower(allowed), "@")
		if host == allowed || strings.HasSuffix(host, "."+allowed) {
			return nil
		}
	}
	return schema.NewErrorf(schema.ErrCodePermissionDenied, "email domain not allowed, allowed domains: %s",
		strings.Join(g.policy.AllowedEmailDomains, ", "))
}

// requireConfirm demands confirm=true for side-effecting tools and strips it.
func requireConfirm(tool string, args map[string]any) error {
	confirmed, _ := args["confirm"].(bool)
	delete(args, "confirm")
	if !confirmed {
		return schema.NewErrorf(schema.ErrCodeValidation, "%s requires confirm=true", tool).
			WithDetails(map[string]any{"tool": tool, "requires_confirmation": true})
	}
	return nil
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}
