// Package agent gates direct tool calls and workflow operations made by the
// front-end agent on behalf of a user.
package agent

import (
	"sort"

	"github.com/rendis/bizflow/pkg/schema"
)

// Capabilities a user may hold.
const (
	CanReadDatabase     = "can_read_database"
	CanWriteDatabase    = "can_write_database"
	CanSendEmail        = "can_send_email"
	CanScrapeWeb        = "can_scrape_web"
	CanExecuteWorkflows = "can_execute_workflows"
)

// toolCapabilities maps remote tools to the capability they require.
// Tools missing from the map (the thinking tools) need none.
var toolCapabilities = map[string]string{
	"listTables":      CanReadDatabase,
	"queryDatabase":   CanReadDatabase,
	"executeDatabase": CanWriteDatabase,
	"sendEmail":       CanSendEmail,
	"scrapePage":      CanScrapeWeb,
	"searchWeb":       CanScrapeWeb,
	"crawlWebsite":    CanScrapeWeb,
	"getCrawlStatus":  CanScrapeWeb,
}

// PermissionProvider answers capability checks for the current user.
type PermissionProvider interface {
	HasPermission(capability string) bool
}

// RequiredCapability returns the capability tool needs, or "" when none.
func RequiredCapability(tool string) string {
	return toolCapabilities[tool]
}

// CheckTool returns PERMISSION_DENIED when p lacks the capability for tool.
func CheckTool(p PermissionProvider, tool string) error {
	capability := RequiredCapability(tool)
	if capability == "" {
		return nil
	}
	return Check(p, capability)
}

// Check returns PERMISSION_DENIED when p lacks capability.
func Check(p PermissionProvider, capability string) error {
	if p != nil && p.HasPermission(capability) {
		return nil
	}
	return schema.NewErrorf(schema.ErrCodePermissionDenied, "permission %s is required", capability).
		WithDetails(map[string]any{"capability": capability})
}

// StaticPermissions is a fixed capability set loaded from configuration.
type StaticPermissions struct {
	UserID              string   `koanf:"user_id" json:"user_id"`
	CanReadDatabase     bool     `koanf:"can_read_database" json:"can_read_database"`
	CanWriteDatabase    bool     `koanf:"can_write_database" json:"can_write_database"`
	CanSendEmail        bool     `koanf:"can_send_email" json:"can_send_email"`
	CanScrapeWeb        bool     `koanf:"can_scrape_web" json:"can_scrape_web"`
	CanExecuteWorkflows bool     `koanf:"can_execute_workflows" json:"can_execute_workflows"`
	AllowedEmailDomains []string `koanf:"allowed_email_domains" json:"allowed_email_domains,omitempty"`
	MaxQueryResults     int      `koanf:"max_query_results" json:"max_query_results" validate:"gte=0"`
}

// DefaultPermissions grants everything except database writes.
func DefaultPermissions() StaticPermissions {
	return StaticPermissions{
		UserID:              "default",
		CanReadDatabase:     true,
		CanSendEmail:        true,
		CanScrapeWeb:        true,
		CanExecuteWorkflows: true,
		MaxQueryResults:     1000,
	}
}

// HasPermission implements PermissionProvider.
func (s StaticPermissions) HasPermission(capability string) bool {
	switch capability {
	case CanReadDatabase:
		return s.CanReadDatabase
	case CanWriteDatabase:
		return s.CanWriteDatabase
	case CanSendEmail:
		return s.CanSendEmail
	case CanScrapeWeb:
		return s.CanScrapeWeb
	case CanExecuteWorkflows:
		return s.CanExecuteWorkflows
	}
	return false
}

// Granted lists the capabilities s holds, sorted.
func (s StaticPermissions) Granted() []string {
	var out []string
	for _, c := range []string{CanReadDatabase, CanWriteDatabase, CanSendEmail, CanScrapeWeb, CanExecuteWorkflows} {
		if s.HasPermission(c) {
			out = append(out, c)
		}
	}
	sort.Strings(out)
	return out
}
