// ABOUTME: Live tab lookup against an extension connection.
// ABOUTME: Matches targetTabId or a URL pattern before any frame fan-out.

package browser

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"github.com/screencontrol/gateway/internal/protocol"
)

// ListTabs asks the extension for the current tab set.
func ListTabs(ctx context.Context, conn *Conn, timeout time.Duration) ([]protocol.Tab, error) {
	raw, err := conn.Send(ctx, protocol.ActionGetTabs, nil, timeout)
	if err != nil {
		return nil, err
	}
	var tabs []protocol.Tab
	if err := json.Unmarshal(raw, &tabs); err != nil {
		return nil, protocol.Errorf(protocol.CodeInternal, "decoding tab list: %v", err)
	}
	return tabs, nil
}

// FindTab resolves the tab a command targets. A numeric id must match
// exactly; a URL pattern matches substring or * wildcards. With no
// target the browser's active tab is used. No match fails fast with
// CodeTabNotFound instead of forwarding a doomed request.
func FindTab(ctx context.Context, conn *Conn, tabID *int, urlPattern string, timeout time.Duration) (protocol.Tab, error) {
	tabs, err := ListTabs(ctx, conn, timeout)
	if err != nil {
		return protocol.Tab{}, err
	}

	if tabID != nil {
		for _, tab := range tabs {
			if tab.ID == *tabID {
				return tab, nil
			}
		}
		return protocol.Tab{}, protocol.Errorf(protocol.CodeTabNotFound, "no tab with id %d in %s", *tabID, conn.Type)
	}

	if urlPattern != "" {
		for _, tab := range tabs {
			if matchURL(tab.URL, urlPattern) {
				return tab, nil
			}
		}
		return protocol.Tab{}, protocol.Errorf(protocol.CodeTabNotFound, "no tab matching %q in %s", urlPattern, conn.Type)
	}

	for _, tab := range tabs {
		if tab.Active {
			return tab, nil
		}
	}
	if len(tabs) > 0 {
		return tabs[0], nil
	}
	return protocol.Tab{}, protocol.Errorf(protocol.CodeTabNotFound, "browser %s has no open tabs", conn.Type)
}

// matchURL matches a tab URL against a pattern. Patterns without
// wildcards match as substrings; * matches any run of characters.
func matchURL(url, pattern string) bool {
	if !strings.Contains(pattern, "*") {
		return strings.Contains(url, pattern)
	}
	parts := strings.Split(pattern, "*")
	for i, part := range parts {
		parts[i] = regexp.QuoteMeta(part)
	}
	re, err := regexp.Compile("^.*" + strings.Join(parts, ".*") + ".*$")
	if err != nil {
		return false
	}
	return re.MatchString(url)
}
