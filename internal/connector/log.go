// Copyright 2025 James Ross
package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/flyingrobots/pi-extensions/internal/audit"
)

// LogConnector appends extension-authored log lines to the audit ledger,
// attributed to the calling extension. Policy treats log like any other
// capability: no built-in profile lists it in default_caps, so under Safe
// it is denied and under Standard it is prompted for, unless default_caps
// or a per-extension allow list names it.
type LogConnector struct {
	Ledger *audit.Ledger
}

func (c *LogConnector) Methods() []string { return []string{"log.append"} }

type logAppendParams struct {
	Level   string                 `json:"level"`
	Message string                 `json:"message"`
	Data    map[string]interface{} `json:"data,omitempty"`
}

func (c *LogConnector) Invoke(ctx context.Context, inv Invocation) (Streamed, error) {
	var p logAppendParams
	if err := json.Unmarshal(inv.Params, &p); err != nil {
		return Streamed{}, fmt.Errorf("log.append: decode params: %w", err)
	}
	if p.Level == "" {
		p.Level = "info"
	}
	entry := audit.Entry{
		TSRFC3339: time.Now().UTC().Format(time.RFC3339Nano),
		Level:     p.Level,
		Event:     "extension.log",
		Message:   p.Message,
		Data:      p.Data,
		Correlation: audit.Correlation{ExtensionID: inv.ExtensionID, HostCallID: inv.CallID},
		Source:      audit.Source{ExtensionID: inv.ExtensionID, Component: "extension"},
	}
	if err := c.Ledger.Append(entry); err != nil {
		return Streamed{}, err
	}
	return Streamed{Value: json.RawMessage(`{"ok":true}`)}, nil
}
