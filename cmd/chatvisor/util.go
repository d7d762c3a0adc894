package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/loykin/chatvisor"
	"github.com/loykin/chatvisor/pkg/client"
)

// apiClient resolves the API URL from flags, then config, then defaults.
func apiClient(flags *GlobalFlags) (*client.Client, error) {
	base := flags.APIUrl
	if base == "" {
		cfg, err := chatvisor.LoadConfig(flags.ConfigPath)
		if err != nil {
			return nil, err
		}
		base = "http://" + cfg.Server.Listen + cfg.Server.BasePath
	}
	return client.New(client.Config{BaseURL: base, Timeout: flags.APITimeout}), nil
}

func printJSON(w io.Writer, v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	_, _ = fmt.Fprintln(w, string(b))
}

// describeOutcome renders a dispatch outcome for humans.
func describeOutcome(o client.Outcome) string {
	if o.OK {
		if o.Created {
			return "sent to new run " + o.RunID
		}
		return "sent to run " + o.RunID
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", o.Reason, o.Message)
	if o.CurrentMessage != "" {
		fmt.Fprintf(&b, " (now: %s)", o.CurrentMessage)
	}
	return b.String()
}
