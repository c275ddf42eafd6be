package chat

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rcourtman/netdiag/internal/ai/tools"
)

const basePrompt = `You are a network diagnostics assistant. You help the user find out why
their network connection is slow, unreliable or broken.

WORKFLOW
1. Start with cheap checks: interface state, gateway reachability, DNS resolution, ping.
2. Narrow down the failing layer (link, local network, DNS, upstream, remote host) before
   concluding anything.
3. Report what you checked, what you found and the most likely cause. Suggest concrete next
   steps the user can take.

TOOLS
Tool names are prefixed with the provider that serves them, for example wifi_scan.
A tool error is information, not a reason to stop: read the message, fix the arguments or
try another tool. Never invent tool output.`

const capturePrompt = `
PACKET CAPTURE
%[1]s_start_capture begins a capture that runs in the background for the requested duration.
It returns a session id immediately. Poll with %[1]s_capture_status and do not claim results
until the status is completed or stopped. Use %[1]s_capture_result to read the analysis.
Prefer short captures (30 seconds or less) unless the user asks for more.`

// BuildSystemPrompt renders the system prompt for the tools available to a
// run. captureProvider names the provider whose capture operations are
// session-managed; it is only mentioned when its tools are present.
func BuildSystemPrompt(descs []*tools.Descriptor, unavailable []tools.ProviderFailure, captureProvider string) string {
	var b strings.Builder
	b.WriteString(basePrompt)

	if len(descs) == 0 {
		b.WriteString("\n\nNo diagnostic tools are available for this conversation. Answer from the information the user provides and say which checks they could run themselves.")
	} else {
		byProvider := make(map[string][]string)
		for _, d := range descs {
			byProvider[d.Provider] = append(byProvider[d.Provider], d.LocalName)
		}
		names := make([]string, 0, len(byProvider))
		for name := range byProvider {
			names = append(names, name)
		}
		sort.Strings(names)

		b.WriteString("\n\nAVAILABLE PROVIDERS\n")
		for _, name := range names {
			ops := byProvider[name]
			sort.Strings(ops)
			fmt.Fprintf(&b, "- %s: %s\n", name, strings.Join(ops, ", "))
		}
		if _, ok := byProvider[captureProvider]; ok {
			fmt.Fprintf(&b, capturePrompt, captureProvider)
		}
	}

	if len(unavailable) > 0 {
		b.WriteString("\n\nUNAVAILABLE PROVIDERS (do not try to call them)\n")
		for _, f := range unavailable {
			fmt.Fprintf(&b, "- %s\n", f.Provider)
		}
	}

	return b.String()
}
