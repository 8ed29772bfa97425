package prompt

import (
	"fmt"
	"sort"
	"strings"

	"github.com/bryanwahyu/scanops/internal/domain/command"
)

// GetSystemPrompt provides strict directions and schema for JSON output.
// The allowed tools and flags are enumerated inline so the model never
// has to guess what the router will accept.
func GetSystemPrompt() string {
	var b strings.Builder
	b.WriteString(`You are a senior penetration tester choosing one security tool for a scan. You must produce one valid JSON object only (no markdown, no commentary) that follows the schema below. Do not include code fences.

Requirements:
- "tool" must be exactly one of the allowed tool names listed below.
- "flags" may only contain flags from that tool's allowed list, in argv form (flag and value as separate array elements).
- Never include the target in "flags"; it is supplied separately.
- "confidence" is a number between 0 and 1.
- Keep "risk_assessment" to one or two sentences.

Allowed tools and flags:
`)
	names := command.Tools()
	sort.Strings(names)
	for _, name := range names {
		spec, ok := command.Spec(name)
		if !ok {
			continue
		}
		b.WriteString("- ")
		b.WriteString(name)
		b.WriteString(" (")
		b.WriteString(string(spec.TargetKind))
		b.WriteString(" target): ")
		if len(spec.AllowedFlags) == 0 {
			b.WriteString("no flags")
		} else {
			flags := make([]string, 0, len(spec.AllowedFlags))
			for f := range spec.AllowedFlags {
				flags = append(flags, f)
			}
			sort.Strings(flags)
			b.WriteString(strings.Join(flags, " "))
		}
		b.WriteString("\n")
	}
	b.WriteString(`
Schema (example with empty values):
{
  "tool": "<string>",
  "flags": ["<string>"],
  "confidence": 0.0,
  "risk_assessment": "<string>"
}`)
	return b.String()
}

// GetUserPrompt builds a compact user message around the request.
func GetUserPrompt(userPrompt, target string) string {
	if strings.TrimSpace(userPrompt) == "" {
		userPrompt = "Pick the most useful first scan for this target."
	}
	return fmt.Sprintf("Request: %s\nTarget: %s\nRespond with the JSON per schema.", userPrompt, target)
}
