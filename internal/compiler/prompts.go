package compiler

import (
	"fmt"
	"sort"
	"strings"
)

// delegationGuidelines is appended to every orchestrator system prompt.
func delegationGuidelines(subagentNames []string) string {
	names := append([]string(nil), subagentNames...)
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("\n\n## Delegation\n")
	b.WriteString("You are an orchestrator. You do not read, write, or execute anything yourself; ")
	b.WriteString("you delegate all concrete work to your subagents via the Task tool and track it with TodoWrite.\n")
	b.WriteString("Available subagents:\n")
	for _, name := range names {
		fmt.Fprintf(&b, "- %s\n", name)
	}
	b.WriteString("Every Task call must name one of these in subagent_type. ")
	b.WriteString("Host machine paths (/Users/..., /home/..., C:\\...) are forbidden in task prompts; ")
	b.WriteString("all files live under /scratch inside the workspace.")
	return b.String()
}

// workspaceAwareness is appended to every subagent prompt.
const workspaceAwareness = "\n\n## Workspace\n" +
	"You work inside a sandboxed container. The writable workspace is /scratch; " +
	"/skills and /claude-cache are read-only. Paths on the host machine do not exist here. " +
	"Keep outputs small and write intermediate results to files under /scratch."

// platformGuidelines is appended unless explicitly disabled.
const platformGuidelines = "\n\n## Working effectively\n" +
	"- Paginate: request large listings and searches in chunks instead of all at once.\n" +
	"- Write incrementally: save partial results to /scratch as you go so progress survives interruption.\n" +
	"- Stay inside the workspace: only /scratch is writable; do not attempt host paths.\n" +
	"- Prefer small, verifiable steps over long speculative command chains."

// fileManagerDescription is the fixed description of the injected subagent.
const fileManagerDescription = "handles file operations: cloning, downloading, workspace setup"

// fileManagerPrompt is the prompt of the auto-injected FileManager subagent.
const fileManagerPrompt = "You are the FileManager. You handle file operations for the team: " +
	"cloning repositories, downloading resources, creating directory structures, and preparing " +
	"the workspace. Everything you create must live under /scratch. Report the resulting paths " +
	"back so other agents can use them."

// contextSection formats merged static and dynamic context as a prompt block.
func contextSection(entries map[string]string) string {
	if len(entries) == 0 {
		return ""
	}
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("\n\n## Context\n")
	for _, k := range keys {
		fmt.Fprintf(&b, "### %s\n%s\n", k, entries[k])
	}
	return strings.TrimRight(b.String(), "\n")
}
