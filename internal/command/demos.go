package command

import (
	"fmt"
	"sort"
	"strings"

	"github.com/njfio/tau/internal/outbound"
	"github.com/njfio/tau/internal/route"
)

// Demo is one deterministic scenario in the demo index. Demos are pure:
// the same inputs always produce the same output, so `run` and `report`
// are reproducible.
type Demo struct {
	Name string
	Desc string
	Run  func() (string, error)
}

// DemoIndex is the closed index of demo scenarios.
type DemoIndex struct {
	demos []Demo
}

// NewDemoIndex registers the built-in scenarios.
func NewDemoIndex() *DemoIndex {
	return &DemoIndex{demos: []Demo{
		{
			Name: "chunking",
			Desc: "outbound text chunking boundaries",
			Run: func() (string, error) {
				chunks := outbound.ChunkText(strings.Repeat("abcde ", 10), 16)
				return fmt.Sprintf("input 60 chars, max 16 → %d chunks", len(chunks)), nil
			},
		},
		{
			Name: "retry-backoff",
			Desc: "deterministic retry delay schedule",
			Run: func() (string, error) {
				var parts []string
				for attempt := 1; attempt <= 4; attempt++ {
					d := outbound.RetryDelay(100, 50, attempt, "demo:event:key")
					parts = append(parts, fmt.Sprintf("a%d=%dms", attempt, d.Milliseconds()))
				}
				return strings.Join(parts, " "), nil
			},
		},
		{
			Name: "route-specificity",
			Desc: "binding specificity scoring",
			Run: func() (string, error) {
				wide := route.Binding{Transport: "*", AccountID: "*", ConversationID: "*", ActorID: "*", Phase: "*"}
				narrow := route.Binding{Transport: "telegram", AccountID: "*", ConversationID: "chat-1", ActorID: "vip", Phase: "planner"}
				return fmt.Sprintf("wildcard=%d narrow=%d", wide.Specificity(), narrow.Specificity()), nil
			},
		},
	}}
}

// List renders the index.
func (d *DemoIndex) List() string {
	var b strings.Builder
	b.WriteString("demo index:\n")
	for _, demo := range d.demos {
		fmt.Fprintf(&b, "  %-18s %s\n", demo.Name, demo.Desc)
	}
	return strings.TrimRight(b.String(), "\n")
}

// Run executes the selected demos (all when only is empty) and renders
// per-demo results. Unknown names in only are reported, not fatal.
func (d *DemoIndex) Run(only []string) string {
	selected := map[string]bool{}
	for _, name := range only {
		selected[strings.TrimSpace(name)] = true
	}

	var b strings.Builder
	ran := 0
	for _, demo := range d.demos {
		if len(selected) > 0 && !selected[demo.Name] {
			continue
		}
		delete(selected, demo.Name)
		ran++
		out, err := demo.Run()
		if err != nil {
			fmt.Fprintf(&b, "%s: FAIL (%v)\n", demo.Name, err)
			continue
		}
		fmt.Fprintf(&b, "%s: ok — %s\n", demo.Name, out)
	}

	var unknown []string
	for name := range selected {
		unknown = append(unknown, name)
	}
	sort.Strings(unknown)
	for _, name := range unknown {
		fmt.Fprintf(&b, "%s: unknown demo\n", name)
	}
	fmt.Fprintf(&b, "ran %d/%d demos", ran, len(d.demos))
	return b.String()
}

// Report summarizes a full run.
func (d *DemoIndex) Report() string {
	pass := 0
	for _, demo := range d.demos {
		if _, err := demo.Run(); err == nil {
			pass++
		}
	}
	return fmt.Sprintf("demo report: %d/%d passing", pass, len(d.demos))
}
