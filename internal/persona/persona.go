// Package persona defines the system prompts used for each kind of model
// call. Each persona provides the instructions that open the system prompt.
package persona

import (
	"fmt"
	"sort"
	"strings"
)

// Persona describes the role the model is asked to play.
type Persona struct {
	Name         string
	Description  string
	SystemPrompt string
}

// builtins is the registry of built-in personas keyed by name.
var builtins = map[string]Persona{
	"analyst": {
		Name:        "analyst",
		Description: "Analyzes a care-call transcript against the care policies.",
		SystemPrompt: "You are a care policy compliance analyst for a home social care provider. " +
			"Identify every policy that the call transcript shows must be acted on, cite the " +
			"policy section by its heading exactly as written in the policy text, and extract " +
			"facts only from the transcript. Never invent names, times or places; when a fact " +
			"is not stated, leave it empty.",
	},
	"report": {
		Name:        "report",
		Description: "Writes a structured incident report from a transcript and its analysis.",
		SystemPrompt: "You are an incident report writer for a home social care provider. " +
			"Fill in every field of the incident report from the transcript and the analysis. " +
			"Use true/false for yes/no fields and write factual, neutral sentences.",
	},
	"email": {
		Name:        "email",
		Description: "Drafts the notification email sent after an incident.",
		SystemPrompt: "You are a care coordinator drafting an internal notification email about an " +
			"incident. Address the people the policies require to be notified, state what " +
			"happened and what actions are required, and sign off as the Emma Care Coordination Team.",
	},
	"editor": {
		Name:        "editor",
		Description: "Applies a targeted change to an existing document.",
		SystemPrompt: "You are a precise document editor. Apply ONLY the change described in the " +
			"instruction. Every field the instruction does not touch must be returned exactly " +
			"as it was, and no fields may be added or removed.",
	},
}

// Load returns the named built-in persona or an error if the name is unknown.
func Load(name string) (Persona, error) {
	p, ok := builtins[name]
	if !ok {
		return Persona{}, fmt.Errorf("persona: unknown persona %q (available: %s)", name, strings.Join(Names(), ", "))
	}
	return p, nil
}

// Must is Load for names known at compile time.
func Must(name string) Persona {
	p, err := Load(name)
	if err != nil {
		panic(err)
	}
	return p
}

// Names lists the built-in personas, sorted.
func Names() []string {
	names := make([]string, 0, len(builtins))
	for n := range builtins {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
