package analysis

import (
	"fmt"
	"strings"

	"github.com/dshills/carecall/internal/persona"
	"github.com/dshills/carecall/internal/repair"
)

// outputSchema is the JSON shape shown to the model.
const outputSchema = `Output schema (JSON only):
{
  "summary": "two or three sentence summary of the call",
  "violations": [
    {
      "policy_section": "Section N: Title, exactly as in the policy text",
      "violation_type": "short label, e.g. Fall incident",
      "severity": "high|medium|low",
      "description": "what in the transcript triggers this policy",
      "required_action": "what the policy requires staff to do"
    }
  ],
  "notifications_required": ["roles to notify, e.g. Supervisor"],
  "risk_assessments": ["assessments the policy requires"],
  "recommendations": ["further recommended actions"],
  "extracted_facts": {
    "service_user_name": "full name as stated in the transcript, or empty",
    "location": "where the incident happened, or empty",
    "incident_time": "when or for how long, or empty",
    "repeated_incident": false,
    "injuries_reported": false,
    "mental_state_concerns": false,
    "emergency_services_mentioned": false
  }
}
`

// buildSystemPrompt assembles the analyst system prompt.
func buildSystemPrompt() string {
	var sb strings.Builder
	sb.WriteString(persona.Must("analyst").SystemPrompt)
	sb.WriteString("\n\n")
	sb.WriteString("Output ONLY valid JSON conforming to the schema below. " +
		"No prose, no markdown, no explanation outside the JSON.\n\n")
	sb.WriteString("Severity must be exactly one of high, medium or low. " +
		"If the transcript triggers no policy, return an empty violations list.\n\n")
	sb.WriteString(outputSchema)
	return sb.String()
}

// buildUserPrompt embeds the policy text and transcript.
func buildUserPrompt(policyText, transcript string) string {
	var sb strings.Builder
	sb.WriteString("CARE POLICIES:\n")
	sb.WriteString(policyText)
	sb.WriteString("\n\nCALL TRANSCRIPT:\n")
	sb.WriteString(transcript)
	sb.WriteString("\n\nProduce the JSON analysis now.")
	return sb.String()
}

// buildStepPrompt is the retry prompt: the same inputs with explicit
// extraction steps.
func buildStepPrompt(policyText, transcript string) string {
	var sb strings.Builder
	sb.WriteString(buildUserPrompt(policyText, transcript))
	sb.WriteString("\n\nWork through these steps before answering:\n" +
		"  1. Find the caller's own name in the transcript. Copy it exactly; do not use a placeholder.\n" +
		"  2. Find where the incident happened and for how long.\n" +
		"  3. For each policy section, decide whether the transcript triggers it.\n" +
		"  4. For each triggered section, add one violation with severity high, medium or low.\n" +
		"  5. List the notifications, risk assessments and recommendations the policies require.\n" +
		"Then output only the final JSON object.")
	return sb.String()
}

// buildRepairPrompt constructs the retry message. It includes the step
// prompt and, when the first call returned something, the previous invalid
// response and its errors so the model has full context.
func buildRepairPrompt(stepPrompt, previousResponse string, errs []repair.ValidationError, callErr error) string {
	var sb strings.Builder
	sb.WriteString(stepPrompt)
	if callErr == nil && previousResponse != "" {
		sb.WriteString("\n\nYour previous response was:\n")
		sb.WriteString(previousResponse)
		sb.WriteString("\n\nThat response was invalid. Errors:\n")
		for _, e := range errs {
			if e.Fatal {
				fmt.Fprintf(&sb, "  - %s\n", e.Error())
			}
		}
		sb.WriteString("\nPlease output only the corrected JSON conforming to the schema. Do not repeat the error.")
	}
	return sb.String()
}
