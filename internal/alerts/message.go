package alerts

import (
	"fmt"
	"strings"
)

type Incident struct {
	AgentID    string
	Signature  string
	Codes      []string
	Severity   string
	Playbook   string
	IncidentID string
	Failed     bool
}

// IncidentMessage renders the operator alert for a recorded incident.
func IncidentMessage(in Incident) string {
	var b strings.Builder
	b.WriteString("R2R incident\n")
	fmt.Fprintf(&b, "agent=%s\n", in.AgentID)
	fmt.Fprintf(&b, "signature=%s\n", in.Signature)
	fmt.Fprintf(&b, "violations=%s\n", strings.Join(in.Codes, ","))
	fmt.Fprintf(&b, "severity=%s", in.Severity)
	if in.Playbook != "" {
		fmt.Fprintf(&b, "\nplaybook=%s", in.Playbook)
	}
	if in.IncidentID != "" {
		fmt.Fprintf(&b, "\nincident=%s", in.IncidentID)
	}
	if in.Failed {
		b.WriteString("\nremediation=partial")
	}
	return b.String()
}
