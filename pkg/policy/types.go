package policy

import (
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for violations that are logged but do not block.
	SeverityWarning Severity = "warning"

	// SeverityError blocks the request.
	SeverityError Severity = "error"

	// SeverityCritical blocks the request.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether violations at this severity reject a request.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy is an admission rule written in Rego. Its package must define a
// deny set; each member is a message string or an object with message and
// severity fields.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Capabilities limits the policy to these capabilities. Empty means all.
	Capabilities []string `json:"capabilities,omitempty"`

	// Metadata contains additional policy metadata.
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// appliesTo reports whether the policy covers capability.
func (p *Policy) appliesTo(capability string) bool {
	if len(p.Capabilities) == 0 {
		return true
	}
	for _, c := range p.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// Input is the document a policy sees as input.
type Input struct {
	Capability  string            `json:"capability"`
	Method      string            `json:"method,omitempty"`
	Path        string            `json:"path,omitempty"`
	Headers     map[string]string `json:"headers"`
	PathParams  map[string]string `json:"path_params"`
	QueryParams map[string]string `json:"query_params"`
	Body        interface{}       `json:"body,omitempty"`
	Context     *Context          `json:"context"`
}

// Context provides context information for policy evaluation.
type Context struct {
	// Environment is the deployment environment (e.g., "production").
	Environment string `json:"environment,omitempty"`

	// Timestamp is when the evaluation is occurring.
	Timestamp time.Time `json:"timestamp"`
}

// Violation is a single deny result.
type Violation struct {
	Policy     string   `json:"policy"`
	Capability string   `json:"capability"`
	Message    string   `json:"message"`
	Severity   Severity `json:"severity"`
}

// Decision is the outcome of evaluating all applicable policies.
type Decision struct {
	// Allowed is false when any violation is blocking.
	Allowed bool `json:"allowed"`

	// Violations lists blocking violations.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists violations that do not block.
	Warnings []Violation `json:"warnings,omitempty"`

	// Errors lists policies that failed to evaluate.
	Errors []string `json:"errors,omitempty"`

	// EvaluatedPolicies lists the names of policies that were evaluated.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}

// DeniedError rejects a request that violated a blocking policy.
type DeniedError struct {
	Decision *Decision
}

func (e *DeniedError) Error() string {
	msgs := make([]string, 0, len(e.Decision.Violations))
	for _, v := range e.Decision.Violations {
		msgs = append(msgs, fmt.Sprintf("%s: %s", v.Policy, v.Message))
	}
	return "request denied by policy: " + strings.Join(msgs, "; ")
}

// HTTPStatus implements handler.StatusCoder.
func (e *DeniedError) HTTPStatus() int {
	return http.StatusForbidden
}
