package permissions

import (
	"errors"
	"fmt"
)

// ErrPermissionDenied matches every *Denial with errors.Is.
var ErrPermissionDenied = errors.New("permission denied")

// DenialType classifies why an action was denied.
type DenialType string

// Denial types.
const (
	DenialTool     DenialType = "tool"
	DenialProject  DenialType = "project"
	DenialSeverity DenialType = "severity"
	DenialReadonly DenialType = "readonly"
	DenialScope    DenialType = "scope"
	DenialNoRule   DenialType = "no_rule"
)

// Machine-readable denial codes.
const (
	CodeToolDenied        = "TOOL_DENIED"
	CodeProjectDenied     = "PROJECT_DENIED"
	CodeSeverityExceeded  = "SEVERITY_EXCEEDED"
	CodeReadonlyViolation = "READONLY_VIOLATION"
	CodeInsufficientScope = "INSUFFICIENT_SCOPE"
	CodeNoMatchingRule    = "NO_MATCHING_RULE"
)

// Denial is a structured permission denial. Context carries details for
// programmatic handling, such as required and held scopes.
type Denial struct {
	Code    string         `json:"code"`
	Type    DenialType     `json:"type"`
	Reason  string         `json:"reason"`
	Context map[string]any `json:"context,omitempty"`
}

func (d *Denial) Error() string {
	return fmt.Sprintf("%s: %s", d.Code, d.Reason)
}

// Is reports whether target is ErrPermissionDenied.
func (d *Denial) Is(target error) bool {
	return target == ErrPermissionDenied
}

func newDenial(code string, typ DenialType, reason string, ctx map[string]any) *Denial {
	return &Denial{Code: code, Type: typ, Reason: reason, Context: ctx}
}

// AsDenial returns the *Denial in err's chain, if any.
func AsDenial(err error) (*Denial, bool) {
	var d *Denial
	if errors.As(err, &d) {
		return d, true
	}
	return nil, false
}
