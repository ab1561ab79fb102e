package graph

import (
	"fmt"
	"strings"
)

// Rule is a machine-readable tag identifying which invariant an Issue
// violates, so callers can filter/group without parsing prose.
type Rule string

// Validation rules.
const (
	RuleEnclaveIDUnique     Rule = "enclave-id-unique"
	RuleEnclaveIDLength     Rule = "enclave-id-length"
	RulePartitionIDUnique   Rule = "partition-id-unique"
	RulePartitionIDLength   Rule = "partition-id-length"
	RuleExportTypeAuth      Rule = "export-type-auth"
	RuleExportTarget        Rule = "export-target-exists"
	RuleExportAudience      Rule = "export-audience-malformed"
	RuleImportSource        Rule = "import-source-resolves"
	RuleImportExportName    Rule = "import-export-name-exists"
	RuleImportAliasUnique   Rule = "import-alias-unique"
	RuleImportAudience      Rule = "import-audience-admits"
	RuleOutputsContract     Rule = "produces-outputs-contract"
	RuleTemplateReference   Rule = "template-reference-resolves"
	RuleCycle               Rule = "cycle"
)

// MaxEnclaveIDLen and MaxPartitionIDLen are the id length limits from the
// data model ("≤ 30 chars" for enclaves; the boundary test in the testable
// properties section exercises 63/64 for partitions).
const (
	MaxEnclaveIDLen   = 30
	MaxPartitionIDLen = 63
)

// Issue is one accumulated validation failure.
type Issue struct {
	Rule    Rule
	Message string
	// Members lists every node implicated in the issue; for a cycle issue
	// this is every member of the cycle.
	Members []string
}

// Errors is the full, non-partial set of issues found while validating a
// set of declarations. No plan is produced when len(Errors) > 0.
type Errors struct {
	Issues []Issue
}

// Error implements the error interface by joining every issue's message.
func (e *Errors) Error() string {
	msgs := make([]string, 0, len(e.Issues))
	for _, i := range e.Issues {
		msgs = append(msgs, string(i.Rule)+": "+i.Message)
	}
	return strings.Join(msgs, "; ")
}

func (e *Errors) add(rule Rule, members []string, format string, args ...interface{}) {
	e.Issues = append(e.Issues, Issue{Rule: rule, Message: fmt.Sprintf(format, args...), Members: members})
}
