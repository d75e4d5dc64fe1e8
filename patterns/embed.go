// Package patterns provides the embedded default tables used by the outcome
// hooks: credential recognizers for result redaction and the error-to-hint
// table for recovery suggestions.
package patterns

import _ "embed"

//go:embed credentials.yaml
var credentialsYAML []byte

//go:embed recovery.yaml
var recoveryYAML []byte

// CredentialsYAML returns the embedded credential recognizer definitions.
func CredentialsYAML() []byte { return credentialsYAML }

// RecoveryYAML returns the embedded recovery hint table.
func RecoveryYAML() []byte { return recoveryYAML }
