package connector

import (
	"regexp"
	"strings"
)

// identifierPattern accepts bare or schema-qualified SQL identifiers.
var identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*(\.[a-zA-Z_][a-zA-Z0-9_]*)?$`)

// reservedWords blocks identifiers that are destructive SQL verbs.
var reservedWords = map[string]bool{
	"drop": true, "delete": true, "truncate": true, "insert": true,
	"update": true, "alter": true, "create": true, "grant": true,
	"revoke": true, "exec": true, "execute": true, "union": true,
	"merge": true,
}

// ValidateIdentifier checks a schema, table, or column name used to build a
// query. All identifiers pass through here before interpolation.
func ValidateIdentifier(s string) error {
	if s == "" {
		return &ValidationError{Field: "identifier", Reason: "empty"}
	}
	if !identifierPattern.MatchString(s) {
		return &ValidationError{Field: "identifier", Reason: "invalid characters in " + s}
	}
	for _, part := range strings.Split(s, ".") {
		if reservedWords[strings.ToLower(part)] {
			return &ValidationError{Field: "identifier", Reason: "reserved word " + part}
		}
	}
	return nil
}

// ValidateCustomQuery checks an operator-supplied extraction query.
// Statement separators and line comments are rejected outright.
func ValidateCustomQuery(q string) error {
	trimmed := strings.TrimSpace(q)
	if trimmed == "" {
		return &ValidationError{Field: "query", Reason: "empty"}
	}
	if strings.Contains(trimmed, ";") {
		return &ValidationError{Field: "query", Reason: "statement separator not allowed"}
	}
	if strings.Contains(trimmed, "--") {
		return &ValidationError{Field: "query", Reason: "line comment not allowed"}
	}
	if !strings.HasPrefix(strings.ToUpper(trimmed), "SELECT") {
		return &ValidationError{Field: "query", Reason: "only SELECT queries allowed"}
	}
	return nil
}

// ValidateConnectorName rejects names that could carry markup into logs or
// rendered views.
func ValidateConnectorName(name string) error {
	if strings.TrimSpace(name) == "" {
		return &ValidationError{Field: "name", Reason: "empty"}
	}
	if strings.ContainsAny(name, "<>&") {
		return &ValidationError{Field: "name", Reason: "contains forbidden characters"}
	}
	return nil
}

var (
	// password=... in keyword DSNs and query strings.
	passwordKVPattern = regexp.MustCompile(`(?i)(password|pwd)(\s*=\s*)[^;&\s'"]+`)
	// ://user:secret@ in URL-style connection strings.
	urlCredPattern = regexp.MustCompile(`(://[^:/@\s]+:)[^@\s]+@`)
)

// RedactSecrets removes connection-string passwords from an error message
// before it is logged or persisted.
func RedactSecrets(msg string) string {
	msg = passwordKVPattern.ReplaceAllString(msg, "$1$2****")
	msg = urlCredPattern.ReplaceAllString(msg, "$1****@")
	return msg
}
