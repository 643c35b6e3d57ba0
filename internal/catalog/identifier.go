package catalog

import (
	"regexp"
	"strings"
)

// tableNamePattern restricts catalog table names to plain identifiers so
// they can be interpolated into DDL.
var tableNamePattern = regexp.MustCompile("^[a-zA-Z0-9_]{1,64}$")

// InvalidTableError is returned for table names that cannot be used safely.
type InvalidTableError struct {
	Name string
}

func (e *InvalidTableError) Error() string {
	return "invalid catalog table name: " + e.Name + " (must be 1-64 alphanumeric characters or underscores)"
}

// quoteIdentifier wraps name in backticks, doubling embedded backticks.
func quoteIdentifier(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

// quoteTable validates and quotes a catalog table name.
func quoteTable(name string) (string, error) {
	if !tableNamePattern.MatchString(name) {
		return "", &InvalidTableError{Name: name}
	}
	return quoteIdentifier(name), nil
}
