package storage

import (
	"fmt"
	"regexp"
	"strings"
)

var identifierPattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]*$`)

const maxIdentifierLength = 1000

// SafeIdentifier is a table or column name that has been checked to be safe
// for interpolation into SQL. The zero value is not valid; obtain one from
// ParseIdentifier or MustIdentifier.
type SafeIdentifier struct {
	name string
}

// ParseIdentifier validates name. It rejects empty or very long names,
// names reserved by SQLite (the sqlite prefix) and anything that is not an
// ASCII letter followed by letters, digits or underscores.
func ParseIdentifier(name string) (SafeIdentifier, error) {
	switch {
	case name == "":
		return SafeIdentifier{}, fmt.Errorf("identifier is empty")
	case len(name) >= maxIdentifierLength:
		return SafeIdentifier{}, fmt.Errorf("identifier %.32q... is too long", name)
	case strings.HasPrefix(strings.ToLower(name), "sqlite"):
		return SafeIdentifier{}, fmt.Errorf("identifier %q is reserved", name)
	case !identifierPattern.MatchString(name):
		return SafeIdentifier{}, fmt.Errorf("identifier %q contains unsafe characters", name)
	}
	return SafeIdentifier{name: name}, nil
}

// MustIdentifier is like ParseIdentifier but panics on an unsafe name.
func MustIdentifier(name string) SafeIdentifier {
	id, err := ParseIdentifier(name)
	if err != nil {
		panic(fmt.Sprintf("unsafe SQL identifier: %v", err))
	}
	return id
}

// IsSafeIdentifier reports whether name would be accepted by ParseIdentifier.
func IsSafeIdentifier(name string) bool {
	_, err := ParseIdentifier(name)
	return err == nil
}

// String returns the raw name.
func (id SafeIdentifier) String() string {
	return id.name
}

// Quoted returns the name as a double-quoted SQL identifier.
func (id SafeIdentifier) Quoted() string {
	if id.name == "" {
		panic("use of zero SafeIdentifier")
	}
	return `"` + id.name + `"`
}

// IsZero reports whether id was never validated.
func (id SafeIdentifier) IsZero() bool {
	return id.name == ""
}
