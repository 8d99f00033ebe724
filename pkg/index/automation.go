package index

import (
	"errors"
	"strings"
)

// ErrQueryLacksChangeset rejects automation queries that do not constrain the
// changeset subdocument. Such a query would re-match its reference on every
// unrelated update.
var ErrQueryLacksChangeset = errors.New("automation query must constrain the changeset subdocument")

// ValidateAutomationQuery checks that a stored automation query filters on
// the changeset half of the percolation document.
func ValidateAutomationQuery(q Query) error {
	for _, path := range FieldPaths(q) {
		if path == "changeset" || strings.HasPrefix(path, "changeset.") {
			return nil
		}
	}
	return ErrQueryLacksChangeset
}
