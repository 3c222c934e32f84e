package dbtypes

import (
	"database/sql/driver"
	"fmt"
	"slices"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// UUIDArray maps a Postgres uuid[] column. Array literal parsing and quoting
// are delegated to pq.StringArray.
type UUIDArray []uuid.UUID

func (a *UUIDArray) Scan(src any) error {
	var raw pq.StringArray
	if err := raw.Scan(src); err != nil {
		return fmt.Errorf("scan uuid array: %w", err)
	}
	ids := make(UUIDArray, 0, len(raw))
	for _, s := range raw {
		id, err := uuid.Parse(s)
		if err != nil {
			return fmt.Errorf("scan uuid array element %q: %w", s, err)
		}
		ids = append(ids, id)
	}
	*a = ids
	return nil
}

// Value always writes an array literal; an empty or nil slice becomes {}.
func (a UUIDArray) Value() (driver.Value, error) {
	raw := make(pq.StringArray, 0, len(a))
	for _, id := range a {
		raw = append(raw, id.String())
	}
	return raw.Value()
}

func (a UUIDArray) Contains(id uuid.UUID) bool {
	return slices.Contains(a, id)
}
