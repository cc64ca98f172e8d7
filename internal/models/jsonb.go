package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

//
// JSON column helpers
//

// JSONB is a helper for JSON columns (jsonb on Postgres, TEXT on SQLite).
// Backed by map[string]any and works with sqlx / database/sql.
type JSONB map[string]any

func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	b, err := json.Marshal(j)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (j *JSONB) Scan(value any) error {
	b, err := columnBytes("JSONB", value)
	if err != nil {
		return err
	}
	if len(b) == 0 {
		*j = nil
		return nil
	}
	return json.Unmarshal(b, j)
}

// StringList stores an ordered list of strings as a JSON array.
type StringList []string

func (s StringList) Value() (driver.Value, error) {
	if s == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]string(s))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (s *StringList) Scan(value any) error {
	b, err := columnBytes("StringList", value)
	if err != nil {
		return err
	}
	if len(b) == 0 {
		*s = StringList{}
		return nil
	}
	var out []string
	if err := json.Unmarshal(b, &out); err != nil {
		return err
	}
	*s = out
	return nil
}

// columnBytes normalizes the driver representations of a text column. lib/pq
// returns []byte while modernc sqlite returns string.
func columnBytes(kind string, value any) ([]byte, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return nil, fmt.Errorf("%s: expected []byte or string, got %T", kind, value)
	}
}
