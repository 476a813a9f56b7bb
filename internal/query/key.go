package query

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Key addresses one cache entry: a query name plus its canonical parameters.
type Key struct {
	name   string
	params string
}

// NewKey derives a key from name and params. Parameter order never matters and
// nil values are treated as absent.
func NewKey[V any](name string, params map[string]V) Key {
	if len(params) == 0 {
		return Key{name: name}
	}

	names := make([]string, 0, len(params))
	encoded := make(map[string]string, len(params))
	for k, v := range params {
		b, err := json.Marshal(v)
		if err != nil {
			b = []byte(fmt.Sprintf("%q", fmt.Sprint(v)))
		}
		if string(b) == "null" {
			continue
		}
		names = append(names, k)
		encoded[k] = string(b)
	}
	if len(names) == 0 {
		return Key{name: name}
	}
	sort.Strings(names)

	var sb strings.Builder
	sb.WriteByte('{')
	for i, k := range names {
		if i > 0 {
			sb.WriteByte(',')
		}
		kb, _ := json.Marshal(k)
		sb.Write(kb)
		sb.WriteByte(':')
		sb.WriteString(encoded[k])
	}
	sb.WriteByte('}')

	return Key{name: name, params: sb.String()}
}

// Name returns the query name.
func (k Key) Name() string {
	return k.name
}

// String renders the key, e.g. `schedules{"date":"2024-05-01"}`.
func (k Key) String() string {
	return k.name + k.params
}

// IsZero reports whether k was never set.
func (k Key) IsZero() bool {
	return k.name == "" && k.params == ""
}
