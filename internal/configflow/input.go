package configflow

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// stringValue returns the trimmed string at key. ok is false when the key
// is missing or null.
func (in Input) stringValue(key string) (value string, ok bool, err error) {
	raw, present := in[key]
	if !present || raw == nil {
		return "", false, nil
	}
	s, isString := raw.(string)
	if !isString {
		return "", true, fmt.Errorf("%s must be a string", key)
	}
	return strings.TrimSpace(s), true, nil
}

// intValue returns the integer at key. JSON numbers arrive as float64 and
// numeric strings are accepted.
func (in Input) intValue(key string) (value int, ok bool, err error) {
	raw, present := in[key]
	if !present || raw == nil {
		return 0, false, nil
	}
	n, err := toInt(raw)
	if err != nil {
		return 0, true, fmt.Errorf("%s: %w", key, err)
	}
	return n, true, nil
}

// idList returns the ids selected in a multi-select field. Ids may be sent
// as strings or numbers. ok is false when the key is missing.
func (in Input) idList(key string) (ids []int, ok bool, err error) {
	raw, present := in[key]
	if !present || raw == nil {
		return nil, false, nil
	}
	var items []any
	switch v := raw.(type) {
	case []any:
		items = v
	case []string:
		for _, s := range v {
			items = append(items, s)
		}
	case []int:
		return v, true, nil
	default:
		return nil, true, fmt.Errorf("%s must be a list", key)
	}
	for _, item := range items {
		n, err := toInt(item)
		if err != nil {
			return nil, true, fmt.Errorf("%s: %w", key, err)
		}
		ids = append(ids, n)
	}
	return ids, true, nil
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("%v is not an integer", n)
		}
		return int(n), nil
	case json.Number:
		i, err := n.Int64()
		return int(i), err
	case string:
		return strconv.Atoi(strings.TrimSpace(n))
	default:
		return 0, fmt.Errorf("unexpected %T", v)
	}
}
