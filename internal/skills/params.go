package skills

import "strings"

func stringParam(params map[string]interface{}, key string) (string, bool) {
	v, ok := params[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func nonEmptyStringParam(params map[string]interface{}, key string) (string, bool) {
	s, ok := stringParam(params, key)
	if !ok {
		return "", false
	}
	if strings.TrimSpace(s) == "" {
		return "", false
	}
	return s, true
}

func boolParam(params map[string]interface{}, key string) (bool, bool) {
	v, ok := params[key]
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

// numberParam accepts both float64 (typical for decoded JSON) and int
// (programmatic callers) and returns the value as a float64.
func numberParam(params map[string]interface{}, key string) (float64, bool) {
	v, ok := params[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}

// attachmentsOK reports whether the optional attachments parameter is
// either absent or a JSON array, and whether it was non-empty (callers log
// a warning for non-empty attachments since content is ignored).
func attachmentsOK(params map[string]interface{}) (ok bool, nonEmpty bool) {
	v, present := params["attachments"]
	if !present {
		return true, false
	}
	arr, isArray := v.([]interface{})
	if !isArray {
		return false, false
	}
	return true, len(arr) > 0
}
