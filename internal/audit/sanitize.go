package audit

import (
	"context"
	"strings"
)

// Redacted replaces the value of every sensitive parameter.
const Redacted = "[REDACTED]"

// Sanitize returns a copy of params with the value of every key that contains one of
// sensitiveKeys (case-insensitive) replaced by Redacted. Nested maps and lists are walked.
func Sanitize(params map[string]any, sensitiveKeys []string) map[string]any {
	if params == nil {
		return nil
	}
	lowered := make([]string, 0, len(sensitiveKeys))
	for _, k := range sensitiveKeys {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			lowered = append(lowered, k)
		}
	}
	return sanitizeMap(params, lowered)
}

func sanitizeMap(m map[string]any, sensitive []string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if isSensitive(k, sensitive) {
			out[k] = Redacted
			continue
		}
		out[k] = sanitizeValue(v, sensitive)
	}
	return out
}

func sanitizeValue(v any, sensitive []string) any {
	switch t := v.(type) {
	case map[string]any:
		return sanitizeMap(t, sensitive)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = sanitizeValue(e, sensitive)
		}
		return out
	default:
		return v
	}
}

func isSensitive(key string, sensitive []string) bool {
	k := strings.ToLower(key)
	for _, s := range sensitive {
		if strings.Contains(k, s) {
			return true
		}
	}
	return false
}

// requestMetadata builds record metadata from the request carried by ctx.
func requestMetadata(ctx context.Context, sensitiveKeys []string) map[string]any {
	info, ok := RequestFrom(ctx)
	if !ok {
		return nil
	}
	meta := make(map[string]any)
	setIf := func(k, v string) {
		if v != "" {
			meta[k] = v
		}
	}
	setIf("route", info.Route)
	setIf("method", info.Method)
	setIf("url", info.URL)
	setIf("ip", info.IP)
	setIf("user_agent", info.UserAgent)
	if len(info.Params) > 0 {
		meta["request_params"] = Sanitize(info.Params, sensitiveKeys)
	}
	if len(info.Tags) > 0 {
		tags := make([]any, len(info.Tags))
		for i, t := range info.Tags {
			tags[i] = t
		}
		meta["tags"] = tags
	}
	return meta
}
