package protocol

// MergeHeaders combines connection-level defaults with per-call headers.
// A key present in both takes the per-call value. Neither input is modified;
// the result is nil when both are empty.
func MergeHeaders(defaults, headers map[string]string) map[string]string {
	if len(defaults) == 0 && len(headers) == 0 {
		return nil
	}
	out := make(map[string]string, len(defaults)+len(headers))
	for k, v := range defaults {
		out[k] = v
	}
	for k, v := range headers {
		out[k] = v
	}
	return out
}

// CopyHeaders returns a detached copy of h.
func CopyHeaders(h map[string]string) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}
