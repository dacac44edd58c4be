package utils

// SafeMapAssert safely asserts a value to map[string]any. Used by the
// template path resolver to walk a "." / "[idx]" path through a decoded
// YAML/JSON tree without panicking on a non-map node.
func SafeMapAssert(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}

// SafeSliceAssert safely asserts a value to []any, the companion of
// SafeMapAssert for the "[idx]" path segment case.
func SafeSliceAssert(v any) ([]any, bool) {
	s, ok := v.([]any)
	return s, ok
}
