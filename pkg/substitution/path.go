package substitution

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Dotted-path helpers over map[string]any documents. Paths support object
// access ("device.name") and array indexing ("values[0].t"). Intermediate
// objects and arrays are created on set, mirroring how target templates are
// filled in.

var errEmptyPath = errors.New("empty path")

type pathPart struct {
	key      string
	index    int
	hasIndex bool
}

func parsePath(path string) ([]pathPart, error) {
	if path == "" {
		return nil, errEmptyPath
	}
	segments := strings.Split(path, ".")
	parts := make([]pathPart, 0, len(segments))
	for _, segment := range segments {
		open := strings.IndexByte(segment, '[')
		if open < 0 {
			parts = append(parts, pathPart{key: segment, index: -1})
			continue
		}
		close := strings.IndexByte(segment, ']')
		if close < open {
			return nil, fmt.Errorf("malformed array index in path %q", path)
		}
		index, err := strconv.Atoi(segment[open+1 : close])
		if err != nil || index < 0 {
			return nil, fmt.Errorf("invalid array index in path %q", path)
		}
		parts = append(parts, pathPart{key: segment[:open], index: index, hasIndex: true})
	}
	return parts, nil
}

// GetPath reads a value from a nested document. The second return reports
// whether the full path existed.
func GetPath(doc map[string]any, path string) (any, bool) {
	parts, err := parsePath(path)
	if err != nil {
		return nil, false
	}
	var current any = doc
	for _, part := range parts {
		obj, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = obj[part.key]
		if !ok {
			return nil, false
		}
		if part.hasIndex {
			arr, ok := current.([]any)
			if !ok || part.index >= len(arr) {
				return nil, false
			}
			current = arr[part.index]
		}
	}
	return current, true
}

// SetPath writes a value into a nested document, creating intermediate
// objects and growing arrays as needed.
func SetPath(doc map[string]any, path string, value any) error {
	parts, err := parsePath(path)
	if err != nil {
		return err
	}
	current := doc
	for i, part := range parts {
		last := i == len(parts)-1
		if !part.hasIndex {
			if last {
				current[part.key] = value
				return nil
			}
			current = ensureMap(current, part.key)
			continue
		}
		arr := ensureArray(current, part.key, part.index+1)
		if last {
			arr[part.index] = value
			current[part.key] = arr
			return nil
		}
		element, ok := arr[part.index].(map[string]any)
		if !ok {
			element = make(map[string]any)
			arr[part.index] = element
		}
		current[part.key] = arr
		current = element
	}
	return nil
}

// DeletePath removes a key from a nested document. Missing intermediate keys
// are not an error.
func DeletePath(doc map[string]any, path string) {
	parts, err := parsePath(path)
	if err != nil {
		return
	}
	current := doc
	for i, part := range parts {
		last := i == len(parts)-1
		if last && !part.hasIndex {
			delete(current, part.key)
			return
		}
		next, ok := current[part.key]
		if !ok {
			return
		}
		if part.hasIndex {
			arr, ok := next.([]any)
			if !ok || part.index >= len(arr) {
				return
			}
			if last {
				arr[part.index] = nil
				return
			}
			next = arr[part.index]
		}
		current, ok = next.(map[string]any)
		if !ok {
			return
		}
	}
}

func ensureMap(parent map[string]any, key string) map[string]any {
	if child, ok := parent[key].(map[string]any); ok {
		return child
	}
	child := make(map[string]any)
	parent[key] = child
	return child
}

func ensureArray(parent map[string]any, key string, size int) []any {
	arr, _ := parent[key].([]any)
	for len(arr) < size {
		arr = append(arr, nil)
	}
	return arr
}
