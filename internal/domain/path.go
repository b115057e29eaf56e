package domain

import "strings"

// SplitPath splits a realtime store path "a/b/c" into its parent "a/b" and
// child "c". Paths need at least two non-empty segments.
func SplitPath(path string) (parent, child string, err error) {
	path = strings.Trim(path, "/")
	i := strings.LastIndexByte(path, '/')
	if i <= 0 || i == len(path)-1 {
		return "", "", ErrInvalidPath
	}
	parent, child = path[:i], path[i+1:]
	for _, seg := range strings.Split(parent, "/") {
		if seg == "" {
			return "", "", ErrInvalidPath
		}
	}
	return parent, child, nil
}
