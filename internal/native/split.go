package native

import (
	"fmt"
	"regexp"
	"strconv"
)

var splitPattern = regexp.MustCompile(`^(.*)-(\d{5})-of-(\d{5})\.gguf$`)

// SplitPath returns the file name of part idx (1-based) of a model split
// into count parts: <prefix>-00001-of-00003.gguf.
func SplitPath(prefix string, idx, count int) string {
	return fmt.Sprintf("%s-%05d-of-%05d.gguf", prefix, idx, count)
}

// SplitPrefix inverts SplitPath.
func SplitPrefix(path string) (prefix string, idx, count int, ok bool) {
	m := splitPattern.FindStringSubmatch(path)
	if m == nil {
		return "", 0, 0, false
	}
	idx, _ = strconv.Atoi(m[2])
	count, _ = strconv.Atoi(m[3])
	if idx < 1 || idx > count {
		return "", 0, 0, false
	}
	return m[1], idx, count, true
}
