package dispatch

import "strings"

var separators = []string{"://", "/", ".", "_", ":"}

// ProviderKey returns the part of a resource uri or tool name before its
// first separator, or the whole identifier when it has none.
func ProviderKey(id string) string {
	end := len(id)
	for _, sep := range separators {
		if i := strings.Index(id, sep); i >= 0 && i < end {
			end = i
		}
	}
	return id[:end]
}
