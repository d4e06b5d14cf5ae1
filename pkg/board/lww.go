package board

import "time"

// Wins reports whether an incoming write supersedes the current state under
// last-writer-wins: the larger commit-time timestamp wins; equal timestamps
// fall to the lexicographically larger writer id. Timestamps are stamped by
// the authoritative store at commit, never by clients, so every replica sees
// the same ordering and converges to the same value.
func Wins(incomingAt time.Time, incomingBy string, currentAt time.Time, currentBy string) bool {
	if !incomingAt.Equal(currentAt) {
		return incomingAt.After(currentAt)
	}
	return incomingBy >= currentBy
}

// MergeFields overlays incoming onto current at field granularity and returns
// the merged map. Neither input is modified. A nil incoming value deletes the
// field, mirroring a partial write that clears an attribute.
func MergeFields(current, incoming map[string]any) map[string]any {
	merged := make(map[string]any, len(current)+len(incoming))
	for k, v := range current {
		merged[k] = v
	}
	for k, v := range incoming {
		if v == nil {
			delete(merged, k)
			continue
		}
		merged[k] = v
	}
	return merged
}

// StripClientStamps removes the fields only the server may write. Clients
// must not attach their own updatedAt; the mutation API stamps lastEditedBy
// itself after resolving the caller's identity.
func StripClientStamps(fields map[string]any) {
	delete(fields, "id")
	delete(fields, "updatedAt")
	delete(fields, "lastEditedBy")
}
