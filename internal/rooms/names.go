package rooms

import "strings"

const (
	communityPrefix = "community:"
	circlePrefix    = "circle:"
	userPrefix      = "user:"
)

// Community is the room every connection of a community joins.
func Community(id string) string { return communityPrefix + id }

// Circle is the chat room of one circle.
func Circle(id string) string { return circlePrefix + id }

// User is the personal room that receives direct messages for id.
func User(id string) string { return userPrefix + id }

// Kind returns "community", "circle" or "user", or "" for an unknown name.
func Kind(room string) string {
	for _, p := range []string{communityPrefix, circlePrefix, userPrefix} {
		if strings.HasPrefix(room, p) {
			return strings.TrimSuffix(p, ":")
		}
	}
	return ""
}
