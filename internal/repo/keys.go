package repo

import (
	"fmt"
	"time"
)

func roomKey(id string) string {
	return fmt.Sprintf("rooms:%s", id)
}
func usersKey(id string) string {
	return fmt.Sprintf("rooms:%s:users", id)
}
func userKey(rid, uid string) string {
	return fmt.Sprintf("users:%s:%s", rid, uid)
}
func playbackKey(id string) string {
	return fmt.Sprintf("rooms:%s:playback", id)
}
func playbackChannel(id string) string {
	return fmt.Sprintf("rooms:%s:playback:events", id)
}
func queueKey(id string) string {
	return fmt.Sprintf("rooms:%s:queue", id)
}
func queueItemsKey(id string) string {
	return fmt.Sprintf("rooms:%s:queue:items", id)
}
func queueChannel(id string) string {
	return fmt.Sprintf("rooms:%s:queue:events", id)
}

func sec(v int) time.Duration {
	return time.Duration(v) * time.Second
}
