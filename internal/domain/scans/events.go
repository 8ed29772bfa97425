package scans

import "fmt"

// Event kinds carried by the streamer envelope.
const (
	EventScanProgress    = "scan_progress"
	EventContainerStatus = "container_status"
	EventNotification    = "notification"
	EventScanComplete    = "scan_complete"
	EventScanError       = "scan_error"
)

// Topic helpers. Within one topic delivery order matches publish order;
// there is no ordering across topics.
func TopicScan(id ScanID) string            { return fmt.Sprintf("scan:%s", id) }
func TopicContainer(containerID string) string { return fmt.Sprintf("container:%s", containerID) }
func TopicNotifications(userID string) string  { return fmt.Sprintf("notifications:%s", userID) }
