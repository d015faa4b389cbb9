/*Package protocol defines the wire contract between the platform and its
player devices: the versioned topic namespace, the message envelope, and the
correlator that pairs asynchronous responses with their requests.

The transport is plain publish/subscribe with at-least-once delivery and no
ordering across topics. Everything beyond that, correlation, timeouts and
per-device access scoping, is built here.
*/
package protocol

import (
	"strings"

	"github.com/google/uuid"
)

// TopicPrefix is the versioned root of the artcast topic namespace.
const TopicPrefix = "artcast/v1"

// The topic classes. Every topic has the form
// artcast/v1/<class>/<device_id>, so that broker-side access control can
// scope a device to its own subtree by path alone.
const (
	// ClassCommands carries server-initiated command requests to a device.
	ClassCommands = "commands"
	// ClassResults carries the device's responses to commands.
	ClassResults = "results"
	// ClassNotifications carries fire-and-forget notifications to a device.
	ClassNotifications = "notifications"
	// ClassRequests carries device-initiated requests to the server.
	ClassRequests = "requests"
	// ClassResponses carries the server's responses to device requests.
	ClassResponses = "responses"
)

// CommandTopic returns the topic on which the device receives commands.
func CommandTopic(deviceID uuid.UUID) string {
	return TopicPrefix + "/" + ClassCommands + "/" + deviceID.String()
}

// ResultTopic returns the topic on which the device publishes command results.
func ResultTopic(deviceID uuid.UUID) string {
	return TopicPrefix + "/" + ClassResults + "/" + deviceID.String()
}

// NotificationTopic returns the topic on which the device receives
// notifications.
func NotificationTopic(deviceID uuid.UUID) string {
	return TopicPrefix + "/" + ClassNotifications + "/" + deviceID.String()
}

// RequestTopic returns the topic on which the device publishes requests.
func RequestTopic(deviceID uuid.UUID) string {
	return TopicPrefix + "/" + ClassRequests + "/" + deviceID.String()
}

// ResponseTopic returns the topic on which the device receives responses to
// its requests.
func ResponseTopic(deviceID uuid.UUID) string {
	return TopicPrefix + "/" + ClassResponses + "/" + deviceID.String()
}

// ParseTopic splits an artcast topic into its class and device identity.
// It returns ok false for anything outside the artcast namespace or not
// matching the artcast/v1/<class>/<device_id> form.
func ParseTopic(topic string) (class string, deviceID uuid.UUID, ok bool) {
	rest, found := strings.CutPrefix(topic, TopicPrefix+"/")
	if !found {
		return "", uuid.UUID{}, false
	}
	segments := strings.Split(rest, "/")
	if len(segments) != 2 {
		return "", uuid.UUID{}, false
	}
	deviceID, err := uuid.Parse(segments[1])
	if err != nil {
		return "", uuid.UUID{}, false
	}
	switch segments[0] {
	case ClassCommands, ClassResults, ClassNotifications, ClassRequests, ClassResponses:
		return segments[0], deviceID, true
	}
	return "", uuid.UUID{}, false
}

// CanSubscribe reports whether the device may subscribe to the topic.
// A device may only subscribe to its own command, notification and response
// topics. It must never be able to subscribe to another device's subtree.
func CanSubscribe(deviceID uuid.UUID, topic string) bool {
	class, topicDevice, ok := ParseTopic(topic)
	if !ok || topicDevice != deviceID {
		return false
	}
	switch class {
	case ClassCommands, ClassNotifications, ClassResponses:
		return true
	}
	return false
}

// CanPublish reports whether the device may publish on the topic.
// A device may only publish requests and command results under its own
// identity.
func CanPublish(deviceID uuid.UUID, topic string) bool {
	class, topicDevice, ok := ParseTopic(topic)
	if !ok || topicDevice != deviceID {
		return false
	}
	switch class {
	case ClassRequests, ClassResults:
		return true
	}
	return false
}
