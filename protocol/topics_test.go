package protocol

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestParseTopic(t *testing.T) {
	deviceID := uuid.New()

	class, parsedID, ok := ParseTopic(CommandTopic(deviceID))
	assert.True(t, ok)
	assert.Equal(t, ClassCommands, class)
	assert.Equal(t, deviceID, parsedID)

	class, parsedID, ok = ParseTopic(RequestTopic(deviceID))
	assert.True(t, ok)
	assert.Equal(t, ClassRequests, class)
	assert.Equal(t, deviceID, parsedID)

	for _, topic := range []string{
		"",
		"somewhere/else",
		"artcast/v1",
		"artcast/v1/commands",
		"artcast/v1/commands/not-a-uuid",
		"artcast/v1/commands/#",
		"artcast/v1/commands/+",
		"artcast/v1/firmware/" + deviceID.String(),
		"artcast/v2/commands/" + deviceID.String(),
		"artcast/v1/commands/" + deviceID.String() + "/extra",
	} {
		_, _, ok := ParseTopic(topic)
		assert.False(t, ok, "topic %q should not parse", topic)
	}
}

func TestCanSubscribe(t *testing.T) {
	deviceID := uuid.New()
	otherID := uuid.New()

	// a device listens to its own commands, notifications and responses
	assert.True(t, CanSubscribe(deviceID, CommandTopic(deviceID)))
	assert.True(t, CanSubscribe(deviceID, NotificationTopic(deviceID)))
	assert.True(t, CanSubscribe(deviceID, ResponseTopic(deviceID)))

	// but never to the server-side classes
	assert.False(t, CanSubscribe(deviceID, RequestTopic(deviceID)))
	assert.False(t, CanSubscribe(deviceID, ResultTopic(deviceID)))

	// and never to another device's subtree
	assert.False(t, CanSubscribe(deviceID, CommandTopic(otherID)))
	assert.False(t, CanSubscribe(deviceID, NotificationTopic(otherID)))

	// wildcards must not slip through
	assert.False(t, CanSubscribe(deviceID, TopicPrefix+"/commands/#"))
	assert.False(t, CanSubscribe(deviceID, TopicPrefix+"/#"))
	assert.False(t, CanSubscribe(deviceID, "#"))
}

func TestCanPublish(t *testing.T) {
	deviceID := uuid.New()
	otherID := uuid.New()

	// a device publishes its own requests and command results
	assert.True(t, CanPublish(deviceID, RequestTopic(deviceID)))
	assert.True(t, CanPublish(deviceID, ResultTopic(deviceID)))

	// it must not impersonate the server
	assert.False(t, CanPublish(deviceID, CommandTopic(deviceID)))
	assert.False(t, CanPublish(deviceID, NotificationTopic(deviceID)))
	assert.False(t, CanPublish(deviceID, ResponseTopic(deviceID)))

	// nor speak for another device
	assert.False(t, CanPublish(deviceID, RequestTopic(otherID)))
	assert.False(t, CanPublish(deviceID, ResultTopic(otherID)))
}
