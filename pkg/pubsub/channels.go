package pubsub

import "fmt"

// Channel naming for live-class fan-out between chat-service instances.
const (
	ChannelLiveClassEvents = "liveclass:%s:events"
	PatternLiveClassEvents = "liveclass:*:events"
)

// LiveClassChannel returns the fan-out channel of one live class.
func LiveClassChannel(liveClassID string) string {
	return fmt.Sprintf(ChannelLiveClassEvents, liveClassID)
}
