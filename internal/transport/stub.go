package transport

import (
	"context"
	"fmt"
)

// NullFactory is a placeholder ChannelFactory for deployments that have not
// wired a real SIP/RTP driver yet. Every dial fails immediately with an
// error, which the dispatcher treats as a ring failure with no specific
// cause.
type NullFactory struct{}

func (NullFactory) Dial(ctx context.Context, req DialRequest) (OutgoingChannel, error) {
	return nil, fmt.Errorf("transport: no channel driver configured, cannot dial %s", req.Interface)
}

func (NullFactory) Bridge(ctx context.Context, caller, winner string, callerFeatures, agentFeatures BridgeFeatures) error {
	return fmt.Errorf("transport: no channel driver configured, cannot bridge %s/%s", caller, winner)
}

// NullAnnouncer is a placeholder Announcer that drops every announcement.
// A real deployment wires a prompt-playback/TTS collaborator in its place.
type NullAnnouncer struct{}

func (NullAnnouncer) Announce(ctx context.Context, callerChannelID string, req AnnounceRequest) error {
	return nil
}
