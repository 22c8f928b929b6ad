package channel

// DuplexChannelType is the channel-type key for the interactive
// browser-facing websocket ingress. The duplex channel never arrives
// via webhook, so it carries no Translate or Verify — the ingress
// package constructs TaskRequest values directly from inbound frames
// and calls MergeDefaults itself. Per §4.4, verification for this
// channel is satisfied by connection acceptance.
const DuplexChannelType = "duplex"

// NewDuplexChannel returns the channel record for interactive-duplex
// ingress, with no Deliver side effect (the browser connection itself
// is the delivery surface).
func NewDuplexChannel(defaultSkills, defaultBridgeConfigs []string) *Channel {
	return &Channel{
		Type: DuplexChannelType,
		Defaults: Defaults{
			Skills:        defaultSkills,
			BridgeConfigs: defaultBridgeConfigs,
		},
	}
}
