// Package channel maps a channel-type string to the capability that
// ingress uses to verify, translate, and (optionally) deliver for
// that channel.
package channel

import (
	"net/http"

	"github.com/kandev/dispatch/internal/store"
)

// TaskRequest is the unified shape a Channel's Translate produces,
// regardless of the channel-specific wire payload it came from.
type TaskRequest struct {
	SessionID     string
	ChannelType   string
	ChannelMeta   map[string]any
	Message       string
	Skills        []string
	BridgeConfigs []string
	Push          *store.PushNotification
}

// Defaults is the ordered set of skills and tool-bridge configs a
// channel contributes when a request does not specify its own.
type Defaults struct {
	Skills        []string
	BridgeConfigs []string
}

// DeliveryInput is what a Channel's Deliver receives once a task
// reaches terminal state.
type DeliveryInput struct {
	Status      store.TaskStatus
	Result      string
	ChannelMeta map[string]any
}

// Channel is the capability record for one channel-type. Deliver is
// optional; a nil value means "no post-terminal side effect".
type Channel struct {
	Type     string
	Defaults Defaults

	// Verify checks signature/auth over the raw inbound request.
	// Interactive-duplex ingress does not call Verify — acceptance of
	// the socket connection is the verification.
	Verify func(r *http.Request, body []byte) bool

	// Translate maps a channel-specific webhook payload into a unified
	// TaskRequest. Returning (nil, nil) means "ignore this payload".
	Translate func(r *http.Request, body []byte) (*TaskRequest, error)

	// Deliver runs at most once, after the task reaches terminal
	// state. May be nil.
	Deliver func(input DeliveryInput) error
}

// MergeDefaults prepends the channel's default skills/bridge-configs
// to the request's own list, per §3's "channel.defaults ⧺ request.list"
// (defaults first, order preserved).
func (c *Channel) MergeDefaults(req *TaskRequest) {
	if len(c.Defaults.Skills) > 0 {
		req.Skills = append(append([]string{}, c.Defaults.Skills...), req.Skills...)
	}
	if len(c.Defaults.BridgeConfigs) > 0 {
		req.BridgeConfigs = append(append([]string{}, c.Defaults.BridgeConfigs...), req.BridgeConfigs...)
	}
}

// Registry is a type -> Channel map, populated at startup.
type Registry struct {
	channels map[string]*Channel
}

func NewRegistry() *Registry {
	return &Registry{channels: make(map[string]*Channel)}
}

// Register adds or replaces the Channel for its type.
func (r *Registry) Register(ch *Channel) {
	r.channels[ch.Type] = ch
}

// Get looks up a channel by type.
func (r *Registry) Get(channelType string) (*Channel, bool) {
	ch, ok := r.channels[channelType]
	return ch, ok
}
