package bus

import "github.com/basket/agentcore/internal/shared"

// NewChannel constructs a channel in its zero-traffic state.
func NewChannel(name string, ctype ChannelType, access AccessControl) *Channel {
	return &Channel{
		Name:         name,
		Type:         ctype,
		Participants: make(map[string]struct{}),
		Access:       access,
	}
}

func (c *Channel) Join(agentID string) error {
	if !c.Access.allows(agentID) {
		return shared.NewInvalidInput("bus.channel.join", nil, map[string]any{"channel": c.Name, "agent_id": agentID, "reason": "access denied"})
	}
	c.Participants[agentID] = struct{}{}
	return nil
}

func (c *Channel) Leave(agentID string) {
	delete(c.Participants, agentID)
}

func (c *Channel) Stats() ChannelStats { return c.stats }

func (c *Channel) recordSent()      { c.stats.Sent++ }
func (c *Channel) recordDelivered() { c.stats.Delivered++ }
func (c *Channel) recordDropped()   { c.stats.Dropped++ }
