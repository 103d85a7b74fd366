package bus

import (
	"sort"
	"strings"
)

// RoutingRule is a highest-priority-wins rule that maps a message to an
// explicit target list, ahead of topic-map or channel-membership routing.
type RoutingRule struct {
	Name     string
	Priority int
	Match    func(Message) bool
	Targets  func(Message) []string
}

// RouteResolver is the pure half of the bus's delivery path (per the
// design-note split): given a message and the bus's current topology, it
// computes targets without performing any I/O or touching a clock.
type RouteResolver struct {
	rules    []RoutingRule
	channels map[string]*Channel
	subs     map[string][]Subscription // topic pattern -> subscriptions
}

func NewRouteResolver() *RouteResolver {
	return &RouteResolver{channels: make(map[string]*Channel), subs: make(map[string][]Subscription)}
}

func (r *RouteResolver) AddRule(rule RoutingRule) {
	r.rules = append(r.rules, rule)
	sort.SliceStable(r.rules, func(i, j int) bool { return r.rules[i].Priority > r.rules[j].Priority })
}

func (r *RouteResolver) PutChannel(c *Channel) { r.channels[c.Name] = c }
func (r *RouteResolver) Channel(name string) (*Channel, bool) {
	c, ok := r.channels[name]
	return c, ok
}
func (r *RouteResolver) RemoveChannel(name string) { delete(r.channels, name) }

func (r *RouteResolver) Subscribe(sub Subscription) {
	r.subs[sub.Topic] = append(r.subs[sub.Topic], sub)
}

func (r *RouteResolver) Unsubscribe(topic, subscriptionID string) {
	subs := r.subs[topic]
	for i, s := range subs {
		if s.ID == subscriptionID {
			r.subs[topic] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

// Resolve computes the ordered, deduplicated target agent list for msg sent
// to the given channel (if any). Resolution order: routing rule,
// topic-map, preferred-channel membership minus sender, direct to each
// receiver.
func (r *RouteResolver) Resolve(msg Message, channelName string) []string {
	for _, rule := range r.rules {
		if rule.Match(msg) {
			return dedupeExcluding(rule.Targets(msg), msg.Sender)
		}
	}

	if matched := r.topicTargets(msg); len(matched) > 0 {
		return dedupeExcluding(matched, msg.Sender)
	}

	if channelName != "" {
		if c, ok := r.channels[channelName]; ok {
			return r.resolveChannel(msg, c)
		}
	}

	if len(msg.Receivers) > 0 {
		return dedupeExcluding(msg.Receivers, "")
	}
	return nil
}

func (r *RouteResolver) resolveChannel(msg Message, c *Channel) []string {
	var targets []string
	switch c.Type {
	case ChannelBroadcast:
		for p := range c.Participants {
			if p != msg.Sender {
				targets = append(targets, p)
			}
		}
	case ChannelMulticast:
		for p := range c.Participants {
			targets = append(targets, p)
		}
	case ChannelTopic:
		targets = r.topicTargets(msg)
	case ChannelDirect, ChannelQueue:
		targets = append(targets, msg.Receivers...)
	}
	sort.Strings(targets)
	return targets
}

func (r *RouteResolver) topicTargets(msg Message) []string {
	var out []string
	for pattern, subs := range r.subs {
		if !topicMatches(pattern, msg.Type) {
			continue
		}
		for _, s := range subs {
			if s.Filter != nil && !matchFilter(*s.Filter, msg) {
				continue
			}
			out = append(out, s.Subscriber)
		}
	}
	return out
}

// topicMatches supports exact match, a trailing "*" wildcard, and a
// trailing "/#" multi-segment wildcard.
func topicMatches(pattern, topic string) bool {
	if pattern == topic || pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, "/#") {
		return strings.HasPrefix(topic, strings.TrimSuffix(pattern, "/#"))
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(topic, strings.TrimSuffix(pattern, "*"))
	}
	return false
}

func dedupeExcluding(targets []string, exclude string) []string {
	seen := make(map[string]struct{}, len(targets))
	var out []string
	for _, t := range targets {
		if t == exclude {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
