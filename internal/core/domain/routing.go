package domain

// RoutingTable maps notification categories to the channels they are allowed
// to use. The table is loaded from configuration so the category vocabulary
// can grow without a code change; categories with no rule fall back to the
// default channel set.
type RoutingTable struct {
	rules    map[Category][]Channel
	fallback []Channel
}

// NewRoutingTable builds a table from config-level string maps.
func NewRoutingTable(rules map[string][]string, fallback []string) *RoutingTable {
	t := &RoutingTable{rules: make(map[Category][]Channel, len(rules))}
	for cat, chans := range rules {
		t.rules[Category(cat)] = toChannels(chans)
	}
	t.fallback = toChannels(fallback)
	return t
}

func toChannels(names []string) []Channel {
	out := make([]Channel, 0, len(names))
	for _, n := range names {
		out = append(out, Channel(n))
	}
	return out
}

// ChannelsFor returns the candidate channels for a category.
func (t *RoutingTable) ChannelsFor(cat Category) []Channel {
	if chans, ok := t.rules[cat]; ok {
		return chans
	}
	return t.fallback
}

// DefaultRouting returns the routing used when the config has no routing
// section: security and administrative traffic reaches every push-capable
// channel, marketing stays on email only.
func DefaultRouting() *RoutingTable {
	return NewRoutingTable(map[string][]string{
		string(CategorySecurity):       {"in_app", "email", "push", "sms"},
		string(CategoryAdministrative): {"in_app", "email", "push"},
		string(CategoryMarketing):      {"email"},
		string(CategoryChat):           {"in_app", "push"},
	}, []string{"in_app", "email"})
}
