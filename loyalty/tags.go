package loyalty

import (
	"strconv"
	"strings"
)

// Tag prefixes on the platform's customer record.
const (
	TagPrefixPoints   = "Loyalty:Points:"
	TagPrefixTier     = "Loyalty:Tier:"
	TagPrefixLifetime = "Loyalty:Lifetime:"
)

// IsLoyaltyTag reports whether tag is owned by this service.
func IsLoyaltyTag(tag string) bool {
	tag = strings.TrimSpace(tag)
	return strings.HasPrefix(tag, TagPrefixPoints) ||
		strings.HasPrefix(tag, TagPrefixTier) ||
		strings.HasPrefix(tag, TagPrefixLifetime)
}

// DecodeTags rebuilds a profile from the record's tags.
//
// The first tag per prefix wins. Missing tags yield a new profile
// (0 / Standard / 0). Payloads that are not integers decode as 0: a
// corrupted tag resets that field instead of failing every read, at the
// cost of silently zeroing it.
func DecodeTags(customerID string, tags []string) Profile {
	p := Profile{CustomerID: customerID, Tier: TierStandard}
	var havePoints, haveTier, haveLifetime bool

	for _, raw := range tags {
		tag := strings.TrimSpace(raw)
		switch {
		case !havePoints && strings.HasPrefix(tag, TagPrefixPoints):
			p.PointsBalance = parsePoints(tag[len(TagPrefixPoints):])
			havePoints = true
		case !haveTier && strings.HasPrefix(tag, TagPrefixTier):
			if name := strings.TrimSpace(tag[len(TagPrefixTier):]); name != "" {
				p.Tier = Tier(name)
			}
			haveTier = true
		case !haveLifetime && strings.HasPrefix(tag, TagPrefixLifetime):
			p.LifetimePoints = parsePoints(tag[len(TagPrefixLifetime):])
			haveLifetime = true
		}
	}
	return p
}

// EncodeTags drops every loyalty tag from current and appends the three
// tags for p. Other tags keep their order. current must be the tag set
// read immediately before the write.
func EncodeTags(p Profile, current []string) []string {
	out := make([]string, 0, len(current)+3)
	for _, tag := range current {
		if IsLoyaltyTag(tag) {
			continue
		}
		out = append(out, tag)
	}
	tier := p.Tier
	if tier == "" {
		tier = TierStandard
	}
	return append(out,
		TagPrefixPoints+strconv.FormatInt(p.PointsBalance, 10),
		TagPrefixTier+string(tier),
		TagPrefixLifetime+strconv.FormatInt(p.LifetimePoints, 10),
	)
}

func parsePoints(s string) int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0
	}
	return n
}
