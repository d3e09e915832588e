package policy

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
)

func snap(proto uint8, src, dst string, dstPort uint16) Snapshot {
	return Snapshot{
		Proto:   proto,
		Src:     netip.MustParseAddr(src),
		Dst:     netip.MustParseAddr(dst),
		DstPort: dstPort,
	}
}

func TestFirstMatchWins(t *testing.T) {
	eng := NewRuleEngine([]Rule{
		{Name: "allow-dns", Action: ActionAllow, Proto: 17, PortLow: 53},
		{Name: "deny-all-udp", Action: ActionDeny, Proto: 17},
	})

	assert.Equal(t, Allow, eng.Evaluate(snap(17, "10.0.0.1", "10.96.0.10", 53)))
	assert.Equal(t, Deny, eng.Evaluate(snap(17, "10.0.0.1", "10.96.0.10", 123)))
}

func TestNoMatchFallsThrough(t *testing.T) {
	eng := NewRuleEngine([]Rule{
		{Name: "allow-web", Action: ActionAllow, Proto: 6, PortLow: 80, PortHigh: 443},
	})

	assert.Equal(t, NoMatch, eng.Evaluate(snap(17, "10.0.0.1", "10.96.0.10", 53)))
}

func TestPrefixMatching(t *testing.T) {
	eng := NewRuleEngine([]Rule{
		{
			Name:   "cluster-only",
			Action: ActionAllow,
			Src:    netip.MustParsePrefix("10.0.0.0/16"),
			Dst:    netip.MustParsePrefix("10.96.0.0/12"),
		},
		{Name: "default-deny", Action: ActionDeny},
	})

	assert.Equal(t, Allow, eng.Evaluate(snap(6, "10.0.5.1", "10.96.0.10", 80)))
	assert.Equal(t, Deny, eng.Evaluate(snap(6, "192.168.1.1", "10.96.0.10", 80)))
	assert.Equal(t, Deny, eng.Evaluate(snap(6, "10.0.5.1", "8.8.8.8", 80)))
}

func TestPortRange(t *testing.T) {
	eng := NewRuleEngine([]Rule{
		{Name: "nodeports", Action: ActionAllow, Proto: 6, PortLow: 30000, PortHigh: 32767},
	})

	assert.Equal(t, Allow, eng.Evaluate(snap(6, "10.0.0.1", "10.0.0.2", 30000)))
	assert.Equal(t, Allow, eng.Evaluate(snap(6, "10.0.0.1", "10.0.0.2", 32767)))
	assert.Equal(t, NoMatch, eng.Evaluate(snap(6, "10.0.0.1", "10.0.0.2", 29999)))
}

func TestAllowAll(t *testing.T) {
	assert.Equal(t, Allow, AllowAll{}.Evaluate(Snapshot{}))
}

func TestVerdictString(t *testing.T) {
	assert.Equal(t, "allow", Allow.String())
	assert.Equal(t, "deny", Deny.String())
	assert.Equal(t, "no-match", NoMatch.String())
}
