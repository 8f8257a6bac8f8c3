package routing

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// DispatchTarget is one addressable worker with a fixed batch size.
type DispatchTarget struct {
	Address  string
	Capacity int
}

// Tier is a named run of targets sharing a capacity.
type Tier struct {
	Name      string
	Capacity  int
	Addresses []string
}

// ElasticTier generates capacity-1 targets on demand as Prefix+N,
// N = Start, Start+1, ...
type ElasticTier struct {
	Prefix string
	Start  int
}

// Address returns the address of the i-th (0-based) elastic instance.
func (e ElasticTier) Address(i int) string {
	return e.Prefix + strconv.Itoa(e.Start+i)
}

// Generates reports whether addr is Address(i) for some i >= 0.
func (e ElasticTier) Generates(addr string) bool {
	suffix, ok := strings.CutPrefix(addr, e.Prefix)
	if !ok || suffix == "" {
		return false
	}
	n, err := strconv.Atoi(suffix)
	return err == nil && n >= e.Start && strconv.Itoa(n) == suffix
}

// Topology is the static, ordered target list. It is immutable after
// NewTopology and safe for concurrent use.
type Topology struct {
	fixed   []Tier
	targets []tierTarget
	elastic ElasticTier
}

type tierTarget struct {
	tier  string
	index int // position in fixed
	DispatchTarget
}

// NewTopology validates and freezes the tier list. Tier order is the
// priority order; addresses within a tier are visited in the given order.
func NewTopology(fixed []Tier, elastic ElasticTier) (*Topology, error) {
	if strings.TrimSpace(elastic.Prefix) == "" {
		return nil, errors.New("topology.elastic.prefix is required")
	}
	if elastic.Start < 0 {
		return nil, errors.New("topology.elastic.start must be >= 0")
	}

	t := &Topology{elastic: elastic}
	seen := map[string]string{}
	names := map[string]int{}
	for i, tier := range fixed {
		path := fmt.Sprintf("topology.fixed[%d]", i)
		name := strings.TrimSpace(tier.Name)
		if name == "" {
			return nil, fmt.Errorf("%s.name is required", path)
		}
		if name == ElasticTierName {
			return nil, fmt.Errorf("%s: tier name %q is reserved", path, name)
		}
		if prev, dup := names[name]; dup {
			return nil, fmt.Errorf("%s: tier name %q already used by topology.fixed[%d]", path, name, prev)
		}
		names[name] = i
		if tier.Capacity <= 0 {
			return nil, fmt.Errorf("%s (%s): capacity must be > 0", path, name)
		}
		if len(tier.Addresses) == 0 {
			return nil, fmt.Errorf("%s (%s): at least one address is required", path, name)
		}
		addrs := make([]string, 0, len(tier.Addresses))
		for j, a := range tier.Addresses {
			a = strings.TrimSpace(a)
			if a == "" {
				return nil, fmt.Errorf("%s.addresses[%d]: empty address", path, j)
			}
			if other, dup := seen[a]; dup {
				return nil, fmt.Errorf("%s.addresses[%d]: address %q already used by tier %q", path, j, a, other)
			}
			if elastic.Generates(a) {
				return nil, fmt.Errorf("%s.addresses[%d]: address %q collides with elastic %s<N> from %d", path, j, a, elastic.Prefix, elastic.Start)
			}
			seen[a] = name
			addrs = append(addrs, a)
			t.targets = append(t.targets, tierTarget{tier: name, index: i, DispatchTarget: DispatchTarget{Address: a, Capacity: tier.Capacity}})
		}
		t.fixed = append(t.fixed, Tier{Name: name, Capacity: tier.Capacity, Addresses: addrs})
	}
	return t, nil
}

// DefaultTopology is the stock deployment: two 25s, one 10, one 5, then
// 10.0.1.N singles.
func DefaultTopology() *Topology {
	t, err := NewTopology(DefaultTiers(), DefaultElastic())
	if err != nil {
		panic(err)
	}
	return t
}

func DefaultTiers() []Tier {
	return []Tier{
		{Name: "large", Capacity: 25, Addresses: []string{"10.0.4.1", "10.0.4.2"}},
		{Name: "medium", Capacity: 10, Addresses: []string{"10.0.3.1"}},
		{Name: "small", Capacity: 5, Addresses: []string{"10.0.2.1"}},
	}
}

func DefaultElastic() ElasticTier { return ElasticTier{Prefix: "10.0.1.", Start: 1} }

// Fixed returns a copy of the fixed tiers in priority order.
func (t *Topology) Fixed() []Tier {
	out := make([]Tier, len(t.fixed))
	for i, tier := range t.fixed {
		out[i] = Tier{Name: tier.Name, Capacity: tier.Capacity, Addresses: append([]string(nil), tier.Addresses...)}
	}
	return out
}

func (t *Topology) Elastic() ElasticTier { return t.elastic }

// Targets returns the fixed targets flattened in visit order.
func (t *Topology) Targets() []DispatchTarget {
	out := make([]DispatchTarget, len(t.targets))
	for i, tt := range t.targets {
		out[i] = tt.DispatchTarget
	}
	return out
}

// Equal reports whether two topologies would produce identical plans.
func (t *Topology) Equal(o *Topology) bool {
	if t == nil || o == nil {
		return t == o
	}
	if t.elastic != o.elastic || len(t.targets) != len(o.targets) {
		return false
	}
	for i := range t.targets {
		if t.targets[i] != o.targets[i] {
			return false
		}
	}
	return true
}
