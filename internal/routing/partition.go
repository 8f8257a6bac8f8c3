package routing

// Route assigns a contiguous slice of recipients to one target.
//
// Tier and Elastic are in-process metadata; the wire format only carries
// the address and recipients.
type Route struct {
	Target     string
	Recipients []string
	Tier       string
	Elastic    bool
}

// RouteResponse is the plan for one request. Routes are in visit order.
type RouteResponse struct {
	Message string
	Routes  []Route
}

// ElasticTierName labels elastic routes and plan counts.
const ElasticTierName = "elastic"

// TierUsage is how many routes a tier would receive.
type TierUsage struct {
	Tier     string
	Capacity int
	Routes   int
}

// Partitioner runs the ordered skip-fill over a topology.
type Partitioner struct {
	Topology *Topology
}

func NewPartitioner(t *Topology) Partitioner {
	if t == nil {
		t = DefaultTopology()
	}
	return Partitioner{Topology: t}
}

func (p Partitioner) topology() *Topology {
	if p.Topology == nil {
		return DefaultTopology()
	}
	return p.Topology
}

// Plan splits req.Recipients across the topology.
//
// Each fixed target takes exactly its capacity from the front of what is
// left, or nothing if fewer remain. Leftovers go one per elastic instance.
// Concatenating the routes' recipients yields req.Recipients unchanged.
func (p Partitioner) Plan(req RouteRequest) RouteResponse {
	topo := p.topology()
	recipients := req.Recipients
	remaining := len(recipients)

	resp := RouteResponse{Message: req.Message}
	if remaining == 0 {
		return resp
	}
	resp.Routes = make([]Route, 0, len(topo.targets)+1)

	cursor := 0
	for _, t := range topo.targets {
		if remaining < t.Capacity {
			continue
		}
		end := cursor + t.Capacity
		resp.Routes = append(resp.Routes, Route{
			Target:     t.Address,
			Recipients: recipients[cursor:end:end],
			Tier:       t.tier,
		})
		cursor = end
		remaining -= t.Capacity
	}

	for i := 0; remaining > 0; i++ {
		resp.Routes = append(resp.Routes, Route{
			Target:     topo.elastic.Address(i),
			Recipients: recipients[cursor : cursor+1 : cursor+1],
			Tier:       ElasticTierName,
			Elastic:    true,
		})
		cursor++
		remaining--
	}
	return resp
}

// Counts returns per-tier route counts for a batch of n recipients without
// building the routes. Tiers appear in priority order; the elastic tier is last.
func (p Partitioner) Counts(n int) []TierUsage {
	topo := p.topology()
	out := make([]TierUsage, 0, len(topo.fixed)+1)
	for _, tier := range topo.fixed {
		out = append(out, TierUsage{Tier: tier.Name, Capacity: tier.Capacity})
	}
	remaining := n
	for _, t := range topo.targets {
		if remaining < t.Capacity {
			continue
		}
		out[t.index].Routes++
		remaining -= t.Capacity
	}
	if remaining < 0 {
		remaining = 0
	}
	return append(out, TierUsage{Tier: ElasticTierName, Capacity: 1, Routes: remaining})
}
