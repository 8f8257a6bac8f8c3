// Package routing validates batch send-requests and splits their recipients
// across a static pool of dispatch targets.
//
// The pipeline is two pure functions:
//
//	req, err := validator.Parse(body)   // accept or reject
//	resp := partitioner.Plan(req)       // ordered skip-fill over the topology
//
// A Topology is built once at startup and shared read-only by every request.
// Fixed-capacity targets are either filled completely or skipped; whatever is
// left over goes one recipient per instance to the elastic tier, so planning
// always places every recipient.
package routing
