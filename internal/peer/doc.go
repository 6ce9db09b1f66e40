// Package peer implements the sPin engine: everything a peer does beyond
// durably storing bytes. It ties the metadata store, the object store, and
// the peer table together under one HTTP surface and one maintenance loop.
//
// # Request surface
//
// Four wire endpoints plus two diagnostics:
//
//	POST /add/{identifier}  store a replica (client upload or pin instruction)
//	GET  /get/{identifier}  serve a replica, pulling through on a miss
//	POST /del/{identifier}  drop (body "drop") or tombstone (any other body)
//	POST /info              ingest a gossip payload
//	GET  /status            counts and disk usage
//	GET  /health            liveness probe
//
// A GET whose body is the literal "peer" comes from another peer's
// pull-through and is answered from local state only, so transfers never
// chain. A DEL whose body is the literal "drop" comes from a replication
// controller and removes only the local replica; every other DEL is a
// client deletion, which writes a tombstone that permanently suppresses
// the identifier.
//
// # Worldview and gossip
//
// The worldview is this peer's belief about which peers hold which
// objects, fed exclusively by inbound /info posts and aged out by the
// maintenance loop. After every registry poll the engine broadcasts its
// own pin set to every known peer; tombstoned objects in inbound gossip
// are answered with a deletion callback to the sender, which is how
// deletions propagate with no fan-out on the DEL itself.
//
// # Replication control
//
// Each maintenance tick compares, per pinned object, the number of known
// replicas against the target k = ceil(|peers| / kDenom). The correction
// is decided by a coordination-free election: the lexicographically
// minimum holder fixes under-replication by uploading to a random
// non-holder, the maximum holder fixes over-replication by instructing a
// random holder to drop. Every peer computes the same outcome from the
// same worldview; divergent worldviews merely over- or under-correct,
// which the next tick repairs.
package peer
