// Package selector decides whether to switch the host's time server.
//
// # Selection Algorithm
//
// Scored candidates are ranked by score, then by lower stratum, then by
// higher reachability (the address breaks any remaining tie so the order
// is fully deterministic). The best candidate is then checked against two
// rules:
//   - Minimum score: a best score below MinScore keeps the current server
//   - Hysteresis: the relative gain over the current server must exceed
//     HysteresisPercent, so near-equal servers never cause a switch
//
// A current server that did not respond (or scored 0) counts as an
// infinite gain.
//
// # Usage
//
//	d := selector.Decide(results, current, selector.DefaultConfig())
//	if d.Action == selector.Switch {
//	    // reconfigure to d.Chosen
//	}
package selector
