// Package relay is the server side of the signaling channel. A Hub tracks
// which participants are subscribed to each voice channel and routes
// envelopes between them; WSServer exposes it over WebSocket. Several relay
// instances can share presence and traffic through a Backplane.
//
// The relay never inspects SDP or candidates. It only enforces the envelope
// shape, the sender's identity and the per-connection limits.
package relay
