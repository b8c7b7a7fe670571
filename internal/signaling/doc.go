// Package signaling carries session-negotiation messages and presence events
// between the participants of one voice channel.
//
// A Channel is scoped to a single voice-channel id. Messages are delivered to
// every other subscriber of the scope (or to one addressed participant),
// never back to the sender. Delivery is best effort: publishing before the
// channel is ready is a silent no-op.
package signaling
