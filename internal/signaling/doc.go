// Package signaling implements the room signaling surface: the WebSocket
// protocol spoken by call participants, the 1:1 relay for negotiation
// envelopes, and the room event broadcaster (join/leave/media fan-out).
//
// The relay never interprets negotiation payloads. It resolves the target
// connection identity and forwards; everything inside the payload belongs to
// the peers. Room membership itself lives in the rooms package.
package signaling
