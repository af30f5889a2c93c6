// Package protocol defines the JSON frames exchanged on both legs of a
// relayed shell session.
//
// The package implements:
//   - Message: one Go type per frame kind, tagged by the "type" field
//   - Decode: a strict parser that rejects frames missing required fields
//   - Encode: serialises a Message with its type tag injected
//   - Close codes used when the relay terminates an agent connection
//
// The browser leg never carries a session id; the relay binds exactly one
// session to each browser connection and injects or strips the id itself.
// The agent leg multiplexes many sessions and every session-scoped frame
// names its session id. Shell bytes cross the agent leg base64 encoded.
package protocol
