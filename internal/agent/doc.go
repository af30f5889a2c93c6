// Package agent runs on each fleet node. It keeps one authenticated
// WebSocket link to the relay alive, reconnecting with capped exponential
// backoff, and serves the shell sessions the relay opens over it by dialing
// the node's own SSH daemon on loopback.
package agent
