// Package hub terminates the two kinds of WebSocket legs the relay serves
// and routes shell traffic between them.
//
// Agents hold one outbound connection per node and authenticate in-band with
// an API key. Browsers arrive already authenticated by cookie and bind at
// most one shell session each. A single goroutine (Hub.Run) owns the node
// registry and the session table; connection goroutines only read frames and
// hand them to that loop, so the tables need no locks.
//
// Session lifecycle:
//
//	connect (browser) -> Pending -> ssh-start (agent)
//	ssh-ready (agent)  -> Active  -> connected (browser)
//	ssh-close / ssh-error / either leg drops -> removed
//
// Shell bytes travel base64 encoded between hub and agent and are decoded to
// UTF-8 text toward the browser. Each chunk is decoded on its own, so a
// multi-byte character split across two chunks renders as replacement
// characters.
package hub
