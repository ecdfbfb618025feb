// Package metadata implements the metadata channel: one persistent,
// strictly half-duplex request/reply connection to a consumer, carrying a
// JSON document per frame and waiting for an opaque one line reply.
//
// The connection is dialed lazily. A watcher goroutine consumes the
// channel's own connect and disconnect notifications and is the only writer
// of the peer registry. While the registry is empty, Send is a no-op success
// so a frame never waits on a reply from a peer that is not there.
//
// Requests are framed as newline-terminated JSON through a net/rpc client
// codec; the consumer side only has to read a line and write a line.
package metadata
