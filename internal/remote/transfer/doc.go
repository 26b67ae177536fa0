// Package transfer moves files to and from the remote service.
//
// Uploads are split into fixed-size chunks sent strictly in order. Each chunk
// is retried on its own and always resent unchanged; once a chunk request is
// on the wire it is allowed to finish even if the caller cancels, and
// cancellation takes effect before the next chunk. Downloads stream into a
// temporary file beside the destination and are renamed into place only after
// the received length matches what the remote declared.
package transfer
