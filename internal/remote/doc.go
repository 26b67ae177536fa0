// Package remote holds the vocabulary shared by every part of the remote
// workflow client: task states and statuses, artifact references, workflow
// parameters, the typed error taxonomy, the retry policy that every network
// call runs under, and the Protocol adapter that maps client operations onto a
// concrete wire format.
//
// Subpackages build on it:
//   - auth owns the credential and hands out request headers.
//   - transfer moves artifacts with chunked uploads and streamed downloads.
//   - poller waits for a remote task to reach a terminal state.
//   - client composes the three into submit, track, and retrieve operations.
//
// Nothing in this package blocks except Retrier.Do and Send; both honour the
// context they are given.
package remote
