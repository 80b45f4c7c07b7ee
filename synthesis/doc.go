/*
Package synthesis turns an EvidenceSet into a cited answer through any
llm.Provider.

Client.GenerateCompletion returns a whole Result. Client.GenerateStreamingCompletion
returns a finite channel of StreamEvent values:

	chunk* (interleaved with citations / metadata) → response_completed → done

or an error event replacing the last two. Exactly one of done or error is
sent and the channel is closed right after it. Providers without streaming,
or a Client with streaming disabled, still produce this shape: one chunk
with the full answer, response_completed, done.

Citation markers are bound while text flows, so the concatenated chunk
payloads of a completed stream equal Result.Answer for the same provider
output.
*/
package synthesis
