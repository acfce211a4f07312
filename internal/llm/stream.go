package llm

import "context"

// DefaultChunkSize is the fragment length used when no chunk size is
// configured.
const DefaultChunkSize = 64

// StreamReply fetches one full completion and re-chunks it into fixed-size
// fragments, calling emit for each fragment in order. This deliberately
// emulates incremental delivery without true token streaming: the fragment
// boundary is a plain character count, never semantic.
//
// emit returning an error stops further delivery, but the assembled response
// is still returned so the caller can persist what was generated.
func StreamReply(ctx context.Context, client Completer, req CompletionRequest, chunkSize int, emit func(delta string) error) (*CompletionResponse, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	resp, err := client.Complete(ctx, req)
	if err != nil {
		return nil, err
	}

	runes := []rune(resp.Content)
	for i := 0; i < len(runes); i += chunkSize {
		end := i + chunkSize
		if end > len(runes) {
			end = len(runes)
		}
		if err := emit(string(runes[i:end])); err != nil {
			// Consumer is gone; keep the content for persistence.
			return resp, nil
		}
	}
	return resp, nil
}
