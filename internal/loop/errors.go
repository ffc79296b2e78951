package loop

import (
	"fmt"

	"github.com/jkaninda/fundi/internal/llm"
)

// MalformedResponseError reports a model that kept answering without tool
// calls until the retry budget ran out. Transcript carries the full
// conversation including every retry notice, for post-mortem inspection.
type MalformedResponseError struct {
	Attempts   int
	Transcript []llm.Message
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("model produced no tool calls in %d consecutive turns", e.Attempts)
}
