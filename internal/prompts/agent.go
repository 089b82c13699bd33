package prompts

import "fmt"

// EmptyResponseNudge is injected when the model returns no content and
// no tool calls after using tools.
const EmptyResponseNudge = "You executed tool calls but did not provide a response to the user. Please respond now."

// EmptyResponseFallback is the reply when the model stays silent even
// after the nudge.
const EmptyResponseFallback = "I processed your request but wasn't able to compose a response. Please try again."

// IterationCapFallback is the reply when the iteration cap is reached
// and the model never produced any text.
const IterationCapFallback = "I was unable to complete that request."

// ProviderFailureReply is shown when the completion service fails after
// its retry.
const ProviderFailureReply = "Sorry, I couldn't reach the language model. Please try again in a moment."

// TimeoutReply is shown when a turn runs past its wall-clock limit.
const TimeoutReply = "Sorry, that took too long and I had to stop. Please try again or simplify the request."

// ContextOverflowReply is shown when the fixed parts of the context
// (instructions, skills, tool list, your message) exceed the budget.
const ContextOverflowReply = "Your message is too long for me to process. Please shorten it and try again."

// AbortedMarker is replayed in history in place of the reply to a turn
// that did not complete.
func AbortedMarker(reason string) string {
	return fmt.Sprintf("[turn aborted: %s]", reason)
}

// CancelledReply is the final message of a turn stopped because its
// conversation was cancelled or the service is shutting down.
const CancelledReply = "Request cancelled."
