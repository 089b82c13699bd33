package prompts

// consolidationTemplate instructs the model to distill older
// conversation messages into durable facts.
const consolidationTemplate = "Summarize the key facts, preferences, and important information " +
	"from this conversation. Be concise. Use bullet points. " +
	"Focus on what would be useful to remember for future conversations."

// ConsolidationPrompt returns the system prompt for memory
// consolidation. The conversation itself is sent as the user message.
func ConsolidationPrompt() string {
	return consolidationTemplate
}
