package tools

import "context"

type contextKey string

const (
	conversationIDKey contextKey = "conversation_id"
	userIDKey         contextKey = "user_id"
	callIDKey         contextKey = "call_id"
)

// WithConversationID adds the conversation ID to the context.
func WithConversationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, conversationIDKey, id)
}

// ConversationIDFromContext extracts the conversation ID from the context.
// Returns "default" if not set.
func ConversationIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(conversationIDKey).(string); ok && id != "" {
		return id
	}
	return "default"
}

// WithUserID records the user on whose behalf tools run.
func WithUserID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, userIDKey, id)
}

// UserIDFromContext returns the user ID, or "" when unset.
func UserIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(userIDKey).(string)
	return id
}

// CallIDFromContext returns the correlation id of the call being
// executed, or "" outside the executor.
func CallIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(callIDKey).(string)
	return id
}

func withCallID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, callIDKey, id)
}
