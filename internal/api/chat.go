package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/yuin/goldmark"

	"github.com/nugget/rotbot/internal/bus"
)

// SimpleChatRequest is the body of POST /v1/chat.
type SimpleChatRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id,omitempty"`
	UserID         string `json:"user_id,omitempty"`
	// Format selects the reply encoding: "markdown" (default) or "html".
	Format string `json:"format,omitempty"`
}

// SimpleChatResponse is the reply to POST /v1/chat.
type SimpleChatResponse struct {
	Response       string   `json:"response"`
	HTML           string   `json:"html,omitempty"`
	ConversationID string   `json:"conversation_id"`
	TurnID         string   `json:"turn_id,omitempty"`
	Aborted        bool     `json:"aborted,omitempty"`
	ToolCalls      []string `json:"tool_calls,omitempty"` // tool names used
}

// renderHTML converts a markdown reply to HTML.
func renderHTML(md string) (string, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(md), &buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// handleSimpleChat runs one turn and returns its reply.
// POST /v1/chat {"message": "what's the weather?"}
func (s *Server) handleSimpleChat(w http.ResponseWriter, r *http.Request) {
	var req SimpleChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Message == "" {
		s.errorResponse(w, http.StatusBadRequest, "message is required")
		return
	}
	if req.Format != "" && req.Format != "markdown" && req.Format != "html" {
		s.errorResponse(w, http.StatusBadRequest, "format must be markdown or html")
		return
	}

	chatID := req.ConversationID
	if chatID == "" {
		chatID = uuid.NewString()
	}
	msg := bus.InboundMessage{
		Channel: ChannelHTTP,
		ChatID:  chatID,
		UserID:  req.UserID,
		Content: req.Message,
	}

	var toolsUsed []string
	out, err := s.bus.Send(r.Context(), msg, func(u bus.OutboundMessage) {
		if u.Kind == bus.KindToolStart {
			toolsUsed = append(toolsUsed, u.Tool)
		}
	})
	if err != nil {
		s.sendError(w, err)
		return
	}

	resp := SimpleChatResponse{
		Response:       out.Content,
		ConversationID: chatID,
		TurnID:         out.TurnID,
		Aborted:        out.Kind == bus.KindAborted,
		ToolCalls:      toolsUsed,
	}
	if req.Format == "html" {
		html, err := renderHTML(out.Content)
		if err != nil {
			s.logger.Warn("markdown render failed", "error", err)
		}
		resp.HTML = html
	}
	writeJSON(w, resp, s.logger)
}

func (s *Server) sendError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, bus.ErrQueueFull):
		s.errorResponse(w, http.StatusTooManyRequests, "too many queued messages for this conversation")
	case errors.Is(err, bus.ErrClosed):
		s.errorResponse(w, http.StatusServiceUnavailable, "shutting down")
	default:
		s.logger.Debug("chat request ended", "error", err)
		s.errorResponse(w, http.StatusGatewayTimeout, "request cancelled")
	}
}

// ChatMessage is one message in an OpenAI-compatible request.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatCompletionRequest is the OpenAI-compatible request format. Only
// the last user message is used; history comes from the conversation
// named by User (or the X-Conversation-ID header).
type ChatCompletionRequest struct {
	Model    string        `json:"model"`
	Messages []ChatMessage `json:"messages"`
	Stream   bool          `json:"stream,omitempty"`
	User     string        `json:"user,omitempty"`
}

// ChatCompletionResponse is the OpenAI-compatible response format.
type ChatCompletionResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
}

// Choice represents a completion choice.
type Choice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

// StreamChunk is the SSE format for streaming responses.
type StreamChunk struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Choices []StreamChoice `json:"choices"`
}

// StreamChoice represents a streaming choice with delta content.
type StreamChoice struct {
	Index        int         `json:"index"`
	Delta        StreamDelta `json:"delta"`
	FinishReason *string     `json:"finish_reason"`
}

// StreamDelta represents incremental content.
type StreamDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

func lastUserMessage(msgs []ChatMessage) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" {
			return msgs[i].Content
		}
	}
	return ""
}

func finishReason(out bus.OutboundMessage) string {
	if out.Kind == bus.KindAborted {
		return "error"
	}
	return "stop"
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	content := lastUserMessage(req.Messages)
	if content == "" {
		s.errorResponse(w, http.StatusBadRequest, "a user message is required")
		return
	}

	chatID := r.Header.Get("X-Conversation-ID")
	if chatID == "" {
		chatID = req.User
	}
	if chatID == "" {
		chatID = "openai"
	}
	msg := bus.InboundMessage{Channel: ChannelHTTP, ChatID: chatID, UserID: req.User, Content: content}

	if req.Stream {
		s.handleStreamingCompletion(w, r, msg)
		return
	}

	out, err := s.bus.Send(r.Context(), msg, nil)
	if err != nil {
		s.sendError(w, err)
		return
	}
	writeJSON(w, ChatCompletionResponse{
		ID:      "chatcmpl-" + out.TurnID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   s.cfg.Model,
		Choices: []Choice{{
			Message:      ChatMessage{Role: "assistant", Content: out.Content},
			FinishReason: finishReason(out),
		}},
	}, s.logger)
}

func (s *Server) handleStreamingCompletion(w http.ResponseWriter, r *http.Request, msg bus.InboundMessage) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	rc := http.NewResponseController(w)
	completionID := fmt.Sprintf("chatcmpl-%d", time.Now().UnixNano())
	created := time.Now().Unix()
	chunk := func(delta StreamDelta, finish *string) StreamChunk {
		return StreamChunk{
			ID:      completionID,
			Object:  "chat.completion.chunk",
			Created: created,
			Model:   s.cfg.Model,
			Choices: []StreamChoice{{Delta: delta, FinishReason: finish}},
		}
	}

	s.writeSSE(w, chunk(StreamDelta{Role: "assistant"}, nil))
	_ = rc.Flush()

	// shown is the streamed text since the last reset. Deltas cannot be
	// taken back, so a reset starts a new paragraph instead.
	var shown strings.Builder
	out, err := s.bus.Send(r.Context(), msg, func(u bus.OutboundMessage) {
		switch u.Kind {
		case bus.KindFragment:
			shown.WriteString(u.Content)
			s.writeSSE(w, chunk(StreamDelta{Content: u.Content}, nil))
		case bus.KindReset:
			if shown.Len() > 0 {
				s.writeSSE(w, chunk(StreamDelta{Content: "\n\n"}, nil))
			}
			shown.Reset()
		case bus.KindToolStart, bus.KindToolEnd:
			// Keepalive while tools run.
			fmt.Fprintf(w, ": %s %s\n\n", u.Kind, u.Tool)
		}
		_ = rc.Flush()
	})
	if err != nil {
		s.logger.Debug("streaming completion ended early", "error", err)
		return
	}

	if rest := unstreamed(shown.String(), out.Content); rest != "" {
		s.writeSSE(w, chunk(StreamDelta{Content: rest}, nil))
	}
	reason := finishReason(out)
	s.writeSSE(w, chunk(StreamDelta{}, &reason))
	fmt.Fprint(w, "data: [DONE]\n\n")
	_ = rc.Flush()
}

// unstreamed is the part of reply a client holding shown still needs.
// Fragments are a prefix of the reply unless a guardrail or an abort
// replaced it, in which case the reply follows as its own paragraph.
func unstreamed(shown, reply string) string {
	if rest, ok := strings.CutPrefix(reply, shown); ok {
		return rest
	}
	if shown == "" {
		return reply
	}
	return "\n\n" + reply
}

func (s *Server) writeSSE(w http.ResponseWriter, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("failed to marshal SSE chunk", "error", err)
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
}
