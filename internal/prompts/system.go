package prompts

import (
	"slices"
	"sort"
)

// Mode names.
const (
	ModeGeneral   = "general"
	ModeCoding    = "coding"
	ModeReasoning = "reasoning"
)

const generalTemplate = "You are rotbot, a helpful AI assistant. You are friendly, concise, and knowledgeable. " +
	"Answer questions clearly and provide helpful information. " +
	"If you don't know something, say so honestly."

const codingTemplate = "You are rotbot in coding mode. You are an expert software engineer. " +
	"Write clean, efficient, well-documented code. Explain your reasoning. " +
	"Use best practices and modern patterns. If asked to debug, identify the root cause first."

const reasoningTemplate = "You are rotbot in reasoning mode. Think step by step through problems. " +
	"Break complex questions into smaller parts. Show your reasoning process. " +
	"Use <think>...</think> tags to show your internal reasoning before giving the final answer."

var modePrompts = map[string]string{
	ModeGeneral:   generalTemplate,
	ModeCoding:    codingTemplate,
	ModeReasoning: reasoningTemplate,
}

// ModePrompt returns the base system prompt for a mode, falling back to
// the general prompt for unknown modes.
func ModePrompt(mode string) string {
	if p, ok := modePrompts[mode]; ok {
		return p
	}
	return generalTemplate
}

// Modes returns the known mode names, sorted.
func Modes() []string {
	names := make([]string, 0, len(modePrompts))
	for m := range modePrompts {
		names = append(names, m)
	}
	sort.Strings(names)
	return names
}

// ValidMode reports whether mode is a known mode.
func ValidMode(mode string) bool {
	return slices.Contains(Modes(), mode)
}
