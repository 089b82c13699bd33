// Package prompts contains the prompt text rotbot sends to models and
// the fixed replies it sends to users.
//
// Prompt text is Go code rather than config files because it is program
// logic: templates use fmt.Sprintf interpolation and can be validated by
// tests. User-facing configuration (persona, skills) lives on disk.
package prompts
