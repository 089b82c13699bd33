package agent

// channelNotes maps channel names to system prompt notes describing how
// people write on that channel, so the model can adjust its style.
var channelNotes = map[string]string{
	"signal": "[Source: Signal, mobile messaging. Terse input is normal; " +
		"typing on a phone is slow and brevity is not an indicator of mood. " +
		"Keep replies short and avoid wide tables.]",
	"mqtt": "[Source: MQTT, a machine or home-automation client. " +
		"Reply in plain text without markdown.]",
	"cli": "[Source: terminal. Markdown renders as plain text.]",
}

// channelNote returns the note for a channel, or "".
func channelNote(channel string) string {
	return channelNotes[channel]
}
