// Package hooks defines the hook event vocabulary emitted by the Claude Code
// client. Unknown event names are accepted by the server (logged as warnings)
// so new client versions keep working against an older daemon.
package hooks

// Hook event names as sent on the wire.
const (
	SessionStart     = "SessionStart"
	SessionEnd       = "SessionEnd"
	PreToolUse       = "PreToolUse"
	PostToolUse      = "PostToolUse"
	Notification     = "Notification"
	UserPromptSubmit = "UserPromptSubmit"
	Stop             = "Stop"
	SubagentStop     = "SubagentStop"
	PreCompact       = "PreCompact"
)

// All lists every known hook event name.
func All() []string {
	return []string{
		SessionStart,
		SessionEnd,
		PreToolUse,
		PostToolUse,
		Notification,
		UserPromptSubmit,
		Stop,
		SubagentStop,
		PreCompact,
	}
}

// IsValid reports whether name is a known hook event.
func IsValid(name string) bool {
	switch name {
	case SessionStart, SessionEnd, PreToolUse, PostToolUse, Notification,
		UserPromptSubmit, Stop, SubagentStop, PreCompact:
		return true
	}
	return false
}

// IsSoftReset reports whether a SessionStart source or SessionEnd reason
// indicates a soft reset (/clear or /compact) rather than a real session
// boundary. Soft resets reuse the running server instance.
func IsSoftReset(value string) bool {
	switch value {
	case "clear", "compact":
		return true
	}
	return false
}
