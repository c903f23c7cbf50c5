package models

// ChatMode is the overflow policy applied to history after each turn
type ChatMode string

const (
	ModePopFront ChatMode = "pop_front"
	ModePopBack  ChatMode = "pop_back"
	ModeNotSave  ChatMode = "not_save"
)

// ChatModes lists every valid chat mode.
var ChatModes = []ChatMode{ModePopBack, ModePopFront, ModeNotSave}

// ParseChatMode validates s against the closed set of chat modes.
func ParseChatMode(s string) (ChatMode, bool) {
	for _, m := range ChatModes {
		if string(m) == s {
			return m, true
		}
	}
	return "", false
}

// GroupMode decides how group members map onto sessions
type GroupMode string

const (
	// GroupPersonal gives every member of a group their own session.
	GroupPersonal GroupMode = "personal"
	// GroupParty makes all members of a group share one session.
	GroupParty GroupMode = "party"
	// GroupDisable ignores group messages.
	GroupDisable GroupMode = "disable"
)

var GroupModes = []GroupMode{GroupPersonal, GroupParty, GroupDisable}

func ParseGroupMode(s string) (GroupMode, bool) {
	for _, m := range GroupModes {
		if string(m) == s {
			return m, true
		}
	}
	return "", false
}

// AtMode decides when a group message must mention the bot
type AtMode string

const (
	AtAlways  AtMode = "always"  // commands and chat need a mention
	AtNever   AtMode = "never"   // neither needs a mention
	AtMessage AtMode = "message" // chat needs a mention, commands do not
	AtCommand AtMode = "command" // commands need a mention, chat does not
)

var AtModes = []AtMode{AtAlways, AtNever, AtMessage, AtCommand}

func ParseAtMode(s string) (AtMode, bool) {
	for _, m := range AtModes {
		if string(m) == s {
			return m, true
		}
	}
	return "", false
}

// AllowCommand reports whether a command may run in a group message.
func (m AtMode) AllowCommand(mentioned bool) bool {
	switch m {
	case AtAlways, AtCommand:
		return mentioned
	default:
		return true
	}
}

// AllowChat reports whether a chat turn may run in a group message.
func (m AtMode) AllowChat(mentioned bool) bool {
	switch m {
	case AtAlways, AtMessage:
		return mentioned
	default:
		return true
	}
}

// ImageSizeCosts maps each allowed image size to its price in dollars.
// Size 0 disables image generation.
var ImageSizeCosts = map[int]float64{
	0:    0,
	256:  0.016,
	512:  0.018,
	1024: 0.020,
}
