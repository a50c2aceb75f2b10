package gateway

// Intent bits the platform understands.
const (
	IntentGuilds              uint32 = 1 << 0
	IntentGuildMembers        uint32 = 1 << 1
	IntentDirectMessage       uint32 = 1 << 12
	IntentGroupAndC2C         uint32 = 1 << 25
	IntentPublicGuildMessages uint32 = 1 << 30
)

// IntentLevels is the downgrade ladder, most privileged first. Accounts
// without group/C2C approval get their identify rejected with an
// unresumable invalid session; each rejection advances one level.
var IntentLevels = []uint32{
	IntentPublicGuildMessages | IntentDirectMessage | IntentGroupAndC2C,
	IntentPublicGuildMessages | IntentGroupAndC2C,
	IntentPublicGuildMessages | IntentGuildMembers,
}

// ClampIntentLevel bounds an index into IntentLevels.
func ClampIntentLevel(level int) int {
	if level < 0 {
		return 0
	}
	if level >= len(IntentLevels) {
		return len(IntentLevels) - 1
	}
	return level
}

// IntentsFor returns the bitmask identify sends for a ladder index.
func IntentsFor(level int) uint32 {
	return IntentLevels[ClampIntentLevel(level)]
}

// LastIntentLevel is the least privileged ladder index.
func LastIntentLevel() int {
	return len(IntentLevels) - 1
}
