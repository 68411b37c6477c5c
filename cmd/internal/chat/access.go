package chat

// CanAccess is the single read/send authorization rule: the global conversation is open to every
// user, any other conversation requires a membership (role is "" for non-members).
func CanAccess(c Conversation, role Role) bool {
	return c.IsGlobal || role != ""
}
