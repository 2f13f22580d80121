package protocol

// RPC method name constants.
const (
	// Chat
	MethodChatSend = "chat.send"

	// Sessions
	MethodSessionsList   = "sessions.list"
	MethodSessionsReset  = "sessions.reset"
	MethodSessionsDelete = "sessions.delete"

	// Queue
	MethodQueueStats = "queue.stats"

	// Channels
	MethodChannelsStatus = "channels.status"

	// System
	MethodHealth = "health"
	MethodStatus = "status"
)
