package protocol

// RPC method name constants recognized by the gateway's MethodRouter.
const (
	MethodPing       = "ping"
	MethodStatus     = "status"
	MethodPluginList = "plugin.list"
	MethodChatSend   = "chat.send"
)
