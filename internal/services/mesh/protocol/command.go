package protocol

// Command names the purpose of a frame.
type Command string

const (
	HelloRequest  Command = "HELLO_REQUEST"
	HelloResponse Command = "HELLO_RESPONSE"

	HeartbeatRequest  Command = "HEARTBEAT_REQUEST"
	HeartbeatResponse Command = "HEARTBEAT_RESPONSE"

	SubscribeRequest    Command = "SUBSCRIBE_REQUEST"
	SubscribeResponse   Command = "SUBSCRIBE_RESPONSE"
	UnsubscribeRequest  Command = "UNSUBSCRIBE_REQUEST"
	UnsubscribeResponse Command = "UNSUBSCRIBE_RESPONSE"

	ListenRequest  Command = "LISTEN_REQUEST"
	ListenResponse Command = "LISTEN_RESPONSE"

	AsyncMessageToServer        Command = "ASYNC_MESSAGE_TO_SERVER"
	AsyncMessageToServerAck     Command = "ASYNC_MESSAGE_TO_SERVER_ACK"
	BroadcastMessageToServer    Command = "BROADCAST_MESSAGE_TO_SERVER"
	BroadcastMessageToServerAck Command = "BROADCAST_MESSAGE_TO_SERVER_ACK"

	AsyncMessageToClient        Command = "ASYNC_MESSAGE_TO_CLIENT"
	AsyncMessageToClientAck     Command = "ASYNC_MESSAGE_TO_CLIENT_ACK"
	BroadcastMessageToClient    Command = "BROADCAST_MESSAGE_TO_CLIENT"
	BroadcastMessageToClientAck Command = "BROADCAST_MESSAGE_TO_CLIENT_ACK"

	ClientGoodbyeRequest  Command = "CLIENT_GOODBYE_REQUEST"
	ClientGoodbyeResponse Command = "CLIENT_GOODBYE_RESPONSE"
	ServerGoodbyeRequest  Command = "SERVER_GOODBYE_REQUEST"
)

// Response returns the command a server answers req with, or "" when req has
// no direct response.
func (c Command) Response() Command {
	switch c {
	case HelloRequest:
		return HelloResponse
	case HeartbeatRequest:
		return HeartbeatResponse
	case SubscribeRequest:
		return SubscribeResponse
	case UnsubscribeRequest:
		return UnsubscribeResponse
	case ListenRequest:
		return ListenResponse
	case AsyncMessageToServer:
		return AsyncMessageToServerAck
	case BroadcastMessageToServer:
		return BroadcastMessageToServerAck
	case ClientGoodbyeRequest:
		return ClientGoodbyeResponse
	default:
		return ""
	}
}

// OPStatus is the result code carried on response headers.
type OPStatus int

const (
	StatusSuccess OPStatus = 0
	StatusFail    OPStatus = 1
	StatusACLFail OPStatus = 2
	StatusBusy    OPStatus = 3
)

// Desc returns the default description for a status.
func (s OPStatus) Desc() string {
	switch s {
	case StatusSuccess:
		return "succeed"
	case StatusACLFail:
		return "acl fail"
	case StatusBusy:
		return "busy"
	default:
		return "fail"
	}
}
