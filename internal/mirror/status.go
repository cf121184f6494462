package mirror

// Status is the session state.
//
//	Disconnected → Connecting → Authenticating → Subscribing → Bootstrapping → Live
//	     ▲                                                                        │
//	     └──────────────────────────────── (error) ───────────────────────────────┘
//
// Stopped is terminal and only reached through Stop.
type Status int32

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusAuthenticating
	StatusSubscribing
	StatusBootstrapping
	StatusLive
	StatusStopped
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusAuthenticating:
		return "authenticating"
	case StatusSubscribing:
		return "subscribing"
	case StatusBootstrapping:
		return "bootstrapping"
	case StatusLive:
		return "live"
	case StatusStopped:
		return "stopped"
	default:
		return "invalid"
	}
}
