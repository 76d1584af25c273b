package voicegateway

// Status is the state of the voice gateway's handshake.
type Status uint32

const (
	Disconnected Status = iota
	Connecting
	WaitingHello
	Identifying
	WaitingReady
	SelectingProtocol
	WaitingSessionDescription
	Connected
	Resuming
	Terminal
)

var statusNames = [...]string{
	Disconnected:              "disconnected",
	Connecting:                "connecting",
	WaitingHello:              "waiting hello",
	Identifying:               "identifying",
	WaitingReady:              "waiting ready",
	SelectingProtocol:         "selecting protocol",
	WaitingSessionDescription: "waiting session description",
	Connected:                 "connected",
	Resuming:                  "resuming",
	Terminal:                  "terminal",
}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return "invalid"
}
