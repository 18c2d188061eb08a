// Package signal defines the messages peers exchange over a data connection
// and their wire encoding.
package signal

// ProtocolVersion is advertised in every Config handshake.
const ProtocolVersion = "1.0"

// Kind is the wire tag of a message.
type Kind string

const (
	KindConfig      Kind = "config"
	KindText        Kind = "message"
	KindCallRequest Kind = "call-request"
	KindCallReject  Kind = "call-reject"
	KindCallBusy    Kind = "call-busy"
	KindHold        Kind = "hold"
)

// Message is one of Config, Text, CallRequest, CallReject, CallBusy or Hold.
// The set is closed; handlers switch on the concrete type.
type Message interface {
	Kind() Kind
	sealed()
}

// Config is the first message sent on every connection.
type Config struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Text carries one chat message.
type Text struct {
	Content string
}

// CallRequest announces an outgoing call.
type CallRequest struct {
	CallerName string `json:"callerName"`
	HasVideo   bool   `json:"hasVideo"`
}

// CallReject declines or cancels a call. Message is optional.
type CallReject struct {
	Reason  string `json:"reason"`
	Message string `json:"message,omitempty"`
}

// CallBusy tells a caller the callee is already in a call.
type CallBusy struct{}

// Hold reports that the sender put the call on hold or resumed it.
type Hold struct {
	IsOnHold bool
}

func (Config) Kind() Kind      { return KindConfig }
func (Text) Kind() Kind        { return KindText }
func (CallRequest) Kind() Kind { return KindCallRequest }
func (CallReject) Kind() Kind  { return KindCallReject }
func (CallBusy) Kind() Kind    { return KindCallBusy }
func (Hold) Kind() Kind        { return KindHold }

func (Config) sealed()      {}
func (Text) sealed()        {}
func (CallRequest) sealed() {}
func (CallReject) sealed()  {}
func (CallBusy) sealed()    {}
func (Hold) sealed()        {}

// NewConfig builds the handshake message for the given display name.
func NewConfig(name string) Config {
	return Config{Name: name, Version: ProtocolVersion}
}
