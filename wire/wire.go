// Package wire defines the on-the-wire frame format: a JSON array whose
// first element is a small integer MessageType and whose remaining elements
// are that message's fields, plus the ConnectionMessage variants listed in
// the protocol's data model.
//
// Re-architected from the source's class hierarchy (a base transport
// message with virtual dispatch) into tagged variants: MessageType is a
// closed enum, each kind is its own struct, and decoding switches on the
// tag rather than relying on polymorphism.
package wire

import (
	"encoding/json"
	"fmt"

	"github.com/dma-navnet/navnet-client/maritimeid"
	"github.com/dma-navnet/navnet-client/position"
)

// MessageType identifies the kind of a ConnectionMessage on the wire.
type MessageType int

const (
	TypeWelcome MessageType = iota
	TypeHello
	TypeConnected
	TypeBye
	TypeServerRequest
	TypeServerResponse
	TypeRegisterService
	TypeRegisterServiceAck
	TypeFindService
	TypeFindServiceResult
	TypeInvokeService
	TypeInvokeServiceAck
	TypeBroadcastSend
	TypeBroadcastSendAck
	TypeBroadcastDeliver
	TypeBroadcastAck
	TypePositionReport
)

func (t MessageType) String() string {
	switch t {
	case TypeWelcome:
		return "Welcome"
	case TypeHello:
		return "Hello"
	case TypeConnected:
		return "Connected"
	case TypeBye:
		return "Bye"
	case TypeServerRequest:
		return "ServerRequest"
	case TypeServerResponse:
		return "ServerResponse"
	case TypeRegisterService:
		return "RegisterService"
	case TypeRegisterServiceAck:
		return "RegisterServiceAck"
	case TypeFindService:
		return "FindService"
	case TypeFindServiceResult:
		return "FindServiceResult"
	case TypeInvokeService:
		return "InvokeService"
	case TypeInvokeServiceAck:
		return "InvokeServiceAck"
	case TypeBroadcastSend:
		return "BroadcastSend"
	case TypeBroadcastSendAck:
		return "BroadcastSendAck"
	case TypeBroadcastDeliver:
		return "BroadcastDeliver"
	case TypeBroadcastAck:
		return "BroadcastAck"
	case TypePositionReport:
		return "PositionReport"
	default:
		return fmt.Sprintf("MessageType(%d)", int(t))
	}
}

// Message is implemented by every concrete wire frame type.
type Message interface {
	Type() MessageType
}

// Welcome is server-initiated on connection open.
type Welcome struct {
	ProtocolVersion int
	ServerID        maritimeid.MaritimeId
	Banner          string
}

func (Welcome) Type() MessageType { return TypeWelcome }

// Hello is the client's reply to Welcome.
type Hello struct {
	ClientID maritimeid.MaritimeId
	Position position.Time
}

func (Hello) Type() MessageType { return TypeHello }

// Connected completes the handshake. A previously-seen ConnectionID signals
// a resumed session.
type Connected struct {
	ConnectionID string
}

func (Connected) Type() MessageType { return TypeConnected }

// Bye signals orderly close, from either side.
type Bye struct {
	Reason string
}

func (Bye) Type() MessageType { return TypeBye }

// RegisterService is a ServerRequest: register a channel for inbound
// InvokeService dispatch.
type RegisterService struct {
	ReplyTo int64
	Channel string
}

func (RegisterService) Type() MessageType { return TypeRegisterService }

// RegisterServiceAck is the ServerResponse body for RegisterService.
type RegisterServiceAck struct {
	MessageAck int64
	OK         bool
	Error      string
}

func (RegisterServiceAck) Type() MessageType { return TypeRegisterServiceAck }

// FindService is a ServerRequest: ask the server for providers of a
// channel.
type FindService struct {
	ReplyTo int64
	Channel string
}

func (FindService) Type() MessageType { return TypeFindService }

// FindServiceResult is the ServerResponse body for FindService.
type FindServiceResult struct {
	MessageAck int64
	Providers  []maritimeid.MaritimeId
}

func (FindServiceResult) Type() MessageType { return TypeFindServiceResult }

// InvokeService is routed client-to-client through the server; correlated
// end-to-end by InvocationID, not by replyTo/messageAck.
type InvokeService struct {
	Src          maritimeid.MaritimeId
	Dst          maritimeid.MaritimeId
	Channel      string
	Payload      json.RawMessage
	InvocationID string
}

func (InvokeService) Type() MessageType { return TypeInvokeService }

// InvokeServiceAck is the terminal response to an InvokeService, correlated
// by InvocationID. Exactly one of Result/Error is set.
type InvokeServiceAck struct {
	InvocationID string
	Result       json.RawMessage
	Error        string
}

func (InvokeServiceAck) Type() MessageType { return TypeInvokeServiceAck }

// BroadcastOptions are forwarded verbatim to the server; the client does
// not interpret them.
type BroadcastOptions struct {
	RadiusMeters     float64 `json:"radiusMeters,omitempty"`
	TTL              int     `json:"ttl,omitempty"`
	ReceiptRequired  bool    `json:"receiptRequired,omitempty"`
}

// BroadcastSend is a ServerRequest: fan out Payload on Channel from Src's
// Position, subject to Options. BroadcastID is client-generated and is the
// correlation key for the later BroadcastSendAck and BroadcastAck stream.
type BroadcastSend struct {
	ReplyTo     int64
	Src         maritimeid.MaritimeId
	Position    position.Time
	Channel     string
	Payload     json.RawMessage
	Options     BroadcastOptions
	BroadcastID string
}

func (BroadcastSend) Type() MessageType { return TypeBroadcastSend }

// BroadcastSendAck is the ServerResponse body for BroadcastSend; resolves
// the BroadcastFuture's receivedOnServer milestone.
type BroadcastSendAck struct {
	MessageAck  int64
	BroadcastID string
}

func (BroadcastSendAck) Type() MessageType { return TypeBroadcastSendAck }

// BroadcastDeliver is a one-way frame delivering a broadcast to a
// subscriber.
type BroadcastDeliver struct {
	Src      maritimeid.MaritimeId
	Position position.Time
	Channel  string
	Payload  json.RawMessage
}

func (BroadcastDeliver) Type() MessageType { return TypeBroadcastDeliver }

// BroadcastAck is a one-way frame reporting that a single recipient
// received a broadcast, correlated by BroadcastID.
type BroadcastAck struct {
	BroadcastID     string
	RecipientID     maritimeid.MaritimeId
	RecipientPosition position.Time
}

func (BroadcastAck) Type() MessageType { return TypeBroadcastAck }

// ServerResponse is the generic envelope matching a ServerRequest's
// ReplyTo by MessageAck. Body holds the raw JSON of the response body,
// whose message type is given by BodyType.
type ServerResponse struct {
	MessageAck int64
	BodyType   MessageType
	Body       json.RawMessage
	Error      string
}

func (ServerResponse) Type() MessageType { return TypeServerResponse }

// PositionReport is a one-way frame periodically emitted by PositionManager.
type PositionReport struct {
	Position position.Time
}

func (PositionReport) Type() MessageType { return TypePositionReport }
