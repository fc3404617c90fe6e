package wire

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dma-navnet/navnet-client/position"
)

// wirePosition is position.Time's JSON shape.
type wirePosition struct {
	Lat float64   `json:"lat"`
	Lon float64   `json:"lon"`
	At  int64     `json:"at"` // unix millis
}

func toWirePosition(p position.Time) wirePosition {
	return wirePosition{Lat: p.Latitude, Lon: p.Longitude, At: p.Timestamp.UnixMilli()}
}

// Encode serializes a Message into its wire frame: a JSON array whose first
// element is the MessageType.
func Encode(msg Message) ([]byte, error) {
	switch m := msg.(type) {
	case Welcome:
		return marshalArray(TypeWelcome, m.ProtocolVersion, m.ServerID, m.Banner)
	case Hello:
		return marshalArray(TypeHello, m.ClientID, toWirePosition(m.Position))
	case Connected:
		return marshalArray(TypeConnected, m.ConnectionID)
	case Bye:
		return marshalArray(TypeBye, m.Reason)
	case RegisterService:
		return marshalArray(TypeRegisterService, m.ReplyTo, m.Channel)
	case RegisterServiceAck:
		return marshalArray(TypeRegisterServiceAck, m.MessageAck, m.OK, m.Error)
	case FindService:
		return marshalArray(TypeFindService, m.ReplyTo, m.Channel)
	case FindServiceResult:
		return marshalArray(TypeFindServiceResult, m.MessageAck, m.Providers)
	case InvokeService:
		return marshalArray(TypeInvokeService, m.Src, m.Dst, m.Channel, m.Payload, m.InvocationID)
	case InvokeServiceAck:
		return marshalArray(TypeInvokeServiceAck, m.InvocationID, m.Result, m.Error)
	case BroadcastSend:
		return marshalArray(TypeBroadcastSend, m.ReplyTo, m.Src, toWirePosition(m.Position), m.Channel, m.Payload, m.Options, m.BroadcastID)
	case BroadcastSendAck:
		return marshalArray(TypeBroadcastSendAck, m.MessageAck, m.BroadcastID)
	case BroadcastDeliver:
		return marshalArray(TypeBroadcastDeliver, m.Src, toWirePosition(m.Position), m.Channel, m.Payload)
	case BroadcastAck:
		return marshalArray(TypeBroadcastAck, m.BroadcastID, m.RecipientID, toWirePosition(m.RecipientPosition))
	case ServerResponse:
		return marshalArray(TypeServerResponse, m.MessageAck, m.BodyType, m.Body, m.Error)
	case PositionReport:
		return marshalArray(TypePositionReport, toWirePosition(m.Position))
	default:
		return nil, fmt.Errorf("wire: unknown message type %T", msg)
	}
}

func marshalArray(typ MessageType, fields ...interface{}) ([]byte, error) {
	arr := make([]interface{}, 0, len(fields)+1)
	arr = append(arr, int(typ))
	arr = append(arr, fields...)
	return json.Marshal(arr)
}

// Decode parses a wire frame into its concrete Message.
func Decode(data []byte) (Message, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("wire: malformed frame: %w", err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("wire: empty frame")
	}

	var typ int
	if err := json.Unmarshal(raw[0], &typ); err != nil {
		return nil, fmt.Errorf("wire: malformed message type: %w", err)
	}

	f := fields(raw[1:])
	switch MessageType(typ) {
	case TypeWelcome:
		var m Welcome
		if err := f.get(0, &m.ProtocolVersion); err != nil {
			return nil, err
		}
		if err := f.get(1, &m.ServerID); err != nil {
			return nil, err
		}
		if err := f.get(2, &m.Banner); err != nil {
			return nil, err
		}
		return m, nil
	case TypeHello:
		var m Hello
		var p wirePosition
		if err := f.get(0, &m.ClientID); err != nil {
			return nil, err
		}
		if err := f.get(1, &p); err != nil {
			return nil, err
		}
		m.Position = fromWirePosition(p)
		return m, nil
	case TypeConnected:
		var m Connected
		if err := f.get(0, &m.ConnectionID); err != nil {
			return nil, err
		}
		return m, nil
	case TypeBye:
		var m Bye
		if err := f.get(0, &m.Reason); err != nil {
			return nil, err
		}
		return m, nil
	case TypeRegisterService:
		var m RegisterService
		if err := f.get(0, &m.ReplyTo); err != nil {
			return nil, err
		}
		if err := f.get(1, &m.Channel); err != nil {
			return nil, err
		}
		return m, nil
	case TypeRegisterServiceAck:
		var m RegisterServiceAck
		if err := f.get(0, &m.MessageAck); err != nil {
			return nil, err
		}
		if err := f.get(1, &m.OK); err != nil {
			return nil, err
		}
		if err := f.get(2, &m.Error); err != nil {
			return nil, err
		}
		return m, nil
	case TypeFindService:
		var m FindService
		if err := f.get(0, &m.ReplyTo); err != nil {
			return nil, err
		}
		if err := f.get(1, &m.Channel); err != nil {
			return nil, err
		}
		return m, nil
	case TypeFindServiceResult:
		var m FindServiceResult
		if err := f.get(0, &m.MessageAck); err != nil {
			return nil, err
		}
		if err := f.get(1, &m.Providers); err != nil {
			return nil, err
		}
		return m, nil
	case TypeInvokeService:
		var m InvokeService
		if err := f.get(0, &m.Src); err != nil {
			return nil, err
		}
		if err := f.get(1, &m.Dst); err != nil {
			return nil, err
		}
		if err := f.get(2, &m.Channel); err != nil {
			return nil, err
		}
		if err := f.get(3, &m.Payload); err != nil {
			return nil, err
		}
		if err := f.get(4, &m.InvocationID); err != nil {
			return nil, err
		}
		return m, nil
	case TypeInvokeServiceAck:
		var m InvokeServiceAck
		if err := f.get(0, &m.InvocationID); err != nil {
			return nil, err
		}
		if err := f.get(1, &m.Result); err != nil {
			return nil, err
		}
		if err := f.get(2, &m.Error); err != nil {
			return nil, err
		}
		return m, nil
	case TypeBroadcastSend:
		var m BroadcastSend
		var p wirePosition
		if err := f.get(0, &m.ReplyTo); err != nil {
			return nil, err
		}
		if err := f.get(1, &m.Src); err != nil {
			return nil, err
		}
		if err := f.get(2, &p); err != nil {
			return nil, err
		}
		m.Position = fromWirePosition(p)
		if err := f.get(3, &m.Channel); err != nil {
			return nil, err
		}
		if err := f.get(4, &m.Payload); err != nil {
			return nil, err
		}
		if err := f.get(5, &m.Options); err != nil {
			return nil, err
		}
		if err := f.get(6, &m.BroadcastID); err != nil {
			return nil, err
		}
		return m, nil
	case TypeBroadcastSendAck:
		var m BroadcastSendAck
		if err := f.get(0, &m.MessageAck); err != nil {
			return nil, err
		}
		if err := f.get(1, &m.BroadcastID); err != nil {
			return nil, err
		}
		return m, nil
	case TypeBroadcastDeliver:
		var m BroadcastDeliver
		var p wirePosition
		if err := f.get(0, &m.Src); err != nil {
			return nil, err
		}
		if err := f.get(1, &p); err != nil {
			return nil, err
		}
		m.Position = fromWirePosition(p)
		if err := f.get(2, &m.Channel); err != nil {
			return nil, err
		}
		if err := f.get(3, &m.Payload); err != nil {
			return nil, err
		}
		return m, nil
	case TypeBroadcastAck:
		var m BroadcastAck
		var p wirePosition
		if err := f.get(0, &m.BroadcastID); err != nil {
			return nil, err
		}
		if err := f.get(1, &m.RecipientID); err != nil {
			return nil, err
		}
		if err := f.get(2, &p); err != nil {
			return nil, err
		}
		m.RecipientPosition = fromWirePosition(p)
		return m, nil
	case TypeServerResponse:
		var m ServerResponse
		if err := f.get(0, &m.MessageAck); err != nil {
			return nil, err
		}
		var bodyType int
		if err := f.get(1, &bodyType); err != nil {
			return nil, err
		}
		m.BodyType = MessageType(bodyType)
		if err := f.get(2, &m.Body); err != nil {
			return nil, err
		}
		if err := f.get(3, &m.Error); err != nil {
			return nil, err
		}
		return m, nil
	case TypePositionReport:
		var m PositionReport
		var p wirePosition
		if err := f.get(0, &p); err != nil {
			return nil, err
		}
		m.Position = fromWirePosition(p)
		return m, nil
	default:
		return nil, fmt.Errorf("wire: unknown message type %d", typ)
	}
}

func fromWirePosition(p wirePosition) position.Time {
	return position.Time{
		Latitude:  p.Lat,
		Longitude: p.Lon,
		Timestamp: time.UnixMilli(p.At),
	}
}

// fields is a thin positional accessor over the raw array elements
// following the message type tag.
type fields []json.RawMessage

func (f fields) get(i int, dst interface{}) error {
	if i >= len(f) {
		return fmt.Errorf("wire: missing field at index %d", i)
	}
	if err := json.Unmarshal(f[i], dst); err != nil {
		return fmt.Errorf("wire: field %d: %w", i, err)
	}
	return nil
}
