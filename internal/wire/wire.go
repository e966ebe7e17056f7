package wire

import (
	"encoding/json"
	"errors"
	"fmt"

	"nuha.dev/fleettrack/internal/geo"
)

type Type string

const (
	LOCATION_UPDATE Type = "locationUpdate"
	AUTHENTICATE    Type = "authenticate"
	AUTH_RESULT     Type = "authResult"
	SUBSCRIBE       Type = "subscribe"
	UNSUBSCRIBE     Type = "unsubscribe"
)

var (
	ErrUnknownType = errors.New("unknown envelope type")
	ErrBadEnvelope = errors.New("bad envelope")
)

// Message is any envelope that travels between a client and the broker.
type Message interface {
	MessageType() Type
}

// LocationEnvelope carries one fix of one driver. Sequence is assigned by
// the publisher and grows monotonically per driver.
type LocationEnvelope struct {
	DriverID string  `json:"driverId"`
	Sequence uint64  `json:"sequence"`
	Epoch    int64   `json:"epoch,omitempty"`
	Fix      geo.Fix `json:"fix"`
}

type Authenticate struct {
	Token string `json:"token"`
}

type AuthResult struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
}

// Subscribe with no driver ids means every driver.
type Subscribe struct {
	DriverIDs []string `json:"driverIds"`
}

type Unsubscribe struct {
	DriverIDs []string `json:"driverIds"`
}

func (LocationEnvelope) MessageType() Type { return LOCATION_UPDATE }
func (Authenticate) MessageType() Type     { return AUTHENTICATE }
func (AuthResult) MessageType() Type       { return AUTH_RESULT }
func (Subscribe) MessageType() Type        { return SUBSCRIBE }
func (Unsubscribe) MessageType() Type      { return UNSUBSCRIBE }

type header struct {
	Type Type `json:"type"`
}

// Encode writes the message with its "type" discriminator inlined.
func Encode(m Message) ([]byte, error) {
	switch v := m.(type) {
	case LocationEnvelope:
		return json.Marshal(struct {
			Type Type `json:"type"`
			LocationEnvelope
		}{LOCATION_UPDATE, v})
	case *LocationEnvelope:
		return Encode(*v)
	case Authenticate:
		return json.Marshal(struct {
			Type Type `json:"type"`
			Authenticate
		}{AUTHENTICATE, v})
	case AuthResult:
		return json.Marshal(struct {
			Type Type `json:"type"`
			AuthResult
		}{AUTH_RESULT, v})
	case Subscribe:
		if v.DriverIDs == nil {
			v.DriverIDs = []string{}
		}
		return json.Marshal(struct {
			Type Type `json:"type"`
			Subscribe
		}{SUBSCRIBE, v})
	case Unsubscribe:
		if v.DriverIDs == nil {
			v.DriverIDs = []string{}
		}
		return json.Marshal(struct {
			Type Type `json:"type"`
			Unsubscribe
		}{UNSUBSCRIBE, v})
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownType, m)
	}
}

// PeekType reads only the discriminator.
func PeekType(data []byte) (Type, error) {
	var h header
	if err := json.Unmarshal(data, &h); err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadEnvelope, err)
	}
	return h.Type, nil
}

func Decode(data []byte) (Message, error) {
	t, err := PeekType(data)
	if err != nil {
		return nil, err
	}
	var m Message
	switch t {
	case LOCATION_UPDATE:
		var v LocationEnvelope
		err = json.Unmarshal(data, &v)
		if err == nil && v.DriverID == "" {
			err = errors.New("missing driverId")
		}
		m = v
	case AUTHENTICATE:
		var v Authenticate
		err = json.Unmarshal(data, &v)
		m = v
	case AUTH_RESULT:
		var v AuthResult
		err = json.Unmarshal(data, &v)
		m = v
	case SUBSCRIBE:
		var v Subscribe
		err = json.Unmarshal(data, &v)
		m = v
	case UNSUBSCRIBE:
		var v Unsubscribe
		err = json.Unmarshal(data, &v)
		m = v
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, t)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadEnvelope, err)
	}
	return m, nil
}
