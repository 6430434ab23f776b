package pb

import "google.golang.org/protobuf/encoding/protowire"

// AuthRequestQueuedMessage is the outbox payload delivered on the auth FIFO
// queue. It carries ids only; the worker reads everything else from the
// read model so stale queue payloads can never override committed state.
type AuthRequestQueuedMessage struct {
	AuthRequestID string // 1
	RestaurantID  string // 2
	CreatedAt     int64  // 3
}

func (m *AuthRequestQueuedMessage) Marshal() []byte {
	var b []byte
	b = appendString(b, 1, m.AuthRequestID)
	b = appendString(b, 2, m.RestaurantID)
	b = appendInt64(b, 3, m.CreatedAt)
	return b
}

func (m *AuthRequestQueuedMessage) Unmarshal(data []byte) error {
	*m = AuthRequestQueuedMessage{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]
		var err error
		switch {
		case num == 1 && typ == protowire.BytesType:
			m.AuthRequestID, n, err = consumeString(data)
		case num == 2 && typ == protowire.BytesType:
			m.RestaurantID, n, err = consumeString(data)
		case num == 3 && typ == protowire.VarintType:
			var v uint64
			v, n, err = consumeVarint(data)
			m.CreatedAt = int64(v)
		default:
			n, err = skipField(data, num, typ)
		}
		if err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

// VoidRequestQueuedMessage is the outbox payload for the void queue.
type VoidRequestQueuedMessage struct {
	AuthRequestID string // 1
	RestaurantID  string // 2
	Reason        string // 3
	CreatedAt     int64  // 4
}

func (m *VoidRequestQueuedMessage) Marshal() []byte {
	var b []byte
	b = appendString(b, 1, m.AuthRequestID)
	b = appendString(b, 2, m.RestaurantID)
	b = appendString(b, 3, m.Reason)
	b = appendInt64(b, 4, m.CreatedAt)
	return b
}

func (m *VoidRequestQueuedMessage) Unmarshal(data []byte) error {
	*m = VoidRequestQueuedMessage{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]
		var err error
		switch {
		case num == 1 && typ == protowire.BytesType:
			m.AuthRequestID, n, err = consumeString(data)
		case num == 2 && typ == protowire.BytesType:
			m.RestaurantID, n, err = consumeString(data)
		case num == 3 && typ == protowire.BytesType:
			m.Reason, n, err = consumeString(data)
		case num == 4 && typ == protowire.VarintType:
			var v uint64
			v, n, err = consumeVarint(data)
			m.CreatedAt = int64(v)
		default:
			n, err = skipField(data, num, typ)
		}
		if err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

// AuthEventNotification is the informational envelope published to the
// payment-auth-events topic. EventData holds the encoded event named by
// EventType; consumers that do not recognize the type can still order and
// attribute the notification.
type AuthEventNotification struct {
	AuthRequestID  string // 1
	EventType      string // 2
	SequenceNumber int64  // 3
	EventData      []byte // 4
	OccurredAt     int64  // 5
}

func (m *AuthEventNotification) Marshal() []byte {
	var b []byte
	b = appendString(b, 1, m.AuthRequestID)
	b = appendString(b, 2, m.EventType)
	b = appendInt64(b, 3, m.SequenceNumber)
	b = appendBytes(b, 4, m.EventData)
	b = appendInt64(b, 5, m.OccurredAt)
	return b
}

func (m *AuthEventNotification) Unmarshal(data []byte) error {
	*m = AuthEventNotification{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]
		var err error
		switch {
		case num == 1 && typ == protowire.BytesType:
			m.AuthRequestID, n, err = consumeString(data)
		case num == 2 && typ == protowire.BytesType:
			m.EventType, n, err = consumeString(data)
		case num == 3 && typ == protowire.VarintType:
			var v uint64
			v, n, err = consumeVarint(data)
			m.SequenceNumber = int64(v)
		case num == 4 && typ == protowire.BytesType:
			m.EventData, n, err = consumeBytes(data)
		case num == 5 && typ == protowire.VarintType:
			var v uint64
			v, n, err = consumeVarint(data)
			m.OccurredAt = int64(v)
		default:
			n, err = skipField(data, num, typ)
		}
		if err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}
