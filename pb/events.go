package pb

import "google.golang.org/protobuf/encoding/protowire"

// AuthStatus is the processor outcome carried by AuthResponseReceived.
type AuthStatus int32

const (
	AuthStatusUnspecified AuthStatus = 0
	AuthStatusAuthorized  AuthStatus = 1
	AuthStatusDenied      AuthStatus = 2
)

func (s AuthStatus) String() string {
	switch s {
	case AuthStatusAuthorized:
		return "AUTHORIZED"
	case AuthStatusDenied:
		return "DENIED"
	default:
		return "UNSPECIFIED"
	}
}

// AuthRequestCreated is the first event of every aggregate.
type AuthRequestCreated struct {
	AuthRequestID string            // 1
	PaymentToken  string            // 2
	RestaurantID  string            // 3
	AmountCents   int64             // 4
	Currency      string            // 5
	CreatedAt     int64             // 6, unix seconds
	Metadata      map[string]string // 7
}

func (m *AuthRequestCreated) Marshal() []byte {
	var b []byte
	b = appendString(b, 1, m.AuthRequestID)
	b = appendString(b, 2, m.PaymentToken)
	b = appendString(b, 3, m.RestaurantID)
	b = appendInt64(b, 4, m.AmountCents)
	b = appendString(b, 5, m.Currency)
	b = appendInt64(b, 6, m.CreatedAt)
	b = appendStringMap(b, 7, m.Metadata)
	return b
}

func (m *AuthRequestCreated) Unmarshal(data []byte) error {
	*m = AuthRequestCreated{}
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
			m.PaymentToken, n, err = consumeString(data)
		case num == 3 && typ == protowire.BytesType:
			m.RestaurantID, n, err = consumeString(data)
		case num == 4 && typ == protowire.VarintType:
			var v uint64
			v, n, err = consumeVarint(data)
			m.AmountCents = int64(v)
		case num == 5 && typ == protowire.BytesType:
			m.Currency, n, err = consumeString(data)
		case num == 6 && typ == protowire.VarintType:
			var v uint64
			v, n, err = consumeVarint(data)
			m.CreatedAt = int64(v)
		case num == 7 && typ == protowire.BytesType:
			var k, v string
			k, v, n, err = consumeMapEntry(data)
			if err == nil {
				if m.Metadata == nil {
					m.Metadata = make(map[string]string)
				}
				m.Metadata[k] = v
			}
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

// AuthAttemptStarted marks the transition to PROCESSING.
type AuthAttemptStarted struct {
	AuthRequestID string // 1
	AttemptNumber int32  // 2
	WorkerID      string // 3
	ConfigVersion int32  // 4
	StartedAt     int64  // 5
}

func (m *AuthAttemptStarted) Marshal() []byte {
	var b []byte
	b = appendString(b, 1, m.AuthRequestID)
	b = appendInt32(b, 2, m.AttemptNumber)
	b = appendString(b, 3, m.WorkerID)
	b = appendInt32(b, 4, m.ConfigVersion)
	b = appendInt64(b, 5, m.StartedAt)
	return b
}

func (m *AuthAttemptStarted) Unmarshal(data []byte) error {
	*m = AuthAttemptStarted{}
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
		case num == 2 && typ == protowire.VarintType:
			var v uint64
			v, n, err = consumeVarint(data)
			m.AttemptNumber = int32(v)
		case num == 3 && typ == protowire.BytesType:
			m.WorkerID, n, err = consumeString(data)
		case num == 4 && typ == protowire.VarintType:
			var v uint64
			v, n, err = consumeVarint(data)
			m.ConfigVersion = int32(v)
		case num == 5 && typ == protowire.VarintType:
			var v uint64
			v, n, err = consumeVarint(data)
			m.StartedAt = int64(v)
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

// AuthResponseReceived records the processor's terminal answer.
type AuthResponseReceived struct {
	AuthRequestID         string            // 1
	Status                AuthStatus        // 2
	ProcessorName         string            // 3
	ProcessorAuthID       string            // 4
	AuthorizationCode     string            // 5
	AuthorizedAmountCents int64             // 6
	Currency              string            // 7
	DenialCode            string            // 8
	DenialReason          string            // 9
	RespondedAt           int64             // 10
	ProcessorMetadata     map[string]string // 11
}

func (m *AuthResponseReceived) Marshal() []byte {
	var b []byte
	b = appendString(b, 1, m.AuthRequestID)
	b = appendInt32(b, 2, int32(m.Status))
	b = appendString(b, 3, m.ProcessorName)
	b = appendString(b, 4, m.ProcessorAuthID)
	b = appendString(b, 5, m.AuthorizationCode)
	b = appendInt64(b, 6, m.AuthorizedAmountCents)
	b = appendString(b, 7, m.Currency)
	b = appendString(b, 8, m.DenialCode)
	b = appendString(b, 9, m.DenialReason)
	b = appendInt64(b, 10, m.RespondedAt)
	b = appendStringMap(b, 11, m.ProcessorMetadata)
	return b
}

func (m *AuthResponseReceived) Unmarshal(data []byte) error {
	*m = AuthResponseReceived{}
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
		case num == 2 && typ == protowire.VarintType:
			var v uint64
			v, n, err = consumeVarint(data)
			m.Status = AuthStatus(v)
		case num == 3 && typ == protowire.BytesType:
			m.ProcessorName, n, err = consumeString(data)
		case num == 4 && typ == protowire.BytesType:
			m.ProcessorAuthID, n, err = consumeString(data)
		case num == 5 && typ == protowire.BytesType:
			m.AuthorizationCode, n, err = consumeString(data)
		case num == 6 && typ == protowire.VarintType:
			var v uint64
			v, n, err = consumeVarint(data)
			m.AuthorizedAmountCents = int64(v)
		case num == 7 && typ == protowire.BytesType:
			m.Currency, n, err = consumeString(data)
		case num == 8 && typ == protowire.BytesType:
			m.DenialCode, n, err = consumeString(data)
		case num == 9 && typ == protowire.BytesType:
			m.DenialReason, n, err = consumeString(data)
		case num == 10 && typ == protowire.VarintType:
			var v uint64
			v, n, err = consumeVarint(data)
			m.RespondedAt = int64(v)
		case num == 11 && typ == protowire.BytesType:
			var k, v string
			k, v, n, err = consumeMapEntry(data)
			if err == nil {
				if m.ProcessorMetadata == nil {
					m.ProcessorMetadata = make(map[string]string)
				}
				m.ProcessorMetadata[k] = v
			}
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

// AuthAttemptFailed is appended for every failed attempt; IsRetryable=false
// makes it the aggregate's terminal event.
type AuthAttemptFailed struct {
	AuthRequestID string // 1
	IsRetryable   bool   // 2
	ErrorCode     string // 3
	ErrorMessage  string // 4
	RetryCount    int32  // 5
	NextRetryAt   int64  // 6
	FailedAt      int64  // 7
}

func (m *AuthAttemptFailed) Marshal() []byte {
	var b []byte
	b = appendString(b, 1, m.AuthRequestID)
	b = appendBool(b, 2, m.IsRetryable)
	b = appendString(b, 3, m.ErrorCode)
	b = appendString(b, 4, m.ErrorMessage)
	b = appendInt32(b, 5, m.RetryCount)
	b = appendInt64(b, 6, m.NextRetryAt)
	b = appendInt64(b, 7, m.FailedAt)
	return b
}

func (m *AuthAttemptFailed) Unmarshal(data []byte) error {
	*m = AuthAttemptFailed{}
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
		case num == 2 && typ == protowire.VarintType:
			var v uint64
			v, n, err = consumeVarint(data)
			m.IsRetryable = v != 0
		case num == 3 && typ == protowire.BytesType:
			m.ErrorCode, n, err = consumeString(data)
		case num == 4 && typ == protowire.BytesType:
			m.ErrorMessage, n, err = consumeString(data)
		case num == 5 && typ == protowire.VarintType:
			var v uint64
			v, n, err = consumeVarint(data)
			m.RetryCount = int32(v)
		case num == 6 && typ == protowire.VarintType:
			var v uint64
			v, n, err = consumeVarint(data)
			m.NextRetryAt = int64(v)
		case num == 7 && typ == protowire.VarintType:
			var v uint64
			v, n, err = consumeVarint(data)
			m.FailedAt = int64(v)
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

// AuthVoidRequested is appended by the ingress void endpoint.
type AuthVoidRequested struct {
	AuthRequestID string // 1
	Reason        string // 2
	RequestedAt   int64  // 3
}

func (m *AuthVoidRequested) Marshal() []byte {
	var b []byte
	b = appendString(b, 1, m.AuthRequestID)
	b = appendString(b, 2, m.Reason)
	b = appendInt64(b, 3, m.RequestedAt)
	return b
}

func (m *AuthVoidRequested) Unmarshal(data []byte) error {
	*m = AuthVoidRequested{}
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
			m.Reason, n, err = consumeString(data)
		case num == 3 && typ == protowire.VarintType:
			var v uint64
			v, n, err = consumeVarint(data)
			m.RequestedAt = int64(v)
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

// AuthRequestExpired closes an aggregate that was voided before processing.
type AuthRequestExpired struct {
	AuthRequestID string // 1
	Reason        string // 2
	ExpiredAt     int64  // 3
}

func (m *AuthRequestExpired) Marshal() []byte {
	var b []byte
	b = appendString(b, 1, m.AuthRequestID)
	b = appendString(b, 2, m.Reason)
	b = appendInt64(b, 3, m.ExpiredAt)
	return b
}

func (m *AuthRequestExpired) Unmarshal(data []byte) error {
	*m = AuthRequestExpired{}
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
			m.Reason, n, err = consumeString(data)
		case num == 3 && typ == protowire.VarintType:
			var v uint64
			v, n, err = consumeVarint(data)
			m.ExpiredAt = int64(v)
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
