package pb

import "google.golang.org/protobuf/encoding/protowire"

// EncryptionMetadata describes the named-key flow: which key the client used
// and how. Algorithm must be "AES-256-GCM"; anything else is rejected.
type EncryptionMetadata struct {
	KeyID     string // 1
	Algorithm string // 2
	IV        string // 3, base64
}

func (m *EncryptionMetadata) Marshal() []byte {
	var b []byte
	b = appendString(b, 1, m.KeyID)
	b = appendString(b, 2, m.Algorithm)
	b = appendString(b, 3, m.IV)
	return b
}

func (m *EncryptionMetadata) Unmarshal(data []byte) error {
	*m = EncryptionMetadata{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]
		var err error
		switch {
		case num == 1 && typ == protowire.BytesType:
			m.KeyID, n, err = consumeString(data)
		case num == 2 && typ == protowire.BytesType:
			m.Algorithm, n, err = consumeString(data)
		case num == 3 && typ == protowire.BytesType:
			m.IV, n, err = consumeString(data)
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

// CreatePaymentTokenRequest carries client-encrypted card data. Exactly one
// of DeviceToken or EncryptionMetadata selects the decryption key.
type CreatePaymentTokenRequest struct {
	RestaurantID         string              // 1
	EncryptedPaymentData []byte              // 2, nonce || ciphertext
	DeviceToken          string              // 3
	Metadata             map[string]string   // 4
	EncryptionMetadata   *EncryptionMetadata // 5
	IdempotencyKey       string              // 6
}

func (m *CreatePaymentTokenRequest) Marshal() []byte {
	var b []byte
	b = appendString(b, 1, m.RestaurantID)
	b = appendBytes(b, 2, m.EncryptedPaymentData)
	b = appendString(b, 3, m.DeviceToken)
	b = appendStringMap(b, 4, m.Metadata)
	if m.EncryptionMetadata != nil {
		b = appendMessage(b, 5, m.EncryptionMetadata.Marshal(), true)
	}
	b = appendString(b, 6, m.IdempotencyKey)
	return b
}

func (m *CreatePaymentTokenRequest) Unmarshal(data []byte) error {
	*m = CreatePaymentTokenRequest{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]
		var err error
		switch {
		case num == 1 && typ == protowire.BytesType:
			m.RestaurantID, n, err = consumeString(data)
		case num == 2 && typ == protowire.BytesType:
			m.EncryptedPaymentData, n, err = consumeBytes(data)
		case num == 3 && typ == protowire.BytesType:
			m.DeviceToken, n, err = consumeString(data)
		case num == 4 && typ == protowire.BytesType:
			var k, v string
			k, v, n, err = consumeMapEntry(data)
			if err == nil {
				if m.Metadata == nil {
					m.Metadata = make(map[string]string)
				}
				m.Metadata[k] = v
			}
		case num == 5 && typ == protowire.BytesType:
			var raw []byte
			raw, n, err = consumeBytes(data)
			if err == nil {
				em := &EncryptionMetadata{}
				if err = em.Unmarshal(raw); err == nil {
					m.EncryptionMetadata = em
				}
			}
		case num == 6 && typ == protowire.BytesType:
			m.IdempotencyKey, n, err = consumeString(data)
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

type CreatePaymentTokenResponse struct {
	PaymentToken string            // 1
	RestaurantID string            // 2
	ExpiresAt    int64             // 3
	Metadata     map[string]string // 4
}

func (m *CreatePaymentTokenResponse) Marshal() []byte {
	var b []byte
	b = appendString(b, 1, m.PaymentToken)
	b = appendString(b, 2, m.RestaurantID)
	b = appendInt64(b, 3, m.ExpiresAt)
	b = appendStringMap(b, 4, m.Metadata)
	return b
}

func (m *CreatePaymentTokenResponse) Unmarshal(data []byte) error {
	*m = CreatePaymentTokenResponse{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]
		var err error
		switch {
		case num == 1 && typ == protowire.BytesType:
			m.PaymentToken, n, err = consumeString(data)
		case num == 2 && typ == protowire.BytesType:
			m.RestaurantID, n, err = consumeString(data)
		case num == 3 && typ == protowire.VarintType:
			var v uint64
			v, n, err = consumeVarint(data)
			m.ExpiresAt = int64(v)
		case num == 4 && typ == protowire.BytesType:
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

type GetPaymentTokenResponse struct {
	PaymentToken string            // 1
	RestaurantID string            // 2
	CreatedAt    int64             // 3
	ExpiresAt    int64             // 4
	IsExpired    bool              // 5
	Metadata     map[string]string // 6
}

func (m *GetPaymentTokenResponse) Marshal() []byte {
	var b []byte
	b = appendString(b, 1, m.PaymentToken)
	b = appendString(b, 2, m.RestaurantID)
	b = appendInt64(b, 3, m.CreatedAt)
	b = appendInt64(b, 4, m.ExpiresAt)
	b = appendBool(b, 5, m.IsExpired)
	b = appendStringMap(b, 6, m.Metadata)
	return b
}

func (m *GetPaymentTokenResponse) Unmarshal(data []byte) error {
	*m = GetPaymentTokenResponse{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]
		var err error
		switch {
		case num == 1 && typ == protowire.BytesType:
			m.PaymentToken, n, err = consumeString(data)
		case num == 2 && typ == protowire.BytesType:
			m.RestaurantID, n, err = consumeString(data)
		case num == 3 && typ == protowire.VarintType:
			var v uint64
			v, n, err = consumeVarint(data)
			m.CreatedAt = int64(v)
		case num == 4 && typ == protowire.VarintType:
			var v uint64
			v, n, err = consumeVarint(data)
			m.ExpiresAt = int64(v)
		case num == 5 && typ == protowire.VarintType:
			var v uint64
			v, n, err = consumeVarint(data)
			m.IsExpired = v != 0
		case num == 6 && typ == protowire.BytesType:
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

type DecryptPaymentTokenRequest struct {
	PaymentToken      string // 1
	RestaurantID      string // 2
	RequestingService string // 3
}

func (m *DecryptPaymentTokenRequest) Marshal() []byte {
	var b []byte
	b = appendString(b, 1, m.PaymentToken)
	b = appendString(b, 2, m.RestaurantID)
	b = appendString(b, 3, m.RequestingService)
	return b
}

func (m *DecryptPaymentTokenRequest) Unmarshal(data []byte) error {
	*m = DecryptPaymentTokenRequest{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]
		var err error
		switch {
		case num == 1 && typ == protowire.BytesType:
			m.PaymentToken, n, err = consumeString(data)
		case num == 2 && typ == protowire.BytesType:
			m.RestaurantID, n, err = consumeString(data)
		case num == 3 && typ == protowire.BytesType:
			m.RequestingService, n, err = consumeString(data)
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

type BillingAddress struct {
	Line1      string // 1
	Line2      string // 2
	City       string // 3
	State      string // 4
	PostalCode string // 5
	Country    string // 6
}

func (m *BillingAddress) Marshal() []byte {
	var b []byte
	b = appendString(b, 1, m.Line1)
	b = appendString(b, 2, m.Line2)
	b = appendString(b, 3, m.City)
	b = appendString(b, 4, m.State)
	b = appendString(b, 5, m.PostalCode)
	b = appendString(b, 6, m.Country)
	return b
}

func (m *BillingAddress) Unmarshal(data []byte) error {
	*m = BillingAddress{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]
		var err error
		switch {
		case num == 1 && typ == protowire.BytesType:
			m.Line1, n, err = consumeString(data)
		case num == 2 && typ == protowire.BytesType:
			m.Line2, n, err = consumeString(data)
		case num == 3 && typ == protowire.BytesType:
			m.City, n, err = consumeString(data)
		case num == 4 && typ == protowire.BytesType:
			m.State, n, err = consumeString(data)
		case num == 5 && typ == protowire.BytesType:
			m.PostalCode, n, err = consumeString(data)
		case num == 6 && typ == protowire.BytesType:
			m.Country, n, err = consumeString(data)
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

// PaymentData is decrypted card material. It exists in memory only; it is
// never logged and never stored outside the AEAD envelope.
type PaymentData struct {
	CardNumber     string          // 1
	ExpMonth       string          // 2, "MM"
	ExpYear        string          // 3, "YYYY"
	CVV            string          // 4
	CardholderName string          // 5
	BillingAddress *BillingAddress // 6
}

func (m *PaymentData) Marshal() []byte {
	var b []byte
	b = appendString(b, 1, m.CardNumber)
	b = appendString(b, 2, m.ExpMonth)
	b = appendString(b, 3, m.ExpYear)
	b = appendString(b, 4, m.CVV)
	b = appendString(b, 5, m.CardholderName)
	if m.BillingAddress != nil {
		b = appendMessage(b, 6, m.BillingAddress.Marshal(), true)
	}
	return b
}

func (m *PaymentData) Unmarshal(data []byte) error {
	*m = PaymentData{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]
		var err error
		switch {
		case num == 1 && typ == protowire.BytesType:
			m.CardNumber, n, err = consumeString(data)
		case num == 2 && typ == protowire.BytesType:
			m.ExpMonth, n, err = consumeString(data)
		case num == 3 && typ == protowire.BytesType:
			m.ExpYear, n, err = consumeString(data)
		case num == 4 && typ == protowire.BytesType:
			m.CVV, n, err = consumeString(data)
		case num == 5 && typ == protowire.BytesType:
			m.CardholderName, n, err = consumeString(data)
		case num == 6 && typ == protowire.BytesType:
			var raw []byte
			raw, n, err = consumeBytes(data)
			if err == nil {
				ba := &BillingAddress{}
				if err = ba.Unmarshal(raw); err == nil {
					m.BillingAddress = ba
				}
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

type RotateKeyRequest struct {
	NewKeyVersion string // 1, empty = auto-increment
}

func (m *RotateKeyRequest) Marshal() []byte {
	var b []byte
	b = appendString(b, 1, m.NewKeyVersion)
	return b
}

func (m *RotateKeyRequest) Unmarshal(data []byte) error {
	*m = RotateKeyRequest{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]
		var err error
		switch {
		case num == 1 && typ == protowire.BytesType:
			m.NewKeyVersion, n, err = consumeString(data)
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

type RotateKeyResponse struct {
	PreviousVersion string // 1
	CurrentVersion  string // 2
	RotatedAt       int64  // 3
}

func (m *RotateKeyResponse) Marshal() []byte {
	var b []byte
	b = appendString(b, 1, m.PreviousVersion)
	b = appendString(b, 2, m.CurrentVersion)
	b = appendInt64(b, 3, m.RotatedAt)
	return b
}

func (m *RotateKeyResponse) Unmarshal(data []byte) error {
	*m = RotateKeyResponse{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]
		var err error
		switch {
		case num == 1 && typ == protowire.BytesType:
			m.PreviousVersion, n, err = consumeString(data)
		case num == 2 && typ == protowire.BytesType:
			m.CurrentVersion, n, err = consumeString(data)
		case num == 3 && typ == protowire.VarintType:
			var v uint64
			v, n, err = consumeVarint(data)
			m.RotatedAt = int64(v)
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

type DecryptPaymentTokenResponse struct {
	PaymentData *PaymentData      // 1
	Metadata    map[string]string // 2
}

func (m *DecryptPaymentTokenResponse) Marshal() []byte {
	var b []byte
	if m.PaymentData != nil {
		b = appendMessage(b, 1, m.PaymentData.Marshal(), true)
	}
	b = appendStringMap(b, 2, m.Metadata)
	return b
}

func (m *DecryptPaymentTokenResponse) Unmarshal(data []byte) error {
	*m = DecryptPaymentTokenResponse{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]
		var err error
		switch {
		case num == 1 && typ == protowire.BytesType:
			var raw []byte
			raw, n, err = consumeBytes(data)
			if err == nil {
				pd := &PaymentData{}
				if err = pd.Unmarshal(raw); err == nil {
					m.PaymentData = pd
				}
			}
		case num == 2 && typ == protowire.BytesType:
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
