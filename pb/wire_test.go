package pb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestAuthRequestCreatedRoundTrip(t *testing.T) {
	in := &AuthRequestCreated{
		AuthRequestID: "a3c9e2d0-0000-4000-8000-000000000001",
		PaymentToken:  "pt_7f000001-1111-4222-8333-444455556666",
		RestaurantID:  "00000000-0000-0000-0000-000000000001",
		AmountCents:   5000,
		Currency:      "USD",
		CreatedAt:     1735689600,
		Metadata:      map[string]string{"order_id": "ord-42", "table": "7"},
	}

	data := in.Marshal()
	require.NotEmpty(t, data)

	out := &AuthRequestCreated{}
	require.NoError(t, out.Unmarshal(data))
	assert.Equal(t, in, out)
}

func TestMarshalIsDeterministic(t *testing.T) {
	// Map fields are sorted on encode so the same message always produces
	// the same bytes; fingerprints depend on this.
	m := &AuthRequestCreated{
		AuthRequestID: "id-1",
		Metadata:      map[string]string{"z": "1", "a": "2", "m": "3"},
	}
	first := m.Marshal()
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, m.Marshal())
	}
}

func TestUnmarshalSkipsUnknownFields(t *testing.T) {
	// A newer writer adds field 99; an old reader must decode everything
	// else and ignore it.
	m := &AuthResponseReceived{
		AuthRequestID:         "id-2",
		Status:                AuthStatusAuthorized,
		ProcessorName:         "mock",
		ProcessorAuthID:       "mock_pi_abc",
		AuthorizedAmountCents: 5000,
		Currency:              "USD",
	}
	data := m.Marshal()
	data = protowire.AppendTag(data, 99, protowire.BytesType)
	data = protowire.AppendString(data, "from-the-future")
	data = protowire.AppendTag(data, 100, protowire.VarintType)
	data = protowire.AppendVarint(data, 12345)

	out := &AuthResponseReceived{}
	require.NoError(t, out.Unmarshal(data))
	assert.Equal(t, "id-2", out.AuthRequestID)
	assert.Equal(t, AuthStatusAuthorized, out.Status)
	assert.Equal(t, int64(5000), out.AuthorizedAmountCents)
}

func TestUnmarshalRejectsTruncatedMessage(t *testing.T) {
	m := &AuthRequestQueuedMessage{AuthRequestID: "id-3", RestaurantID: "r-1", CreatedAt: 1}
	data := m.Marshal()

	out := &AuthRequestQueuedMessage{}
	assert.Error(t, out.Unmarshal(data[:len(data)-2]))
}

func TestZeroValuesAreOmitted(t *testing.T) {
	// proto3 semantics: defaults are not written. An all-zero message
	// encodes to nothing and decodes back to the zero value.
	empty := &AuthAttemptFailed{}
	assert.Empty(t, empty.Marshal())

	out := &AuthAttemptFailed{RetryCount: 9}
	require.NoError(t, out.Unmarshal(nil))
	assert.Zero(t, out.RetryCount)
}

func TestNestedMessageRoundTrip(t *testing.T) {
	in := &DecryptPaymentTokenResponse{
		PaymentData: &PaymentData{
			CardNumber:     "4242424242424242",
			ExpMonth:       "12",
			ExpYear:        "2030",
			CVV:            "123",
			CardholderName: "Ada Lovelace",
			BillingAddress: &BillingAddress{
				Line1:      "1 Main St",
				City:       "Springfield",
				State:      "IL",
				PostalCode: "62701",
				Country:    "US",
			},
		},
		Metadata: map[string]string{"card_brand": "visa", "last4": "4242"},
	}

	out := &DecryptPaymentTokenResponse{}
	require.NoError(t, out.Unmarshal(in.Marshal()))
	assert.Equal(t, in, out)
}

func TestExactlyOneKeyCredentialSurvivesEncoding(t *testing.T) {
	withDevice := &CreatePaymentTokenRequest{
		RestaurantID:         "r-1",
		EncryptedPaymentData: []byte{0x01, 0x02, 0x03},
		DeviceToken:          "device-abc",
	}
	out := &CreatePaymentTokenRequest{}
	require.NoError(t, out.Unmarshal(withDevice.Marshal()))
	assert.Equal(t, "device-abc", out.DeviceToken)
	assert.Nil(t, out.EncryptionMetadata)

	withKey := &CreatePaymentTokenRequest{
		RestaurantID:         "r-1",
		EncryptedPaymentData: []byte{0x01},
		EncryptionMetadata: &EncryptionMetadata{
			KeyID:     "demo-primary-key-001",
			Algorithm: "AES-256-GCM",
			IV:        "AAAAAAAAAAAAAAAA",
		},
	}
	out = &CreatePaymentTokenRequest{}
	require.NoError(t, out.Unmarshal(withKey.Marshal()))
	assert.Empty(t, out.DeviceToken)
	require.NotNil(t, out.EncryptionMetadata)
	assert.Equal(t, "AES-256-GCM", out.EncryptionMetadata.Algorithm)
}

func TestAuthStatusString(t *testing.T) {
	assert.Equal(t, "AUTHORIZED", AuthStatusAuthorized.String())
	assert.Equal(t, "DENIED", AuthStatusDenied.String())
	assert.Equal(t, "UNSPECIFIED", AuthStatusUnspecified.String())
	assert.Equal(t, "UNSPECIFIED", AuthStatus(42).String())
}
