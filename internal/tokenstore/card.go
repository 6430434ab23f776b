package tokenstore

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tably/payments/pb"
)

// Envelope layout inside the AEAD payload, pipe-joined UTF-8:
//
//	card_number|exp_month|exp_year|cvv|cardholder_name
//
// with an optional billing-address tail:
//
//	...|line1|line2|city|state|postal_code|country
//
// CVV and address fields may be empty; field count must be exactly 5 or 11.
const (
	envelopeShort = 5
	envelopeFull  = 11
)

// EncodeCardData builds the client-side envelope. Terminal firmware and the
// load generator share this layout with parseCardData.
func EncodeCardData(pd *pb.PaymentData) []byte {
	fields := []string{pd.CardNumber, pd.ExpMonth, pd.ExpYear, pd.CVV, pd.CardholderName}
	if pd.BillingAddress != nil {
		a := pd.BillingAddress
		fields = append(fields, a.Line1, a.Line2, a.City, a.State, a.PostalCode, a.Country)
	}
	return []byte(strings.Join(fields, "|"))
}

func parseCardData(plaintext []byte) (*pb.PaymentData, error) {
	fields := strings.Split(string(plaintext), "|")
	if len(fields) != envelopeShort && len(fields) != envelopeFull {
		return nil, fmt.Errorf("payload has %d fields, want %d or %d", len(fields), envelopeShort, envelopeFull)
	}

	pd := &pb.PaymentData{
		CardNumber:     strings.TrimSpace(fields[0]),
		ExpMonth:       strings.TrimSpace(fields[1]),
		ExpYear:        strings.TrimSpace(fields[2]),
		CVV:            strings.TrimSpace(fields[3]),
		CardholderName: strings.TrimSpace(fields[4]),
	}
	if len(fields) == envelopeFull {
		pd.BillingAddress = &pb.BillingAddress{
			Line1:      strings.TrimSpace(fields[5]),
			Line2:      strings.TrimSpace(fields[6]),
			City:       strings.TrimSpace(fields[7]),
			State:      strings.TrimSpace(fields[8]),
			PostalCode: strings.TrimSpace(fields[9]),
			Country:    strings.TrimSpace(fields[10]),
		}
	}

	if err := validateCardData(pd); err != nil {
		return nil, err
	}
	return pd, nil
}

func validateCardData(pd *pb.PaymentData) error {
	if !allDigits(pd.CardNumber) || len(pd.CardNumber) < 13 || len(pd.CardNumber) > 19 {
		return fmt.Errorf("card number must be 13-19 digits")
	}
	if len(pd.ExpMonth) != 2 || !allDigits(pd.ExpMonth) {
		return fmt.Errorf("expiration month must be MM")
	}
	if m, _ := strconv.Atoi(pd.ExpMonth); m < 1 || m > 12 {
		return fmt.Errorf("expiration month out of range")
	}
	if len(pd.ExpYear) != 4 || !allDigits(pd.ExpYear) {
		return fmt.Errorf("expiration year must be YYYY")
	}
	if pd.CVV != "" && (!allDigits(pd.CVV) || len(pd.CVV) < 3 || len(pd.CVV) > 4) {
		return fmt.Errorf("cvv must be 3-4 digits")
	}
	if pd.CardholderName == "" {
		return fmt.Errorf("cardholder name is required")
	}
	return nil
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// cardBrand classifies a PAN by issuer prefix.
func cardBrand(pan string) string {
	switch {
	case strings.HasPrefix(pan, "4"):
		return "visa"
	case len(pan) >= 2 && pan[0] == '5' && pan[1] >= '1' && pan[1] <= '5':
		return "mastercard"
	case len(pan) >= 4 && inRange(pan[:4], 2221, 2720):
		return "mastercard"
	case strings.HasPrefix(pan, "34") || strings.HasPrefix(pan, "37"):
		return "amex"
	case strings.HasPrefix(pan, "6011") || strings.HasPrefix(pan, "65"):
		return "discover"
	case len(pan) >= 3 && inRange(pan[:3], 644, 649):
		return "discover"
	default:
		return "unknown"
	}
}

func inRange(prefix string, lo, hi int) bool {
	n, err := strconv.Atoi(prefix)
	if err != nil {
		return false
	}
	return n >= lo && n <= hi
}

// buildTokenMetadata merges derived card facts with client annotations.
// Client entries win on key collision; any client value carrying the full
// PAN fails validation because metadata is returned by unauthenticated
// reads.
func buildTokenMetadata(pd *pb.PaymentData, clientMeta map[string]string) (map[string]string, error) {
	meta := map[string]string{
		"card_brand": cardBrand(pd.CardNumber),
		"last_four":  pd.CardNumber[len(pd.CardNumber)-4:],
		"exp_month":  pd.ExpMonth,
		"exp_year":   pd.ExpYear,
	}
	for k, v := range clientMeta {
		if strings.Contains(v, pd.CardNumber) || strings.Contains(k, pd.CardNumber) {
			return nil, fmt.Errorf("metadata entry %q contains card data", k)
		}
		meta[k] = v
	}
	return meta, nil
}
