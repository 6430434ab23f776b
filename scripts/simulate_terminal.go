package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/tably/payments/internal/tokenstore"
	"github.com/tably/payments/pb"
	"github.com/tably/payments/pkg/sdk"
)

// Walks one tab through the full flow against a local stack: encrypt the
// card the way terminal firmware does, mint a token, authorize, then
// release the hold. Run the api, worker and tokenstore binaries first.
func main() {
	apiKey := os.Getenv("TABLY_API_KEY")
	restaurantID := os.Getenv("TABLY_RESTAURANT_ID")
	encryptionKey := os.Getenv("PRIMARY_ENCRYPTION_KEY")
	if apiKey == "" || restaurantID == "" || encryptionKey == "" {
		log.Fatal("❌ Set TABLY_API_KEY, TABLY_RESTAURANT_ID and PRIMARY_ENCRYPTION_KEY first")
	}

	fmt.Println("💳 Terminal Starting: Front-of-house POS")
	ctx := context.Background()

	// 1. Seal the card under the device key and mint a token.
	fmt.Println("📡 Minting a payment token...")
	token, err := mintToken(ctx, apiKey, restaurantID, encryptionKey)
	if err != nil {
		log.Fatalf("❌ Token mint failed: %v", err)
	}
	fmt.Printf("🎟️  Token minted: %s...\n", token[:12])

	// 2. Open a $42.00 hold against the tab.
	client := sdk.NewClient(sdk.Config{
		BaseURL:      "http://localhost:8080",
		APIKey:       apiKey,
		RestaurantID: restaurantID,
	})

	fmt.Println("\n🤔 Authorizing $42.00 against table 12...")
	auth, err := client.Authorize(ctx, &sdk.AuthorizationRequest{
		PaymentToken:   token,
		AmountCents:    4200,
		Currency:       "USD",
		IdempotencyKey: fmt.Sprintf("sim-%d", time.Now().UnixNano()),
		Metadata:       map[string]string{"table": "12", "ticket": "4512"},
	})
	if err != nil {
		log.Fatalf("❌ Authorization rejected: %v", err)
	}

	if sdk.Terminal(auth.Status) {
		fmt.Printf("⚡ Settled on the fast path: %s\n", auth.Status)
	} else {
		fmt.Printf("⏳ Accepted as %s; waiting on the worker...\n", auth.Status)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	st, err := client.AwaitDecision(waitCtx, auth.AuthRequestID, time.Second)
	if err != nil {
		log.Fatalf("❌ Never settled: %v", err)
	}
	switch st.Status {
	case sdk.StatusAuthorized:
		fmt.Printf("✅ AUTHORIZED by %s (auth code %s)\n",
			st.Result.ProcessorName, st.Result.AuthorizationCode)
	case sdk.StatusDenied:
		log.Fatalf("❌ DENIED: %s (%s)", st.Result.DeclineReason, st.Result.DeclineCode)
	default:
		msg := ""
		if st.Result != nil {
			msg = st.Result.ErrorMessage
		}
		log.Fatalf("❌ Ended as %s: %s", st.Status, msg)
	}

	// 3. Guest paid cash; release the hold.
	fmt.Println("\n🔓 Releasing the hold...")
	st, err = client.Void(ctx, auth.AuthRequestID, &sdk.VoidRequest{Reason: "paid cash"})
	if err != nil {
		log.Fatalf("❌ Void failed: %v", err)
	}
	fmt.Printf("✅ Tab closed: %s\n", st.Status)
}

// mintToken plays the terminal side of token creation: derive the device
// key, seal the pipe-joined card fields, and POST the protobuf request.
func mintToken(ctx context.Context, apiKey, restaurantID, encryptionKey string) (string, error) {
	keyring, err := tokenstore.NewKeyring(encryptionKey)
	if err != nil {
		return "", err
	}
	deviceToken := "sim-terminal-001"
	key, err := keyring.DeviceKey(deviceToken)
	if err != nil {
		return "", err
	}
	sealed, err := tokenstore.Seal(key, tokenstore.EncodeCardData(&pb.PaymentData{
		CardNumber:     "4242424242424242",
		ExpMonth:       "12",
		ExpYear:        "2030",
		CVV:            "123",
		CardholderName: "Table Twelve",
	}))
	if err != nil {
		return "", err
	}

	body := (&pb.CreatePaymentTokenRequest{
		RestaurantID:         restaurantID,
		EncryptedPaymentData: sealed,
		DeviceToken:          deviceToken,
	}).Marshal()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		"http://localhost:8000/v1/payment-tokens", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-protobuf")
	req.Header.Set("X-API-Key", apiKey)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token service answered %d: %s", resp.StatusCode, respBody)
	}

	out := &pb.CreatePaymentTokenResponse{}
	if err := out.Unmarshal(respBody); err != nil {
		return "", err
	}
	return out.PaymentToken, nil
}
