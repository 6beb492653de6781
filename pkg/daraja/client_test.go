package daraja

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestClient(baseURL string) *Client {
	return NewClient(Config{
		BaseURL:         baseURL,
		ConsumerKey:     "key",
		ConsumerSecret:  "secret",
		ShortCode:       "174379",
		Passkey:         "passkey",
		CallbackBaseURL: "https://lending.example.com",
	})
}

func TestInitiateSTKPushSendsWholeKES(t *testing.T) {
	tokenRequests := 0
	var captured STKPushRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/oauth/v1/generate":
			tokenRequests++
			if user, pass, ok := r.BasicAuth(); !ok || user != "key" || pass != "secret" {
				t.Errorf("token request auth = %q/%q", user, pass)
			}
			json.NewEncoder(w).Encode(map[string]string{"access_token": "tok-1", "expires_in": "3599"})
		case "/mpesa/stkpush/v1/processrequest":
			if got := r.Header.Get("Authorization"); got != "Bearer tok-1" {
				t.Errorf("authorization = %q, want Bearer tok-1", got)
			}
			if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
				t.Errorf("decode stk payload: %v", err)
			}
			json.NewEncoder(w).Encode(STKPushResponse{CheckoutRequestID: "ws_CO_42", ResponseCode: "0"})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	resp, err := client.InitiateSTKPush(context.Background(), "0712345678", 345_000, "LN1", "Loan repayment")
	if err != nil {
		t.Fatalf("stk push: %v", err)
	}
	if resp.CheckoutRequestID != "ws_CO_42" {
		t.Fatalf("checkout request id = %q", resp.CheckoutRequestID)
	}

	// Cents on the inside, whole KES on the wire.
	if captured.Amount != 3450 {
		t.Fatalf("wire amount = %d, want 3450", captured.Amount)
	}
	if captured.PhoneNumber != "254712345678" {
		t.Fatalf("phone = %q, want normalized 254712345678", captured.PhoneNumber)
	}
	if captured.CallBackURL != "https://lending.example.com/payments/callback" {
		t.Fatalf("callback url = %q", captured.CallBackURL)
	}

	// Second call reuses the cached token.
	if _, err := client.InitiateSTKPush(context.Background(), "0712345678", 100_000, "LN1", "Loan repayment"); err != nil {
		t.Fatalf("second stk push: %v", err)
	}
	if tokenRequests != 1 {
		t.Fatalf("token requests = %d, want 1 (cached)", tokenRequests)
	}
}

func TestInitiateB2CRejectedResponseCode(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/oauth/v1/generate":
			json.NewEncoder(w).Encode(map[string]string{"access_token": "tok-1", "expires_in": "3599"})
		case "/mpesa/b2c/v1/paymentrequest":
			json.NewEncoder(w).Encode(B2CResponse{ResponseCode: "1", ResponseDescription: "Insufficient funds"})
		}
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	if _, err := client.InitiateB2C(context.Background(), "254712345678", 300_000, "Loan disbursement"); err == nil {
		t.Fatal("a non-zero response code must surface as an error")
	}
}

func TestPostSurfacesAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/oauth/v1/generate" {
			json.NewEncoder(w).Encode(map[string]string{"access_token": "tok-1", "expires_in": "3599"})
			return
		}
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(ErrorResponse{RequestID: "r1", ErrorCode: "400.002.02", ErrorMessage: "Bad Request - Invalid Timestamp"})
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	_, err := client.InitiateSTKPush(context.Background(), "254712345678", 100_000, "LN1", "desc")
	if err == nil {
		t.Fatal("expected an error")
	}
	apiErr, ok := err.(*ErrorResponse)
	if !ok {
		t.Fatalf("err = %T, want *ErrorResponse", err)
	}
	if apiErr.ErrorCode != "400.002.02" {
		t.Fatalf("error code = %q", apiErr.ErrorCode)
	}
}

func TestNormalizePhone(t *testing.T) {
	cases := map[string]string{
		"0712345678":    "254712345678",
		"+254712345678": "254712345678",
		"254712345678":  "254712345678",
		" 0712345678 ":  "254712345678",
	}
	for input, want := range cases {
		if got := NormalizePhone(input); got != want {
			t.Errorf("NormalizePhone(%q) = %q, want %q", input, got, want)
		}
	}
}
