/**
 * @description
 * This package provides a client for the Safaricom Daraja (M-Pesa) API.
 * It encapsulates OAuth token management, STK push initiation for repayment
 * collection, and B2C payouts for loan disbursement.
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, net/http, sync, time: Standard Go libraries.
 */
package daraja

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Client is a client for the Daraja API.
type Client struct {
	BaseURL            string
	ConsumerKey        string
	ConsumerSecret     string
	ShortCode          string
	Passkey            string
	InitiatorName      string
	SecurityCredential string
	CallbackBaseURL    string
	HTTPClient         *http.Client

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

// Config carries the credentials and endpoints for a Daraja client.
type Config struct {
	BaseURL            string
	ConsumerKey        string
	ConsumerSecret     string
	ShortCode          string
	Passkey            string
	InitiatorName      string
	SecurityCredential string
	CallbackBaseURL    string
}

// NewClient creates a new Daraja API client.
func NewClient(cfg Config) *Client {
	return &Client{
		BaseURL:            strings.TrimSuffix(cfg.BaseURL, "/"),
		ConsumerKey:        cfg.ConsumerKey,
		ConsumerSecret:     cfg.ConsumerSecret,
		ShortCode:          cfg.ShortCode,
		Passkey:            cfg.Passkey,
		InitiatorName:      cfg.InitiatorName,
		SecurityCredential: cfg.SecurityCredential,
		CallbackBaseURL:    strings.TrimSuffix(cfg.CallbackBaseURL, "/"),
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// STKPushRequest represents the payload for an STK push.
type STKPushRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

// STKPushResponse is the synchronous acknowledgment of an STK push. The
// payment outcome arrives later on the callback webhook keyed by
// CheckoutRequestID.
type STKPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

// B2CRequest represents the payload for a B2C payout.
type B2CRequest struct {
	InitiatorName      string `json:"InitiatorName"`
	SecurityCredential string `json:"SecurityCredential"`
	CommandID          string `json:"CommandID"`
	Amount             int64  `json:"Amount"`
	PartyA             string `json:"PartyA"`
	PartyB             string `json:"PartyB"`
	Remarks            string `json:"Remarks"`
	QueueTimeOutURL    string `json:"QueueTimeOutURL"`
	ResultURL          string `json:"ResultURL"`
	Occasion           string `json:"Occasion"`
}

// B2CResponse is the synchronous acknowledgment of a B2C payout. The payout
// outcome arrives later on the result webhook keyed by ConversationID.
type B2CResponse struct {
	ConversationID           string `json:"ConversationID"`
	OriginatorConversationID string `json:"OriginatorConversationID"`
	ResponseCode             string `json:"ResponseCode"`
	ResponseDescription      string `json:"ResponseDescription"`
}

// ErrorResponse represents an error from the Daraja API.
type ErrorResponse struct {
	RequestID    string `json:"requestId"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

func (e *ErrorResponse) Error() string {
	if e.ErrorMessage != "" {
		return fmt.Sprintf("daraja api error: %s - %s", e.ErrorCode, e.ErrorMessage)
	}
	return "unknown daraja api error"
}

// InitiateSTKPush prompts the payer's phone to authorize a repayment. Amount
// is in cents; Daraja takes whole KES.
func (c *Client) InitiateSTKPush(ctx context.Context, phoneNumber string, amount int64, accountReference, description string) (*STKPushResponse, error) {
	token, err := c.getAccessToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("daraja auth: %w", err)
	}

	timestamp := time.Now().Format("20060102150405")
	phone := NormalizePhone(phoneNumber)
	payload := STKPushRequest{
		BusinessShortCode: c.ShortCode,
		Password:          c.stkPassword(timestamp),
		Timestamp:         timestamp,
		TransactionType:   "CustomerPayBillOnline",
		Amount:            amount / 100,
		PartyA:            phone,
		PartyB:            c.ShortCode,
		PhoneNumber:       phone,
		CallBackURL:       c.CallbackBaseURL + "/payments/callback",
		AccountReference:  accountReference,
		TransactionDesc:   description,
	}

	var result STKPushResponse
	if err := c.post(ctx, "/mpesa/stkpush/v1/processrequest", token, payload, &result); err != nil {
		return nil, err
	}
	if result.ResponseCode != "0" {
		return nil, fmt.Errorf("stk push rejected: %s", result.ResponseDescription)
	}
	return &result, nil
}

// InitiateB2C sends a payout to the borrower's phone. Amount is in cents.
func (c *Client) InitiateB2C(ctx context.Context, phoneNumber string, amount int64, remarks string) (*B2CResponse, error) {
	token, err := c.getAccessToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("daraja auth: %w", err)
	}

	payload := B2CRequest{
		InitiatorName:      c.InitiatorName,
		SecurityCredential: c.SecurityCredential,
		CommandID:          "BusinessPayment",
		Amount:             amount / 100,
		PartyA:             c.ShortCode,
		PartyB:             NormalizePhone(phoneNumber),
		Remarks:            remarks,
		QueueTimeOutURL:    c.CallbackBaseURL + "/payments/b2c-result",
		ResultURL:          c.CallbackBaseURL + "/payments/b2c-result",
		Occasion:           "Loan disbursement",
	}

	var result B2CResponse
	if err := c.post(ctx, "/mpesa/b2c/v1/paymentrequest", token, payload, &result); err != nil {
		return nil, err
	}
	if result.ResponseCode != "0" {
		return nil, fmt.Errorf("b2c payout rejected: %s", result.ResponseDescription)
	}
	return &result, nil
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   string `json:"expires_in"`
}

// getAccessToken returns a cached OAuth token, refreshing it when it is
// within a minute of expiry.
func (c *Client) getAccessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.accessToken != "" && time.Now().Before(c.tokenExpiry.Add(-time.Minute)) {
		return c.accessToken, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/oauth/v1/generate?grant_type=client_credentials", nil)
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(c.ConsumerKey, c.ConsumerSecret)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("token request failed with status %d: %s", resp.StatusCode, string(body))
	}

	var token tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if token.AccessToken == "" {
		return "", fmt.Errorf("token response missing access_token")
	}

	c.accessToken = token.AccessToken
	c.tokenExpiry = time.Now().Add(55 * time.Minute)
	return c.accessToken, nil
}

func (c *Client) post(ctx context.Context, path, token string, payload, result any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		var apiErr ErrorResponse
		if err := json.Unmarshal(raw, &apiErr); err == nil && apiErr.ErrorCode != "" {
			return &apiErr
		}
		return fmt.Errorf("daraja request failed with status %d: %s", resp.StatusCode, string(raw))
	}

	if err := json.Unmarshal(raw, result); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// stkPassword is base64(shortcode + passkey + timestamp) as Daraja requires.
func (c *Client) stkPassword(timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(c.ShortCode + c.Passkey + timestamp))
}

// NormalizePhone converts local Kenyan formats ("07...", "+2547...") to the
// canonical "2547..." form Daraja expects.
func NormalizePhone(phoneNumber string) string {
	phone := strings.TrimSpace(phoneNumber)
	phone = strings.TrimPrefix(phone, "+")
	if strings.HasPrefix(phone, "0") {
		phone = "254" + phone[1:]
	}
	return phone
}
