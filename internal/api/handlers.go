/**
 * @description
 * This file contains the HTTP handlers for the gateway-facing surface: the
 * USSD callback and the mobile-money webhooks. USSD responses are plain text
 * prefixed with CON (continue) or END (terminate). Webhooks are acknowledged
 * synchronously with a zero result code even when internal processing fails,
 * so provider retries do not amplify load; idempotency is enforced inside the
 * reconciler, not by the acknowledgment.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: HTTP routing.
 * - internal/app: The USSD engine and the reconciliation engine.
 */

package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/umoja/lending-service/internal/app"
	"github.com/umoja/lending-service/internal/domain"
	"github.com/umoja/lending-service/internal/store"
)

// Handlers holds the dependencies for the HTTP layer.
type Handlers struct {
	Engine     *app.UssdEngine
	Reconciler *app.Reconciler
	Loans      *app.LoanService
	Repo       store.Repository
	Cache      store.ReadCache
	Limiter    app.RateLimiter

	UssdRateLimitPerMinute int
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(engine *app.UssdEngine, reconciler *app.Reconciler, loans *app.LoanService, repo store.Repository, cache store.ReadCache, limiter app.RateLimiter, ussdRateLimit int) *Handlers {
	return &Handlers{
		Engine:                 engine,
		Reconciler:             reconciler,
		Loans:                  loans,
		Repo:                   repo,
		Cache:                  cache,
		Limiter:                limiter,
		UssdRateLimitPerMinute: ussdRateLimit,
	}
}

// UssdCallbackHandler receives the gateway's form-encoded callback and writes
// the plain-text menu response.
func (h *Handlers) UssdCallbackHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form payload", http.StatusBadRequest)
		return
	}

	sessionID := strings.TrimSpace(r.PostFormValue("sessionId"))
	phoneNumber := strings.TrimSpace(r.PostFormValue("phoneNumber"))
	serviceCode := strings.TrimSpace(r.PostFormValue("serviceCode"))
	text := r.PostFormValue("text")

	if sessionID == "" || phoneNumber == "" {
		http.Error(w, "sessionId and phoneNumber are required", http.StatusBadRequest)
		return
	}

	if h.Limiter != nil && h.UssdRateLimitPerMinute > 0 {
		count, _, err := h.Limiter.ConsumeRateLimit(r.Context(), "ussd", phoneNumber, h.UssdRateLimitPerMinute, time.Minute)
		if err != nil {
			// Fail open; the limiter is a shield, not a dependency.
			log.Printf("level=warn component=api msg=\"rate limiter unavailable\" err=%v", err)
		} else if count > h.UssdRateLimitPerMinute {
			ussdCallbacks.WithLabelValues("throttled").Inc()
			writeUssdResponse(w, "Too many requests. Please try again in a minute.", false)
			return
		}
	}

	reply, cont, err := h.Engine.HandleCallback(r.Context(), sessionID, phoneNumber, serviceCode, text)
	if err != nil {
		log.Printf("level=error component=api msg=\"ussd callback failed\" session_id=%s err=%v", sessionID, err)
		ussdCallbacks.WithLabelValues("error").Inc()
	} else if cont {
		ussdCallbacks.WithLabelValues("continue").Inc()
	} else {
		ussdCallbacks.WithLabelValues("end").Inc()
	}
	writeUssdResponse(w, reply, cont)
}

func writeUssdResponse(w http.ResponseWriter, text string, cont bool) {
	prefix := "END "
	if cont {
		prefix = "CON "
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, prefix+text)
}

// stkCallbackEnvelope is the Daraja STK push result payload.
type stkCallbackEnvelope struct {
	Body struct {
		StkCallback struct {
			MerchantRequestID string `json:"MerchantRequestID"`
			CheckoutRequestID string `json:"CheckoutRequestID"`
			ResultCode        int    `json:"ResultCode"`
			ResultDesc        string `json:"ResultDesc"`
			CallbackMetadata  struct {
				Item []stkMetadataItem `json:"Item"`
			} `json:"CallbackMetadata"`
		} `json:"stkCallback"`
	} `json:"Body"`
}

type stkMetadataItem struct {
	Name  string      `json:"Name"`
	Value interface{} `json:"Value"`
}

// PaymentCallbackHandler receives STK push results (repayments). The provider
// is always acknowledged with ResultCode 0; reconciliation outcomes surface
// through transaction status and alerts, not through the HTTP response.
func (h *Handlers) PaymentCallbackHandler(w http.ResponseWriter, r *http.Request) {
	var envelope stkCallbackEnvelope
	if err := json.NewDecoder(r.Body).Decode(&envelope); err != nil {
		log.Printf("level=warn component=api msg=\"undecodable stk callback\" err=%v", err)
		writeWebhookAck(w)
		return
	}

	callback := envelope.Body.StkCallback
	event := domain.ProviderEvent{
		ExternalReference: callback.CheckoutRequestID,
		Direction:         domain.DirectionRepayment,
		Status:            domain.ProviderEventSuccess,
		OccurredAt:        time.Now().UTC(),
	}
	if callback.ResultCode != 0 {
		event.Status = domain.ProviderEventFailed
		event.Reason = callback.ResultDesc
	}
	for _, item := range callback.CallbackMetadata.Item {
		switch item.Name {
		case "Amount":
			event.Amount = metadataAmountCents(item.Value)
		case "MpesaReceiptNumber":
			event.Receipt, _ = item.Value.(string)
		case "PhoneNumber":
			event.PhoneNumber = fmt.Sprintf("%v", item.Value)
		case "TransactionDate":
			if ts, ok := providerTimestamp(item.Value); ok {
				event.OccurredAt = ts
			}
		}
	}

	h.processProviderEvent(r.Context(), event)
	writeWebhookAck(w)
}

// b2cResultEnvelope is the Daraja B2C result payload.
type b2cResultEnvelope struct {
	Result struct {
		ResultType               int    `json:"ResultType"`
		ResultCode               int    `json:"ResultCode"`
		ResultDesc               string `json:"ResultDesc"`
		OriginatorConversationID string `json:"OriginatorConversationID"`
		ConversationID           string `json:"ConversationID"`
		TransactionID            string `json:"TransactionID"`
		ResultParameters         struct {
			ResultParameter []stkMetadataItem `json:"ResultParameter"`
		} `json:"ResultParameters"`
	} `json:"Result"`
}

// B2CResultHandler receives B2C payout results (disbursements).
func (h *Handlers) B2CResultHandler(w http.ResponseWriter, r *http.Request) {
	var envelope b2cResultEnvelope
	if err := json.NewDecoder(r.Body).Decode(&envelope); err != nil {
		log.Printf("level=warn component=api msg=\"undecodable b2c result\" err=%v", err)
		writeWebhookAck(w)
		return
	}

	result := envelope.Result
	event := domain.ProviderEvent{
		ExternalReference: result.ConversationID,
		Direction:         domain.DirectionDisbursement,
		Status:            domain.ProviderEventSuccess,
		Receipt:           result.TransactionID,
		OccurredAt:        time.Now().UTC(),
	}
	if result.ResultCode != 0 {
		event.Status = domain.ProviderEventFailed
		event.Reason = result.ResultDesc
	}
	for _, param := range result.ResultParameters.ResultParameter {
		switch param.Name {
		case "TransactionAmount":
			event.Amount = metadataAmountCents(param.Value)
		case "TransactionCompletedDateTime":
			if ts, ok := providerTimestamp(param.Value); ok {
				event.OccurredAt = ts
			}
		}
	}

	h.processProviderEvent(r.Context(), event)
	writeWebhookAck(w)
}

func (h *Handlers) processProviderEvent(ctx context.Context, event domain.ProviderEvent) {
	if err := h.Reconciler.HandleProviderEvent(ctx, event); err != nil {
		log.Printf("level=error component=api msg=\"provider event processing failed\" reference=%s err=%v", event.ExternalReference, err)
		providerEvents.WithLabelValues(string(event.Direction), "error").Inc()
		return
	}
	providerEvents.WithLabelValues(string(event.Direction), "ok").Inc()
}

func writeWebhookAck(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]any{"ResultCode": 0, "ResultDesc": "Accepted"})
}

// nairobiTime is the zone Daraja stamps transactions in.
var nairobiTime = time.FixedZone("EAT", 3*60*60)

// providerTimestamp parses the transaction time Daraja attaches to results:
// STK metadata carries TransactionDate as the number 20060102150405, B2C
// results carry TransactionCompletedDateTime as "02.01.2006 15:04:05". Both
// are wall-clock Nairobi time. Returns false when the value is absent or in
// a shape we do not recognize, in which case receipt time is used instead.
func providerTimestamp(value interface{}) (time.Time, bool) {
	var raw string
	switch v := value.(type) {
	case float64:
		raw = strconv.FormatFloat(v, 'f', -1, 64)
	case string:
		raw = strings.TrimSpace(v)
	default:
		return time.Time{}, false
	}
	for _, layout := range []string{"20060102150405", "02.01.2006 15:04:05"} {
		if ts, err := time.ParseInLocation(layout, raw, nairobiTime); err == nil {
			return ts.UTC(), true
		}
	}
	return time.Time{}, false
}

// metadataAmountCents converts a Daraja metadata amount (whole KES, delivered
// as a JSON number or string) to cents.
func metadataAmountCents(value interface{}) int64 {
	switch v := value.(type) {
	case float64:
		return int64(v * 100)
	case string:
		var parsed float64
		if _, err := fmt.Sscanf(v, "%f", &parsed); err == nil {
			return int64(parsed * 100)
		}
	}
	return 0
}
