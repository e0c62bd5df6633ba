package httpapi_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/paycoord/internal/domain"
	"github.com/vladislavdragonenkov/paycoord/internal/gateway/stub"
	"github.com/vladislavdragonenkov/paycoord/internal/httpapi"
	"github.com/vladislavdragonenkov/paycoord/internal/service/inventory"
	"github.com/vladislavdragonenkov/paycoord/internal/service/order"
	"github.com/vladislavdragonenkov/paycoord/internal/service/payment"
	"github.com/vladislavdragonenkov/paycoord/internal/service/reconcile"
	"github.com/vladislavdragonenkov/paycoord/internal/service/sweeper"
	"github.com/vladislavdragonenkov/paycoord/internal/service/webhook"
	"github.com/vladislavdragonenkov/paycoord/internal/storage/memory"
)

const (
	webhookSecret = "ipn-secret"
	adminSecret   = "admin-secret"
)

type testAPI struct {
	server *httpapi.Server
	store  *memory.Store
	gw     *stub.Gateway
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()

	store := memory.NewStore()
	gw := stub.New("http://localhost:8080")
	engine := reconcile.NewEngine(store, gw)
	inv := inventory.NewService(store, nil)

	server := httpapi.NewServer(httpapi.Deps{
		Store:     store,
		Orders:    order.NewService(store, engine, nil),
		Payments:  payment.NewService(store, gw, engine, payment.Config{DefaultCallbackURL: "http://shop.local/return"}, nil),
		Inventory: inv,
		Poller:    engine,
		Webhooks:  webhook.NewReceiver(store, gw, engine, nil, nil),
		Sweeper:   sweeper.NewExpirySweeper(store.Payments(), engine),
		// Ключ проверяется ниже через query token.
		WebhookAuth: webhook.NewAuthenticator(webhookSecret),
		AdminSecret: adminSecret,
	}, httpapi.Options{RequestTimeout: 5 * time.Second})

	return &testAPI{server: server, store: store, gw: gw}
}

func (a *testAPI) do(t *testing.T, method, path string, body any, headers map[string]string) (int, []byte) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := a.server.App().Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, out
}

func (a *testAPI) registerUnit(t *testing.T, id string) {
	t.Helper()
	_, err := inventory.NewService(a.store, nil).RegisterUnit(t.Context(), domain.SellableUnit{
		ID: id, SKU: "sku-" + id, Kind: domain.UnitKindUnique,
	})
	require.NoError(t, err)
}

func orderBody(unitID string) map[string]any {
	return map[string]any{
		"customer_id": "customer-1",
		"currency":    "KES",
		"items": []map[string]any{
			{"unit_id": unitID, "quantity": 1, "unit_price_minor": 250000},
		},
	}
}

func (a *testAPI) createOrder(t *testing.T, unitID string) domain.Order {
	t.Helper()
	status, body := a.do(t, http.MethodPost, "/api/v1/orders", orderBody(unitID), nil)
	require.Equal(t, http.StatusCreated, status, string(body))

	var created domain.Order
	require.NoError(t, json.Unmarshal(body, &created))
	return created
}

func decodeError(t *testing.T, body []byte) map[string]string {
	t.Helper()
	var out map[string]string
	require.NoError(t, json.Unmarshal(body, &out))
	return out
}

func TestCreateOrder_ReplaysByIdempotencyKey(t *testing.T) {
	api := newTestAPI(t)
	api.registerUnit(t, "phone-1")

	headers := map[string]string{"Idempotency-Key": "checkout-1"}
	status, first := api.do(t, http.MethodPost, "/api/v1/orders", orderBody("phone-1"), headers)
	require.Equal(t, http.StatusCreated, status, string(first))

	status, second := api.do(t, http.MethodPost, "/api/v1/orders", orderBody("phone-1"), headers)
	require.Equal(t, http.StatusOK, status, string(second))

	var a, b domain.Order
	require.NoError(t, json.Unmarshal(first, &a))
	require.NoError(t, json.Unmarshal(second, &b))
	assert.Equal(t, a.ID, b.ID)
	assert.Equal(t, int64(250000), b.TotalMinor)
	assert.Len(t, b.Items, 1)
}

func TestCreateOrder_UnitUnavailable(t *testing.T) {
	api := newTestAPI(t)
	api.registerUnit(t, "phone-1")
	api.createOrder(t, "phone-1")

	status, body := api.do(t, http.MethodPost, "/api/v1/orders", orderBody("phone-1"), nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "unit_unavailable", decodeError(t, body)["reason"])
}

func TestCreateOrder_Validation(t *testing.T) {
	api := newTestAPI(t)

	status, body := api.do(t, http.MethodPost, "/api/v1/orders", map[string]any{"currency": "KES"}, nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "invalid_request", decodeError(t, body)["reason"])
}

func TestGetOrder_NotFound(t *testing.T) {
	api := newTestAPI(t)

	status, body := api.do(t, http.MethodGet, "/api/v1/orders/missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "not_found", decodeError(t, body)["reason"])
}

func TestPaymentFlow_WebhookSettlesOrder(t *testing.T) {
	api := newTestAPI(t)
	api.registerUnit(t, "phone-1")
	created := api.createOrder(t, "phone-1")

	paymentsPath := "/api/v1/orders/" + created.ID + "/payments"
	status, body := api.do(t, http.MethodPost, paymentsPath, map[string]any{
		"customer": map[string]any{"email": "buyer@example.com"},
	}, map[string]string{"Idempotency-Key": "pay-1"})
	require.Equal(t, http.StatusCreated, status, string(body))

	var initiated struct {
		RedirectURL string `json:"redirect_url"`
		TrackingID  string `json:"tracking_id"`
	}
	require.NoError(t, json.Unmarshal(body, &initiated))
	require.NotEmpty(t, initiated.TrackingID)
	assert.Contains(t, initiated.RedirectURL, initiated.TrackingID)

	// Повтор с тем же ключом отдаёт сохранённый ответ.
	status, replay := api.do(t, http.MethodPost, paymentsPath, map[string]any{
		"customer": map[string]any{"email": "buyer@example.com"},
	}, map[string]string{"Idempotency-Key": "pay-1"})
	require.Equal(t, http.StatusCreated, status)
	assert.JSONEq(t, string(body), string(replay))

	require.True(t, api.gw.Settle(initiated.TrackingID, domain.GatewayStatusCompleted, domain.PaymentMethodMPesa))

	path := fmt.Sprintf("/webhooks/pesapal?token=%s&OrderTrackingId=%s&OrderMerchantReference=ref&OrderNotificationType=IPNCHANGE",
		webhookSecret, initiated.TrackingID)
	status, body = api.do(t, http.MethodGet, path, nil, nil)
	require.Equal(t, http.StatusOK, status, string(body))

	var ack webhook.Ack
	require.NoError(t, json.Unmarshal(body, &ack))
	assert.Equal(t, http.StatusOK, ack.Status)
	assert.Equal(t, initiated.TrackingID, ack.OrderTrackingID)
	assert.Equal(t, "IPNCHANGE", ack.OrderNotificationType)

	status, body = api.do(t, http.MethodGet, "/api/v1/orders/"+created.ID+"/payment-status", nil, nil)
	require.Equal(t, http.StatusOK, status, string(body))

	var paymentStatus map[string]any
	require.NoError(t, json.Unmarshal(body, &paymentStatus))
	assert.Equal(t, "COMPLETED", paymentStatus["status"])
	assert.Equal(t, "PAID", paymentStatus["order_status"])
	assert.Equal(t, "2500.00", paymentStatus["amount"])
	assert.Equal(t, true, paymentStatus["verified"])
	assert.Equal(t, true, paymentStatus["notification_received"])

	unit, err := api.store.Units().Get(t.Context(), "phone-1")
	require.NoError(t, err)
	assert.Equal(t, domain.SaleStatusSold, unit.SaleStatus)
}

func TestPaymentStatus_NoAttempt(t *testing.T) {
	api := newTestAPI(t)
	api.registerUnit(t, "phone-1")
	created := api.createOrder(t, "phone-1")

	status, body := api.do(t, http.MethodGet, "/api/v1/orders/"+created.ID+"/payment-status", nil, nil)
	require.Equal(t, http.StatusOK, status, string(body))

	var paymentStatus map[string]any
	require.NoError(t, json.Unmarshal(body, &paymentStatus))
	assert.Equal(t, "NONE", paymentStatus["status"])
	assert.Equal(t, "PENDING", paymentStatus["order_status"])
	assert.Nil(t, paymentStatus["initiated_at"])
}

func TestCancelOrder_ReleasesUnit(t *testing.T) {
	api := newTestAPI(t)
	api.registerUnit(t, "phone-1")
	created := api.createOrder(t, "phone-1")

	status, body := api.do(t, http.MethodPost, "/api/v1/orders/"+created.ID+"/cancel", nil, nil)
	require.Equal(t, http.StatusOK, status, string(body))

	var cancelled domain.Order
	require.NoError(t, json.Unmarshal(body, &cancelled))
	assert.Equal(t, domain.OrderStatusCancelled, cancelled.Status)

	unit, err := api.store.Units().Get(t.Context(), "phone-1")
	require.NoError(t, err)
	assert.Equal(t, domain.SaleStatusAvailable, unit.SaleStatus)
}

func TestWebhook_RejectsBadSecret(t *testing.T) {
	api := newTestAPI(t)

	status, body := api.do(t, http.MethodGet, "/webhooks/pesapal?token=wrong&OrderTrackingId=t-1", nil, nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "unauthorized", decodeError(t, body)["reason"])

	entries, err := api.store.Notifications().List(t.Context(), "")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.OutcomeRejected, entries[0].Outcome)
	assert.Equal(t, "t-1", entries[0].TrackingID)
	assert.Contains(t, string(entries[0].Payload), "token=wrong")
}

func TestWebhook_SignedPostWithoutTracking(t *testing.T) {
	api := newTestAPI(t)
	auth := webhook.NewAuthenticator(webhookSecret)

	raw := []byte(`{"OrderNotificationType":"IPNCHANGE"}`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/pesapal", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(webhook.SignatureHeader, string(auth.Sign(raw)))

	resp, err := api.server.App().Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	entries, err := api.store.Notifications().List(t.Context(), "")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.OutcomeRejected, entries[0].Outcome)
	assert.Equal(t, raw, entries[0].Payload)
	assert.Equal(t, "OrderTrackingId is required", entries[0].Detail)
}

func TestWebhook_UnknownTrackingIsAcknowledged(t *testing.T) {
	api := newTestAPI(t)

	path := fmt.Sprintf("/webhooks/pesapal?secret=%s&OrderTrackingId=ghost", webhookSecret)
	status, body := api.do(t, http.MethodGet, path, nil, nil)
	require.Equal(t, http.StatusOK, status)

	var ack webhook.Ack
	require.NoError(t, json.Unmarshal(body, &ack))
	assert.Equal(t, http.StatusOK, ack.Status)
	assert.Equal(t, webhook.DefaultNotificationType, ack.OrderNotificationType)
}

func TestAdmin_RequiresToken(t *testing.T) {
	api := newTestAPI(t)

	status, _ := api.do(t, http.MethodPost, "/admin/v1/units", map[string]any{"id": "u-1"}, nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	wrongKey, err := httpapi.IssueAdminToken("other", "ops", time.Minute)
	require.NoError(t, err)
	status, _ = api.do(t, http.MethodPost, "/admin/v1/units", map[string]any{"id": "u-1"},
		map[string]string{"Authorization": "Bearer " + wrongKey})
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestAdmin_UnitsAndNotifications(t *testing.T) {
	api := newTestAPI(t)
	token, err := httpapi.IssueAdminToken(adminSecret, "ops", time.Minute)
	require.NoError(t, err)
	auth := map[string]string{"Authorization": "Bearer " + token}

	status, body := api.do(t, http.MethodPost, "/admin/v1/units", map[string]any{
		"id": "phone-9", "sku": "pixel", "kind": "unique", "available_online": true,
	}, auth)
	require.Equal(t, http.StatusCreated, status, string(body))

	status, body = api.do(t, http.MethodPatch, "/admin/v1/units/phone-9/status", map[string]any{"sale_status": "reserved"}, auth)
	require.Equal(t, http.StatusOK, status, string(body))
	var unit map[string]any
	require.NoError(t, json.Unmarshal(body, &unit))
	assert.Equal(t, "RESERVED", unit["sale_status"])

	status, _ = api.do(t, http.MethodGet, "/admin/v1/orders/missing/notifications", nil, auth)
	assert.Equal(t, http.StatusNotFound, status)

	status, body = api.do(t, http.MethodPost, "/admin/v1/sweep", nil, auth)
	require.Equal(t, http.StatusOK, status, string(body))
	var report sweeper.Report
	require.NoError(t, json.Unmarshal(body, &report))
	assert.Zero(t, report.Expired)
}
