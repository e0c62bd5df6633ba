package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	idempotencyHeader = "Idempotency-Key"
	statusTransport   = "transport_error"
)

// apiClient: минимальный HTTP-клиент к API paycoord; каждый вызов
// записывается в collector под своим именем.
type apiClient struct {
	baseURL    string
	adminToken string
	timeout    time.Duration
	httpClient *http.Client
	col        *collector
}

type orderItem struct {
	UnitID         string `json:"unit_id"`
	Quantity       int32  `json:"quantity"`
	UnitPriceMinor int64  `json:"unit_price_minor"`
}

type createOrderBody struct {
	CustomerID string      `json:"customer_id"`
	Currency   string      `json:"currency"`
	Items      []orderItem `json:"items"`
	TotalMinor int64       `json:"total_minor"`
}

type unitBody struct {
	ID              string `json:"id"`
	SKU             string `json:"sku"`
	Name            string `json:"name"`
	Kind            string `json:"kind"`
	SaleStatus      string `json:"sale_status"`
	Stock           int32  `json:"stock"`
	AvailableOnline bool   `json:"available_online"`
}

type orderView struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type initiationView struct {
	TrackingID  string `json:"tracking_id"`
	RedirectURL string `json:"redirect_url"`
	Reused      bool   `json:"reused"`
}

type paymentStatusView struct {
	Status      string `json:"status"`
	OrderStatus string `json:"order_status"`
}

func newAPIClient(cfg config, col *collector) *apiClient {
	return &apiClient{
		baseURL:    strings.TrimRight(cfg.baseURL, "/"),
		adminToken: cfg.adminToken,
		timeout:    cfg.timeout,
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        cfg.concurrency * 2,
				MaxIdleConnsPerHost: cfg.concurrency * 2,
				IdleConnTimeout:     30 * time.Second,
			},
		},
		col: col,
	}
}

func (c *apiClient) registerUnit(unit unitBody) error {
	return c.do("RegisterUnit", http.MethodPost, "/admin/v1/units", unit, "", true, nil)
}

func (c *apiClient) createOrder(body createOrderBody, key string) (orderView, error) {
	var out orderView
	err := c.do("CreateOrder", http.MethodPost, "/api/v1/orders", body, key, false, &out)
	return out, err
}

func (c *apiClient) initiatePayment(orderID, key string) (initiationView, error) {
	var out initiationView
	err := c.do("InitiatePayment", http.MethodPost, "/api/v1/orders/"+url.PathEscape(orderID)+"/payments", nil, key, false, &out)
	return out, err
}

func (c *apiClient) settleLocal(trackingID string) error {
	return c.do("LocalPay", http.MethodGet, "/local-pay/"+url.PathEscape(trackingID), nil, "", false, nil)
}

func (c *apiClient) paymentStatus(orderID string) (paymentStatusView, error) {
	var out paymentStatusView
	err := c.do("PaymentStatus", http.MethodGet, "/api/v1/orders/"+url.PathEscape(orderID)+"/payment-status", nil, "", false, &out)
	return out, err
}

func (c *apiClient) cancelOrder(orderID string) error {
	return c.do("CancelOrder", http.MethodPost, "/api/v1/orders/"+url.PathEscape(orderID)+"/cancel", nil, "", false, nil)
}

type statusError struct {
	method string
	status int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d: %s", e.method, e.status, e.body)
}

func (c *apiClient) do(name, method, path string, body any, idempotencyKey string, admin bool, out any) error {
	start := time.Now()
	status := statusTransport
	defer func() {
		c.col.record(name, time.Since(start), status)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encode body: %w", name, err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", name, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set(idempotencyHeader, idempotencyKey)
	}
	if admin {
		req.Header.Set("Authorization", "Bearer "+c.adminToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	defer resp.Body.Close()

	status = strconv.Itoa(resp.StatusCode)
	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%s: read body: %w", name, err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return &statusError{method: name, status: resp.StatusCode, body: strings.TrimSpace(string(payload))}
	}
	if out != nil {
		if err := json.Unmarshal(payload, out); err != nil {
			return fmt.Errorf("%s: decode response: %w", name, err)
		}
	}
	return nil
}

func (c *apiClient) close() {
	c.httpClient.CloseIdleConnections()
}
