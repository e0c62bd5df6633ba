// Package pesapal реализует клиент Pesapal API 3.0.
package pesapal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/paycoord/internal/domain"
	"github.com/vladislavdragonenkov/paycoord/internal/gateway"
	"github.com/vladislavdragonenkov/paycoord/internal/version"
)

const (
	// SandboxURL — песочница Pesapal.
	SandboxURL = "https://cybqa.pesapal.com/pesapalv3"
	// LiveURL — боевой контур Pesapal.
	LiveURL = "https://pay.pesapal.com/v3"

	pathRequestToken = "/api/Auth/RequestToken"
	pathSubmitOrder  = "/api/Transactions/SubmitOrderRequest"
	pathStatus       = "/api/Transactions/GetTransactionStatus"
	pathRegisterIPN  = "/api/URLSetup/RegisterIPN"

	defaultTimeout = 30 * time.Second
	tokenSkew      = 30 * time.Second
	// Pesapal выдаёт токен на 5 минут.
	tokenFallbackTTL = 4 * time.Minute
	maxBodyBytes     = 1 << 20
	descriptionLimit = 100
)

// Config — параметры доступа к Pesapal.
type Config struct {
	BaseURL        string
	ConsumerKey    string
	ConsumerSecret string
	// NotificationID — ipn_id зарегистрированного IPN URL.
	NotificationID string
	// IPNURL регистрируется автоматически, если NotificationID пуст.
	IPNURL              string
	IPNNotificationType string
	Timeout             time.Duration
}

// Client реализует gateway.Client поверх Pesapal API 3.0.
type Client struct {
	cfg    Config
	http   *http.Client
	tokens TokenStore
	logger *log.Entry
	now    func() time.Time

	ipnMu          sync.Mutex
	notificationID string
}

// Option настраивает Client.
type Option func(*Client)

// WithHTTPClient подменяет HTTP-клиент.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithTokenStore задаёт хранилище токена (например, Redis).
func WithTokenStore(store TokenStore) Option {
	return func(c *Client) {
		if store != nil {
			c.tokens = store
		}
	}
}

// WithLogger задаёт логгер.
func WithLogger(logger *log.Entry) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClock подменяет часы.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// New создаёт клиент. Без учётных данных возвращает ErrGatewayConfig.
func New(cfg Config, opts ...Option) (*Client, error) {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	cfg.ConsumerKey = strings.TrimSpace(cfg.ConsumerKey)
	cfg.ConsumerSecret = strings.TrimSpace(cfg.ConsumerSecret)
	if cfg.BaseURL == "" {
		cfg.BaseURL = SandboxURL
	}
	if cfg.ConsumerKey == "" || cfg.ConsumerSecret == "" {
		return nil, &gateway.Error{Kind: gateway.ErrGatewayConfig, Op: "pesapal", Message: "consumer key and secret are required"}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.IPNNotificationType == "" {
		cfg.IPNNotificationType = http.MethodGet
	}

	c := &Client{
		cfg:            cfg,
		http:           &http.Client{Timeout: cfg.Timeout},
		tokens:         NewMemoryTokenStore(),
		logger:         log.New().WithField("component", "pesapal-client"),
		now:            time.Now,
		notificationID: strings.TrimSpace(cfg.NotificationID),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type apiError struct {
	ErrorType        string `json:"error_type"`
	Code             string `json:"code"`
	Message          string `json:"message"`
	ErrorDescription string `json:"error_description"`
}

// envelope — общие поля ответов Pesapal.
type envelope struct {
	Error   json.RawMessage `json:"error"`
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Detail  string          `json:"detail"`
}

// errorMessage достаёт текст ошибки из error.message, error_description,
// message или detail. Пустая строка, если ошибки в теле нет.
func (e envelope) errorMessage() (string, string) {
	raw := bytes.TrimSpace(e.Error)
	if len(raw) > 0 && !bytes.Equal(raw, []byte("null")) {
		var obj apiError
		if err := json.Unmarshal(raw, &obj); err == nil {
			code := obj.Code
			if code == "" {
				code = obj.ErrorType
			}
			for _, msg := range []string{obj.Message, obj.ErrorDescription, e.Message, e.Detail, obj.ErrorType, obj.Code} {
				if msg != "" {
					return msg, code
				}
			}
			return "unknown error", code
		}
		var text string
		if err := json.Unmarshal(raw, &text); err == nil && text != "" {
			return text, ""
		}
		return string(raw), ""
	}
	if e.Message != "" && strings.Contains(strings.ToLower(e.Message), "error") {
		return e.Message, ""
	}
	return "", ""
}

type tokenResponse struct {
	envelope
	Token      string `json:"token"`
	ExpiryDate string `json:"expiryDate"`
}

type billingAddress struct {
	EmailAddress string `json:"email_address,omitempty"`
	PhoneNumber  string `json:"phone_number,omitempty"`
	CountryCode  string `json:"country_code,omitempty"`
	FirstName    string `json:"first_name,omitempty"`
	LastName     string `json:"last_name,omitempty"`
}

type submitOrderRequest struct {
	ID              string         `json:"id"`
	Currency        string         `json:"currency"`
	Amount          json.Number    `json:"amount"`
	Description     string         `json:"description"`
	CallbackURL     string         `json:"callback_url"`
	CancellationURL string         `json:"cancellation_url,omitempty"`
	NotificationID  string         `json:"notification_id"`
	BillingAddress  billingAddress `json:"billing_address"`
}

type submitOrderResponse struct {
	envelope
	OrderTrackingID   string `json:"order_tracking_id"`
	MerchantReference string `json:"merchant_reference"`
	RedirectURL       string `json:"redirect_url"`
}

type statusResponse struct {
	envelope
	PaymentMethod            string              `json:"payment_method"`
	Amount                   decimal.NullDecimal `json:"amount"`
	ConfirmationCode         string              `json:"confirmation_code"`
	PaymentStatusDescription string              `json:"payment_status_description"`
	Description              string              `json:"description"`
	StatusCode               *int                `json:"status_code"`
	MerchantReference        string              `json:"merchant_reference"`
	Currency                 string              `json:"currency"`
}

type registerIPNResponse struct {
	envelope
	IPNID string `json:"ipn_id"`
}

// Initiate отправляет SubmitOrderRequest и возвращает ссылку на оплату.
func (c *Client) Initiate(ctx context.Context, req gateway.InitiateRequest) (gateway.InitiateResult, error) {
	const op = "pesapal submit order"

	notificationID, err := c.ensureNotificationID(ctx)
	if err != nil {
		return gateway.InitiateResult{}, err
	}

	reference := req.MerchantReference
	if reference == "" {
		reference = req.OrderID
	}
	description := req.Description
	if description == "" {
		description = "Order " + req.OrderID
	}
	if len(description) > descriptionLimit {
		description = description[:descriptionLimit]
	}
	cancellation := req.CancellationURL
	if cancellation == "" {
		cancellation = req.CallbackURL
	}

	body := submitOrderRequest{
		ID:              reference,
		Currency:        strings.ToUpper(req.Currency),
		Amount:          json.Number(req.Amount().StringFixed(2)),
		Description:     description,
		CallbackURL:     req.CallbackURL,
		CancellationURL: cancellation,
		NotificationID:  notificationID,
		BillingAddress: billingAddress{
			EmailAddress: req.Customer.Email,
			PhoneNumber:  req.Customer.Phone,
			CountryCode:  req.Customer.CountryCode,
			FirstName:    req.Customer.FirstName,
			LastName:     req.Customer.LastName,
		},
	}

	var resp submitOrderResponse
	if _, err := c.authorized(ctx, op, http.MethodPost, pathSubmitOrder, body, &resp); err != nil {
		return gateway.InitiateResult{}, err
	}
	if msg, code := resp.errorMessage(); msg != "" {
		return gateway.InitiateResult{}, classifyBodyError(op, msg, code)
	}
	if resp.OrderTrackingID == "" || resp.RedirectURL == "" {
		return gateway.InitiateResult{}, &gateway.Error{Kind: gateway.ErrGatewayRejected, Op: op, Message: "response has no tracking id or redirect url"}
	}

	c.logger.WithFields(log.Fields{
		"order_id":    req.OrderID,
		"reference":   reference,
		"tracking_id": resp.OrderTrackingID,
	}).Info("pesapal order submitted")

	return gateway.InitiateResult{
		TrackingID:        resp.OrderTrackingID,
		RedirectURL:       resp.RedirectURL,
		MerchantReference: resp.MerchantReference,
	}, nil
}

// QueryStatus вызывает GetTransactionStatus.
func (c *Client) QueryStatus(ctx context.Context, trackingID string) (gateway.StatusResult, error) {
	const op = "pesapal transaction status"

	trackingID = strings.TrimSpace(trackingID)
	if trackingID == "" {
		return gateway.StatusResult{}, &gateway.Error{Kind: gateway.ErrTrackingUnknown, Op: op, Message: "empty tracking id"}
	}

	path := pathStatus + "?orderTrackingId=" + url.QueryEscape(trackingID)
	var resp statusResponse
	raw, err := c.authorized(ctx, op, http.MethodGet, path, nil, &resp)
	if err != nil {
		if errors.Is(err, gateway.ErrGatewayRejected) && statusCodeOf(err) == http.StatusNotFound {
			return gateway.StatusResult{}, &gateway.Error{Kind: gateway.ErrTrackingUnknown, Op: op, StatusCode: http.StatusNotFound, Err: err}
		}
		return gateway.StatusResult{}, err
	}

	rawStatus := resp.PaymentStatusDescription
	if rawStatus == "" && resp.StatusCode != nil {
		rawStatus = statusFromCode(*resp.StatusCode)
	}
	msg, code := resp.errorMessage()
	if msg != "" && rawStatus == "" {
		if mentionsTracking(msg) || mentionsTracking(code) {
			return gateway.StatusResult{}, &gateway.Error{Kind: gateway.ErrTrackingUnknown, Op: op, Message: msg}
		}
		return gateway.StatusResult{}, classifyBodyError(op, msg, code)
	}

	status := domain.NormalizeGatewayStatus(rawStatus)
	// Pesapal отвечает INVALID с ошибкой "Pending Payment", пока плательщик
	// не завершил оплату; это не отказ.
	if strings.Contains(strings.ToLower(msg), "pending") {
		status = domain.GatewayStatusPending
	}

	return gateway.StatusResult{
		TrackingID:        trackingID,
		Status:            status,
		RawStatus:         rawStatus,
		Amount:            resp.Amount,
		Currency:          resp.Currency,
		PaymentMethod:     domain.NormalizePaymentMethod(resp.PaymentMethod),
		PaymentReference:  resp.ConfirmationCode,
		MerchantReference: resp.MerchantReference,
		Description:       resp.Description,
		Raw:               raw,
	}, nil
}

// RegisterIPN регистрирует URL уведомлений и возвращает ipn_id.
func (c *Client) RegisterIPN(ctx context.Context, ipnURL, notificationType string) (string, error) {
	const op = "pesapal register ipn"

	if notificationType == "" {
		notificationType = http.MethodGet
	}
	body := map[string]string{
		"url":                   ipnURL,
		"ipn_notification_type": strings.ToUpper(notificationType),
	}

	var resp registerIPNResponse
	if _, err := c.authorized(ctx, op, http.MethodPost, pathRegisterIPN, body, &resp); err != nil {
		return "", err
	}
	if msg, code := resp.errorMessage(); msg != "" {
		return "", classifyBodyError(op, msg, code)
	}
	if resp.IPNID == "" {
		return "", &gateway.Error{Kind: gateway.ErrGatewayRejected, Op: op, Message: "no ipn_id in response"}
	}
	return resp.IPNID, nil
}

// ensureNotificationID возвращает ipn_id, при необходимости регистрируя IPN URL.
func (c *Client) ensureNotificationID(ctx context.Context) (string, error) {
	c.ipnMu.Lock()
	defer c.ipnMu.Unlock()

	if c.notificationID != "" {
		return c.notificationID, nil
	}
	if c.cfg.IPNURL == "" {
		return "", &gateway.Error{Kind: gateway.ErrGatewayConfig, Op: "pesapal", Message: "neither notification id nor ipn url configured"}
	}

	id, err := c.RegisterIPN(ctx, c.cfg.IPNURL, c.cfg.IPNNotificationType)
	if err != nil {
		return "", err
	}
	c.notificationID = id
	c.logger.WithFields(log.Fields{
		"ipn_url": c.cfg.IPNURL,
		"ipn_id":  id,
	}).Warn("registered pesapal IPN url; set PAYCOORD_PESAPAL_NOTIFICATION_ID to skip registration on start")
	return id, nil
}

// authorized выполняет запрос с bearer-токеном. На 401/403 токен
// сбрасывается и запрос повторяется один раз со свежим токеном.
func (c *Client) authorized(ctx context.Context, op, method, path string, body, out any) ([]byte, error) {
	for attempt := 0; ; attempt++ {
		token, err := c.token(ctx, attempt > 0)
		if err != nil {
			return nil, err
		}

		raw, err := c.do(ctx, op, method, path, token, body, out)
		if err == nil {
			return raw, nil
		}
		if !errors.Is(err, gateway.ErrGatewayAuth) || attempt > 0 {
			return nil, err
		}

		c.logger.WithError(err).WithField("operation", op).Warn("pesapal rejected token, refreshing")
		if err := c.tokens.Invalidate(ctx); err != nil {
			c.logger.WithError(err).Warn("failed to invalidate cached token")
		}
	}
}

func (c *Client) token(ctx context.Context, forceRefresh bool) (string, error) {
	now := c.now()
	if !forceRefresh {
		cached, ok, err := c.tokens.Get(ctx)
		if err != nil {
			c.logger.WithError(err).Warn("token store unavailable, requesting new token")
		} else if ok && cached.ValidAt(now, tokenSkew) {
			return cached.Value, nil
		}
	}

	const op = "pesapal request token"
	body := map[string]string{
		"consumer_key":    c.cfg.ConsumerKey,
		"consumer_secret": c.cfg.ConsumerSecret,
	}

	var resp tokenResponse
	if _, err := c.do(ctx, op, http.MethodPost, pathRequestToken, "", body, &resp); err != nil {
		return "", err
	}
	if msg, _ := resp.errorMessage(); msg != "" {
		return "", &gateway.Error{Kind: gateway.ErrGatewayAuth, Op: op, Message: msg}
	}
	if resp.Token == "" {
		return "", &gateway.Error{Kind: gateway.ErrGatewayAuth, Op: op, Message: "no token in response"}
	}

	token := Token{Value: resp.Token, ExpiresAt: tokenExpiry(resp.Token, resp.ExpiryDate, now, tokenFallbackTTL)}
	if err := c.tokens.Put(ctx, token); err != nil {
		c.logger.WithError(err).Warn("failed to cache pesapal token")
	}
	return token.Value, nil
}

// do выполняет HTTP-запрос и раскладывает ответ по видам ошибок шлюза.
func (c *Client) do(ctx context.Context, op, method, path, token string, body, out any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("%s: encode request: %w", op, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return nil, &gateway.Error{Kind: gateway.ErrGatewayConfig, Op: op, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &gateway.Error{Kind: gateway.ErrGatewayNetwork, Op: op, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &gateway.Error{Kind: gateway.ErrGatewayNetwork, Op: op, StatusCode: resp.StatusCode, Err: err}
	}

	if resp.StatusCode >= http.StatusBadRequest {
		var env envelope
		_ = json.Unmarshal(raw, &env)
		msg, _ := env.errorMessage()
		if msg == "" {
			msg = env.Message
		}
		return nil, &gateway.Error{Kind: kindForStatus(resp.StatusCode), Op: op, StatusCode: resp.StatusCode, Message: msg}
	}

	if out != nil && len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return nil, &gateway.Error{Kind: gateway.ErrGatewayRejected, Op: op, StatusCode: resp.StatusCode, Message: "invalid json response", Err: err}
		}
	}
	return raw, nil
}

func kindForStatus(code int) error {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return gateway.ErrGatewayAuth
	case code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= http.StatusInternalServerError:
		return gateway.ErrGatewayNetwork
	default:
		return gateway.ErrGatewayRejected
	}
}

// classifyBodyError разбирает ошибку, пришедшую в теле ответа со статусом 200.
func classifyBodyError(op, msg, code string) error {
	lower := strings.ToLower(msg + " " + code)
	switch {
	case strings.Contains(lower, "unauthorized"), strings.Contains(lower, "invalid_consumer"), strings.Contains(lower, "token"):
		return &gateway.Error{Kind: gateway.ErrGatewayAuth, Op: op, Message: msg}
	case strings.Contains(lower, "ipn"), strings.Contains(lower, "notification_id"):
		return &gateway.Error{Kind: gateway.ErrGatewayConfig, Op: op, Message: msg}
	default:
		return &gateway.Error{Kind: gateway.ErrGatewayRejected, Op: op, Message: msg}
	}
}

func mentionsTracking(s string) bool {
	lower := strings.ToLower(s)
	return strings.Contains(lower, "tracking") || strings.Contains(lower, "not found")
}

// statusFromCode — числовой status_code Pesapal: 0 INVALID, 1 COMPLETED, 2 FAILED, 3 REVERSED.
func statusFromCode(code int) string {
	switch code {
	case 0:
		return "INVALID"
	case 1:
		return "COMPLETED"
	case 2:
		return "FAILED"
	case 3:
		return "REVERSED"
	default:
		return ""
	}
}

func statusCodeOf(err error) int {
	var gwErr *gateway.Error
	if errors.As(err, &gwErr) {
		return gwErr.StatusCode
	}
	return 0
}

var _ gateway.Client = (*Client)(nil)
