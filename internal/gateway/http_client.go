package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	opCreateHold    = "create_hold"
	opTransfer      = "transfer"
	opRefund        = "refund"
	opGetCapability = "get_account_capability"
)

type HTTPConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	// Client позволяет подменить транспорт (например, в тестах).
	Client *http.Client
}

// HTTPGateway - REST-клиент платёжного шлюза.
type HTTPGateway struct {
	baseURL    string
	apiKey     string
	timeout    time.Duration
	httpClient *http.Client
}

func NewHTTPGateway(cfg HTTPConfig) *HTTPGateway {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	return &HTTPGateway{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		timeout:    timeout,
		httpClient: client,
	}
}

var _ Gateway = (*HTTPGateway)(nil)

type holdRequest struct {
	Amount int64 `json:"amount"`
}

type transferRequest struct {
	Destination string `json:"destination"`
	Amount      int64  `json:"amount"`
}

type refundRequest struct {
	HoldRef string `json:"hold_ref"`
	Amount  int64  `json:"amount"`
}

type refResponse struct {
	ID string `json:"id"`
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (g *HTTPGateway) CreateHold(ctx context.Context, amount int64, idempotencyKey string) (string, error) {
	if amount <= 0 {
		return "", NewError(Validation, opCreateHold, "invalid_amount", "сумма должна быть положительной")
	}
	var resp refResponse
	if err := g.do(ctx, opCreateHold, http.MethodPost, "/holds", idempotencyKey, holdRequest{Amount: amount}, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (g *HTTPGateway) Transfer(ctx context.Context, destinationAccount string, amount int64, idempotencyKey string) (string, error) {
	if amount <= 0 || destinationAccount == "" {
		return "", NewError(Validation, opTransfer, "invalid_request", "нужны получатель и положительная сумма")
	}
	var resp refResponse
	body := transferRequest{Destination: destinationAccount, Amount: amount}
	if err := g.do(ctx, opTransfer, http.MethodPost, "/transfers", idempotencyKey, body, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (g *HTTPGateway) Refund(ctx context.Context, holdRef string, amount int64, idempotencyKey string) (string, error) {
	if amount <= 0 || holdRef == "" {
		return "", NewError(Validation, opRefund, "invalid_request", "нужны ссылка на заморозку и положительная сумма")
	}
	var resp refResponse
	body := refundRequest{HoldRef: holdRef, Amount: amount}
	if err := g.do(ctx, opRefund, http.MethodPost, "/refunds", idempotencyKey, body, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (g *HTTPGateway) GetAccountCapability(ctx context.Context, accountID string) (Capability, error) {
	var capability Capability
	path := "/accounts/" + url.PathEscape(accountID) + "/capabilities"
	if err := g.do(ctx, opGetCapability, http.MethodGet, path, "", nil, &capability); err != nil {
		return Capability{}, err
	}
	return capability, nil
}

func (g *HTTPGateway) do(ctx context.Context, op, method, path, idempotencyKey string, body, out any) error {
	if g.baseURL == "" {
		return NewError(Permanent, op, "not_configured", "baseURL не задан")
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return &Error{Kind: Validation, Op: op, Message: "не удалось сериализовать запрос", Cause: err}
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, reader)
	if err != nil {
		return &Error{Kind: Permanent, Op: op, Message: "не удалось создать запрос", Cause: err}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return &Error{Kind: Transient, Op: op, Message: "запрос к шлюзу не выполнен", Cause: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &Error{Kind: Transient, Op: op, Message: "не удалось прочитать ответ", Cause: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr errorResponse
		_ = json.Unmarshal(respBody, &apiErr)
		msg := apiErr.Error.Message
		if msg == "" {
			msg = fmt.Sprintf("HTTP %d", resp.StatusCode)
		}
		return NewError(classifyStatus(resp.StatusCode), op, apiErr.Error.Code, msg)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return &Error{Kind: Permanent, Op: op, Message: "некорректный ответ шлюза", Cause: err}
	}
	return nil
}

// classifyStatus переводит HTTP-статус шлюза в тип ошибки.
func classifyStatus(status int) ErrorKind {
	switch {
	case status == http.StatusRequestTimeout,
		status == http.StatusTooEarly,
		status == http.StatusTooManyRequests,
		status >= 500:
		return Transient
	case status == http.StatusBadRequest, status == http.StatusUnprocessableEntity:
		return Validation
	default:
		return Permanent
	}
}
