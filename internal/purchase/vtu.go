package purchase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-ledger-chat/internal/config"
)

// ErrTransient marks failures worth retrying with the same request id.
var ErrTransient = errors.New("vtu: transient failure")

// VTUClient calls the VTU.ng v2 API. The bearer token is fetched on demand
// and reused until shortly before its exp claim.
type VTUClient struct {
	cfg    config.VTUConfig
	http   *http.Client
	logger *zap.SugaredLogger

	mu       sync.Mutex
	token    string
	tokenExp time.Time
	now      func() time.Time
}

func NewVTUClient(cfg config.VTUConfig, logger *zap.SugaredLogger) *VTUClient {
	if !strings.HasSuffix(cfg.APIURL, "/") {
		cfg.APIURL += "/"
	}
	return &VTUClient{
		cfg:    cfg,
		http:   &http.Client{Timeout: 30 * time.Second},
		logger: logger,
		now:    time.Now,
	}
}

type vtuResponse struct {
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type vtuOrder struct {
	OrderID json.Number `json:"order_id"`
	Status  string      `json:"status"`
}

func (c *VTUClient) Purchase(ctx context.Context, req Request) (Result, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return Result{}, err
	}
	body, err := json.Marshal(payload(req))
	if err != nil {
		return Result{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.APIURL+string(req.Kind), bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		c.dropToken()
		return Result{}, fmt.Errorf("%w: auth rejected (%d)", ErrTransient, resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return Result{}, fmt.Errorf("%w: status %d", ErrTransient, resp.StatusCode)
	}

	var out vtuResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return Result{}, fmt.Errorf("%w: decode response: %v", ErrTransient, err)
	}
	if out.Code != "success" {
		c.logger.Warnw("vtu purchase declined", "kind", req.Kind, "request_id", req.RequestID, "code", out.Code, "message", out.Message)
		reason := out.Message
		if reason == "" {
			reason = "declined by provider"
		}
		return Result{Success: false, Reference: req.RequestID, Reason: reason}, nil
	}
	var order vtuOrder
	_ = json.Unmarshal(out.Data, &order)
	ref := order.OrderID.String()
	if ref == "" {
		ref = req.RequestID
	}
	return Result{Success: true, Reference: ref}, nil
}

func payload(req Request) map[string]any {
	p := map[string]any{
		"request_id": req.RequestID,
		"service_id": req.ServiceID,
	}
	switch req.Kind {
	case Airtime:
		p["phone"] = req.Phone
		p["amount"] = req.Amount.IntPart()
	case Data:
		p["phone"] = req.Phone
		p["variation_id"] = req.Variation
	case Electricity:
		p["customer_id"] = req.CustomerID
		p["variation_id"] = req.MeterType
		p["amount"] = req.Amount.IntPart()
	case Betting:
		p["customer_id"] = req.CustomerID
		p["amount"] = req.Amount.IntPart()
	case TV:
		p["customer_id"] = req.CustomerID
		p["variation_id"] = req.Variation
	case EPins:
		p["value"] = req.Amount.IntPart()
		p["quantity"] = req.Quantity
	}
	return p
}

func (c *VTUClient) dropToken() {
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
}

func (c *VTUClient) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && c.now().Before(c.tokenExp) {
		return c.token, nil
	}

	body, _ := json.Marshal(map[string]string{"username": c.cfg.Username, "password": c.cfg.Password})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.AuthURL, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: auth: %v", ErrTransient, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return "", fmt.Errorf("%w: auth status %d", ErrTransient, resp.StatusCode)
	}
	var out struct {
		Token   string `json:"token"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("vtu auth: decode: %w", err)
	}
	if out.Token == "" {
		return "", fmt.Errorf("vtu auth failed: %s", out.Message)
	}

	c.token = out.Token
	c.tokenExp = c.now().Add(10 * time.Minute)
	// the token is issued by the provider; we only read its expiry
	if t, _, err := jwt.NewParser().ParseUnverified(out.Token, jwt.MapClaims{}); err == nil {
		if exp, err := t.Claims.GetExpirationTime(); err == nil && exp != nil {
			c.tokenExp = exp.Add(-time.Minute)
		}
	}
	return c.token, nil
}
