package purchase

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-ledger-chat/internal/apperr"
	"github.com/ovaphlow/pitchfork/service-ledger-chat/internal/config"
)

func TestRequestValidate(t *testing.T) {
	ok := []Request{
		{Kind: Airtime, ServiceID: "mtn", Phone: "08031234567", Amount: decimal.NewFromInt(500)},
		{Kind: Data, ServiceID: "glo", Phone: "+2348031234567", Variation: "206", Amount: decimal.NewFromInt(1000)},
		{Kind: Betting, ServiceID: "Bet9ja", CustomerID: "ABC123", Amount: decimal.NewFromInt(100000)},
		{Kind: Electricity, ServiceID: "ikeja-electric", CustomerID: "1234567890", MeterType: "prepaid", Amount: decimal.NewFromInt(2000)},
		{Kind: EPins, ServiceID: "airtel", Amount: decimal.NewFromInt(200), Quantity: 40},
	}
	for _, r := range ok {
		assert.NoError(t, r.Validate(), r.Kind)
	}

	bad := []Request{
		{Kind: Airtime, ServiceID: "vodafone", Phone: "08031234567", Amount: decimal.NewFromInt(500)},
		{Kind: Airtime, ServiceID: "mtn", Phone: "123", Amount: decimal.NewFromInt(500)},
		{Kind: Betting, ServiceID: "Bet9ja", CustomerID: "ABC123", Amount: decimal.NewFromInt(99)},
		{Kind: Electricity, ServiceID: "ikeja-electric", CustomerID: "1234", MeterType: "smart", Amount: decimal.NewFromInt(2000)},
		{Kind: EPins, ServiceID: "mtn", Amount: decimal.NewFromInt(300), Quantity: 1},
		{Kind: EPins, ServiceID: "mtn", Amount: decimal.NewFromInt(100), Quantity: 41},
		{Kind: TV, ServiceID: "dstv", CustomerID: "7000", Amount: decimal.NewFromInt(5000)},
	}
	for _, r := range bad {
		err := r.Validate()
		assert.ErrorIs(t, err, apperr.ErrValidation, r.Kind)
	}
}

func TestCost(t *testing.T) {
	r := Request{Kind: EPins, Amount: decimal.NewFromInt(500), Quantity: 3}
	assert.True(t, r.Cost().Equal(decimal.NewFromInt(1500)))
	r = Request{Kind: Airtime, Amount: decimal.NewFromInt(700)}
	assert.True(t, r.Cost().Equal(decimal.NewFromInt(700)))
}

func TestParseKind(t *testing.T) {
	k, ok := ParseKind(" Airtime ")
	assert.True(t, ok)
	assert.Equal(t, Airtime, k)
	_, ok = ParseKind("lottery")
	assert.False(t, ok)
}

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(exp)}).SignedString([]byte("provider-secret"))
	require.NoError(t, err)
	return tok
}

func TestVTUClientPurchase(t *testing.T) {
	token := signedToken(t, time.Now().Add(time.Hour))
	var authCalls, buyCalls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/auth", func(w http.ResponseWriter, r *http.Request) {
		authCalls.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]string{"token": token})
	})
	mux.HandleFunc("/api/airtime", func(w http.ResponseWriter, r *http.Request) {
		buyCalls.Add(1)
		assert.Equal(t, "Bearer "+token, r.Header.Get("Authorization"))
		var body map[string]any
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&body)) {
			return
		}
		assert.Equal(t, "req_1", body["request_id"])
		assert.Equal(t, "mtn", body["service_id"])
		_, _ = w.Write([]byte(`{"code":"success","message":"ok","data":{"order_id":7781,"status":"completed-api"}}`))
	})
	mux.HandleFunc("/api/betting", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code":"failure","message":"Invalid customer ID"}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewVTUClient(config.VTUConfig{APIURL: srv.URL + "/api", AuthURL: srv.URL + "/auth"}, zap.NewNop().Sugar())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res, err := c.Purchase(ctx, Request{Kind: Airtime, RequestID: "req_1", ServiceID: "mtn", Phone: "08031234567", Amount: decimal.NewFromInt(500)})
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.Equal(t, "7781", res.Reference)
	}
	assert.Equal(t, int32(1), authCalls.Load())
	assert.Equal(t, int32(2), buyCalls.Load())

	res, err := c.Purchase(ctx, Request{Kind: Betting, RequestID: "req_2", ServiceID: "Bet9ja", CustomerID: "X", Amount: decimal.NewFromInt(500)})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "Invalid customer ID", res.Reason)
}

func TestVTUClientServerErrorIsTransient(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/auth", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"token": "opaque"})
	})
	mux.HandleFunc("/api/airtime", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewVTUClient(config.VTUConfig{APIURL: srv.URL + "/api/", AuthURL: srv.URL + "/auth"}, zap.NewNop().Sugar())
	_, err := c.Purchase(context.Background(), Request{Kind: Airtime, RequestID: "r", ServiceID: "mtn"})
	assert.ErrorIs(t, err, ErrTransient)
}

type scriptedClient struct {
	errs  []error
	calls atomic.Int32
	ids   []string
}

func (s *scriptedClient) Purchase(_ context.Context, req Request) (Result, error) {
	n := int(s.calls.Add(1)) - 1
	s.ids = append(s.ids, req.RequestID)
	if n < len(s.errs) && s.errs[n] != nil {
		return Result{}, s.errs[n]
	}
	return Result{Success: true, Reference: "ok"}, nil
}

func TestRetryingClientRetriesTransient(t *testing.T) {
	inner := &scriptedClient{errs: []error{ErrTransient, ErrTransient}}
	c := NewRetryingClient(inner, 3, time.Millisecond, zap.NewNop().Sugar())
	res, err := c.Purchase(context.Background(), Request{RequestID: "req_same"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, int32(3), inner.calls.Load())
	assert.Equal(t, []string{"req_same", "req_same", "req_same"}, inner.ids)
}

func TestRetryingClientGivesUp(t *testing.T) {
	inner := &scriptedClient{errs: []error{ErrTransient, ErrTransient, ErrTransient}}
	c := NewRetryingClient(inner, 2, time.Millisecond, zap.NewNop().Sugar())
	_, err := c.Purchase(context.Background(), Request{RequestID: "r"})
	assert.ErrorIs(t, err, apperr.ErrExternalService)
	assert.Equal(t, int32(2), inner.calls.Load())
}

func TestRetryingClientStopsOnPermanentError(t *testing.T) {
	inner := &scriptedClient{errs: []error{errors.New("vtu auth failed: bad credentials")}}
	c := NewRetryingClient(inner, 5, time.Millisecond, zap.NewNop().Sugar())
	_, err := c.Purchase(context.Background(), Request{RequestID: "r"})
	assert.ErrorIs(t, err, apperr.ErrExternalService)
	assert.Equal(t, int32(1), inner.calls.Load())
}

func TestRetryingClientHonoursCancelledContext(t *testing.T) {
	inner := &scriptedClient{errs: []error{ErrTransient, ErrTransient, ErrTransient, ErrTransient}}
	c := NewRetryingClient(inner, 4, time.Hour, zap.NewNop().Sugar())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	_, err := c.Purchase(ctx, Request{RequestID: "r"})
	assert.ErrorIs(t, err, apperr.ErrExternalService)
	assert.Equal(t, int32(1), inner.calls.Load())
	assert.Less(t, time.Since(start), time.Second)
}

func TestProviders(t *testing.T) {
	assert.Equal(t, []string{"9mobile", "airtel", "glo", "mtn"}, Providers(EPins))
	assert.Contains(t, Providers(Betting), "Bet9ja")
	assert.Empty(t, Providers(Kind("lottery")))
}

func TestValidateTarget(t *testing.T) {
	assert.NoError(t, Request{Kind: Betting, ServiceID: "BetKing", CustomerID: "ab12"}.ValidateTarget())
	assert.Error(t, Request{Kind: Betting, ServiceID: "betking", CustomerID: "ab12"}.ValidateTarget())
	assert.Error(t, Request{Kind: Airtime, ServiceID: "mtn", Phone: "123"}.ValidateTarget())
}
