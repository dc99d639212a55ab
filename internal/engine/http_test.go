package engine

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/riskgate/internal/domain"
	"github.com/xela07ax/riskgate/internal/review"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

func newAPI(t *testing.T) (*fixture, http.Handler) {
	f := newFixture(t, defaultConfig(), nil, prod("m1"))
	require.NoError(t, f.rules.Publish([]domain.Rule{bigAmountRule()}))
	f.client.scores["m1"] = 20
	logger := zaptest.NewLogger(t)
	h := NewHandler(f.engine, f.store, f.journal, review.NewService(f.store, nil, logger), logger)
	return f, h.Routes()
}

func TestHTTP_DecideAndReadBack(t *testing.T) {
	_, api := newAPI(t)

	body := `{"user_id":"u-1","amount":"2000000.00","ip_address":"10.0.0.1","device_fingerprint":"d-1"}`
	rec := httptest.NewRecorder()
	api.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/decide", strings.NewReader(body)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Trace-ID"))

	var got struct {
		ID         string  `json:"id"`
		RiskScore  float64 `json:"risk_score"`
		Status     string  `json:"status"`
		Evaluation string  `json:"evaluation_status"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, 50.0, got.RiskScore)
	assert.Equal(t, "manual_review", got.Status)
	assert.Equal(t, "blocked", got.Evaluation)

	rec = httptest.NewRecorder()
	api.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/decisions/"+got.ID, nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var st review.State
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, domain.StatusManualReview, st.EffectiveStatus)
	require.NotNil(t, st.Review)
	assert.Len(t, st.Outcome.Factors, 2)
}

func TestHTTP_Errors(t *testing.T) {
	_, api := newAPI(t)

	cases := []struct {
		name   string
		method string
		path   string
		body   string
		code   int
	}{
		{"malformed body", http.MethodPost, "/v1/decide", "{", http.StatusBadRequest},
		{"missing fields", http.MethodPost, "/v1/decide", `{"user_id":"u","amount":"10"}`, http.StatusUnprocessableEntity},
		{"unknown decision", http.MethodGet, "/v1/decisions/nope", "", http.StatusNotFound},
		{"health", http.MethodGet, "/health", "", http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			api.ServeHTTP(rec, httptest.NewRequest(tc.method, tc.path, strings.NewReader(tc.body)))
			assert.Equal(t, tc.code, rec.Code)
		})
	}
}

func TestGRPC_DecideRoundTrip(t *testing.T) {
	f, _ := newAPI(t)

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	NewGRPCDecisionServer(f.engine).Register(srv)
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	in, err := structpb.NewStruct(map[string]interface{}{
		"user_id": "u-1", "amount": 100.0, "ip_address": "10.0.0.1", "device_fingerprint": "d-1",
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	out := &structpb.Struct{}
	require.NoError(t, conn.Invoke(ctx, DecideMethod, in, out))

	assert.Equal(t, "approved", out.GetFields()["status"].GetStringValue())
	assert.Equal(t, 10.0, out.GetFields()["risk_score"].GetNumberValue())

	bad, _ := structpb.NewStruct(map[string]interface{}{"user_id": "u-1"})
	err = conn.Invoke(ctx, DecideMethod, bad, &structpb.Struct{})
	require.Error(t, err)
}
