package server_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"PerpVault/internal/core"
	"PerpVault/internal/event"
	"PerpVault/internal/observability"
	"PerpVault/internal/server"
	"PerpVault/internal/state"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

var trader = uuid.MustParse("9d4c2b10-3a5e-4f67-8b90-000000000003")

type fakeSubmitter struct {
	receipt core.Receipt
	err     error
	got     event.Event
	source  string
}

func (f *fakeSubmitter) Submit(_ context.Context, cmd event.Event) (core.Receipt, error) {
	f.got = cmd
	return f.receipt, f.err
}

func (f *fakeSubmitter) SubmitSequenced(_ context.Context, source string, cmd event.Event) (core.Receipt, error) {
	f.source = source
	return f.Submit(context.Background(), cmd)
}

func openPayload(source string) string {
	return fmt.Sprintf(`{"command_id":%q,"caller":%q,"source":%q,"timestamp":"2023-11-14T22:13:20Z",
		"product_id":1,"margin":100000000,"is_long":true,"leverage":1000000000}`,
		uuid.NewString(), trader, source)
}

func newGateway(t *testing.T, sub server.Submitter) *server.Gateway {
	t.Helper()
	g, err := server.NewGateway("", server.NewCommandServer(sub), server.NewQueryServer(nil))
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	return g
}

// ============================================================================
// Test: HTTP gateway
// ============================================================================

func TestGateway_SubmitAccepted(t *testing.T) {
	sub := &fakeSubmitter{receipt: core.Receipt{
		Sequence: 7,
		Outcomes: []event.Outcome{&event.NewPositionEvent{ProductID: 1, IsLong: true}},
	}}
	g := newGateway(t, sub)

	req := httptest.NewRequest(http.MethodPost, "/v1/commands/open_position", strings.NewReader(openPayload("")))
	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200 (body %s)", rec.Code, rec.Body)
	}
	var resp server.SubmitResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Sequence != 7 {
		t.Errorf("sequence: got %d, want 7", resp.Sequence)
	}
	if !strings.Contains(string(resp.Outcomes), "new_position") {
		t.Errorf("outcomes: got %s", resp.Outcomes)
	}
	if sub.source != server.APISource {
		t.Errorf("commands without a source should be sequenced as %q, got %q", server.APISource, sub.source)
	}
	if _, ok := sub.got.(*event.OpenPosition); !ok {
		t.Errorf("submitted %T, want *event.OpenPosition", sub.got)
	}
}

func TestGateway_OwnSourceKeepsSequence(t *testing.T) {
	sub := &fakeSubmitter{}
	g := newGateway(t, sub)

	req := httptest.NewRequest(http.MethodPost, "/v1/commands/open_position", strings.NewReader(openPayload("desk-1")))
	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200 (body %s)", rec.Code, rec.Body)
	}
	if sub.source != "" {
		t.Errorf("command with its own source was restamped as %q", sub.source)
	}
}

func TestGateway_ErrorMapping(t *testing.T) {
	tests := []struct {
		name    string
		command string
		body    string
		receipt core.Receipt
		err     error
		want    int
	}{
		{"unknown command", "warp_drive", `{}`, core.Receipt{}, nil, http.StatusBadRequest},
		{"malformed payload", "open_position", `{"margin":"lots"}`, core.Receipt{}, nil, http.StatusBadRequest},
		{"unauthorized", "open_position", openPayload(""), core.Receipt{Rejection: fmt.Errorf("close: %w", state.ErrAuthorization)}, nil, http.StatusForbidden},
		{"exposure", "open_position", openPayload(""), core.Receipt{Rejection: state.ErrExposureExceeded}, nil, http.StatusTooManyRequests},
		{"cooldown", "open_position", openPayload(""), core.Receipt{Rejection: state.ErrCooldownNotElapsed}, nil, http.StatusBadRequest},
		{"sequence gap", "open_position", openPayload(""), core.Receipt{}, core.ErrSequenceGap, http.StatusConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newGateway(t, &fakeSubmitter{receipt: tt.receipt, err: tt.err})
			req := httptest.NewRequest(http.MethodPost, "/v1/commands/"+tt.command, strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			g.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status: got %d, want %d (body %s)", rec.Code, tt.want, rec.Body)
			}
		})
	}
}

func TestGateway_QueryValidation(t *testing.T) {
	g := newGateway(t, &fakeSubmitter{})

	for _, path := range []string{
		"/v1/positions/not-a-key",
		"/v1/accounts/nobody/stake",
		"/v1/accounts/" + trader.String() + "/history?limit=many",
		"/v1/rewards/fee-stakers/earned/" + trader.String() + "?at=later",
	} {
		rec := httptest.NewRecorder()
		g.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: got %d, want 400", path, rec.Code)
		}
	}
}

// ============================================================================
// Test: gRPC with the JSON codec
// ============================================================================

func TestGRPC_SubmitOverJSONCodec(t *testing.T) {
	sub := &fakeSubmitter{receipt: core.Receipt{Sequence: 3}}
	srv := server.NewGRPCServer("", &server.ServerDeps{Commands: sub})

	lis := bufconn.Listen(1 << 20)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.ServeListener(ctx, lis)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype("json")),
	)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	var resp server.SubmitResponse
	err = conn.Invoke(ctx, "/perpvault.v1.Commands/Submit", &server.SubmitRequest{
		Command: "open_position",
		Payload: json.RawMessage(openPayload("")),
	}, &resp)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if resp.Sequence != 3 {
		t.Errorf("sequence: got %d, want 3", resp.Sequence)
	}

	sub.receipt = core.Receipt{Sequence: 4, Rejection: state.ErrAuthorization}
	err = conn.Invoke(ctx, "/perpvault.v1.Commands/Submit", &server.SubmitRequest{
		Command: "open_position",
		Payload: json.RawMessage(openPayload("")),
	}, &resp)
	if status.Code(err) != codes.PermissionDenied {
		t.Errorf("rejection: got %v, want PermissionDenied", err)
	}
}

// ============================================================================
// Test: ops router
// ============================================================================

func TestOpsRouter(t *testing.T) {
	health := observability.NewHealthChecker()
	router := server.NewOpsRouter(health, prometheusRegistry(t))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("readyz before ready: got %d, want 503", rec.Code)
	}

	health.SetReady(true)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("readyz after ready: got %d, want 200", rec.Code)
	}

	health.AddCheck("postgres", func(context.Context) error { return errors.New("connection refused") })
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), "degraded") {
		t.Errorf("readyz with failing check: got %d %s, want 503 degraded", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "perp_core_sequence") {
		t.Errorf("metrics: got %d without perp_core_sequence", rec.Code)
	}
}

func prometheusRegistry(t *testing.T) *prometheus.Registry {
	t.Helper()
	reg := prometheus.NewRegistry()
	observability.NewMetricsWith(reg)
	return reg
}
