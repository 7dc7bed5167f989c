package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"PerpVault/internal/query"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// maxCommandBody bounds POST /v1/commands payloads.
const maxCommandBody = 1 << 20

// Gateway serves the HTTP/JSON surface. Routes call the gRPC service
// implementations in-process and share their status-code mapping.
type Gateway struct {
	mux        *runtime.ServeMux
	httpServer *http.Server
	httpAddr   string
}

func NewGateway(httpAddr string, commands CommandsAPI, queries QueryAPI) (*Gateway, error) {
	mux := runtime.NewServeMux(
		runtime.WithMarshalerOption(runtime.MIMEWildcard, &runtime.JSONBuiltin{}),
	)
	g := &Gateway{mux: mux, httpAddr: httpAddr}

	routes := []struct {
		method, pattern string
		handler         runtime.HandlerFunc
	}{
		{"POST", "/v1/commands/{command}", g.submit(commands)},
		{"GET", "/v1/positions", g.handle(func(ctx context.Context, r *http.Request, _ map[string]string) (interface{}, error) {
			return queries.GetPositions(ctx, &PositionsRequest{Keys: r.URL.Query()["key"]})
		})},
		{"GET", "/v1/positions/{key}", g.handle(func(ctx context.Context, _ *http.Request, p map[string]string) (interface{}, error) {
			return queries.GetPosition(ctx, &PositionRequest{Key: p["key"]})
		})},
		{"GET", "/v1/accounts/{account}/positions", g.handle(func(ctx context.Context, _ *http.Request, p map[string]string) (interface{}, error) {
			return queries.GetPositionsByAccount(ctx, &AccountRequest{Account: p["account"]})
		})},
		{"GET", "/v1/accounts/{account}/history", g.handle(func(ctx context.Context, r *http.Request, p map[string]string) (interface{}, error) {
			req := &HistoryRequest{Account: p["account"]}
			q := r.URL.Query()
			if v := q.Get("limit"); v != "" {
				n, err := strconv.Atoi(v)
				if err != nil {
					return nil, status.Errorf(codes.InvalidArgument, "invalid limit %q", v)
				}
				req.Limit = n
			}
			if v := q.Get("before"); v != "" {
				seq, err := strconv.ParseInt(v, 10, 64)
				if err != nil {
					return nil, status.Errorf(codes.InvalidArgument, "invalid before %q", v)
				}
				req.BeforeSequence = &seq
			}
			return queries.GetPositionHistory(ctx, req)
		})},
		{"GET", "/v1/accounts/{account}/stake", g.handle(func(ctx context.Context, _ *http.Request, p map[string]string) (interface{}, error) {
			return queries.GetStake(ctx, &AccountRequest{Account: p["account"]})
		})},
		{"GET", "/v1/accounts/{account}/balances/{asset}", g.handle(func(ctx context.Context, _ *http.Request, p map[string]string) (interface{}, error) {
			return queries.GetBalance(ctx, &BalanceRequest{Account: p["account"], Asset: p["asset"]})
		})},
		{"GET", "/v1/vault", g.handle(func(ctx context.Context, _ *http.Request, _ map[string]string) (interface{}, error) {
			return queries.GetVault(ctx, &Empty{})
		})},
		{"GET", "/v1/products", g.handle(func(ctx context.Context, _ *http.Request, _ map[string]string) (interface{}, error) {
			return queries.GetProducts(ctx, &Empty{})
		})},
		{"GET", "/v1/rewards/{pool_id}/pending", g.handle(func(ctx context.Context, r *http.Request, p map[string]string) (interface{}, error) {
			at, err := query.ParseAt(r.URL.Query().Get("at"))
			if err != nil {
				return nil, toStatus(err)
			}
			return queries.GetPendingReward(ctx, &RewardRequest{PoolID: p["pool_id"], At: at})
		})},
		{"GET", "/v1/rewards/{pool_id}/earned/{account}", g.handle(func(ctx context.Context, r *http.Request, p map[string]string) (interface{}, error) {
			at, err := query.ParseAt(r.URL.Query().Get("at"))
			if err != nil {
				return nil, toStatus(err)
			}
			return queries.GetEarned(ctx, &RewardRequest{PoolID: p["pool_id"], Account: p["account"], At: at})
		})},
		{"GET", "/v1/admin/integrity", g.handle(func(ctx context.Context, _ *http.Request, _ map[string]string) (interface{}, error) {
			return queries.VerifyIntegrity(ctx, &Empty{})
		})},
	}
	for _, rt := range routes {
		if err := mux.HandlePath(rt.method, rt.pattern, rt.handler); err != nil {
			return nil, fmt.Errorf("register %s %s: %w", rt.method, rt.pattern, err)
		}
	}
	return g, nil
}

// ServeHTTP exposes the mux for tests and embedding.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.mux.ServeHTTP(w, r)
}

func (g *Gateway) submit(commands CommandsAPI) runtime.HandlerFunc {
	return g.handle(func(ctx context.Context, r *http.Request, p map[string]string) (interface{}, error) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxCommandBody))
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "read body: %v", err)
		}
		return commands.Submit(ctx, &SubmitRequest{Command: p["command"], Payload: json.RawMessage(body)})
	})
}

func (g *Gateway) handle(call func(ctx context.Context, r *http.Request, p map[string]string) (interface{}, error)) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
		ctx := r.Context()
		_, outbound := runtime.MarshalerForRequest(g.mux, r)

		resp, err := call(ctx, r, pathParams)
		if err != nil {
			runtime.HTTPError(ctx, g.mux, outbound, w, r, toStatus(err))
			return
		}
		data, err := outbound.Marshal(resp)
		if err != nil {
			runtime.HTTPError(ctx, g.mux, outbound, w, r, status.Errorf(codes.Internal, "marshal: %v", err))
			return
		}
		w.Header().Set("Content-Type", outbound.ContentType(resp))
		w.WriteHeader(http.StatusOK)
		w.Write(data)
	}
}

// Serve runs the HTTP gateway until ctx is cancelled.
func (g *Gateway) Serve(ctx context.Context) error {
	g.httpServer = &http.Server{
		Addr:              g.httpAddr,
		Handler:           g.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		log.Println("INFO: HTTP gateway shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		g.httpServer.Shutdown(shutdownCtx)
	}()

	log.Printf("INFO: HTTP gateway listening on %s", g.httpAddr)
	if err := g.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
