package ingestion_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"PerpVault/internal/core"
	"PerpVault/internal/event"
	"PerpVault/internal/ingestion"
	"PerpVault/internal/state"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

const (
	e8 = int64(100_000_000)
	t0 = int64(1_700_000_000)
)

var (
	owner   = uuid.MustParse("0b8f7e2a-4c1d-4d3e-9f00-000000000001")
	manager = uuid.MustParse("0b8f7e2a-4c1d-4d3e-9f00-000000000002")
	trader  = uuid.MustParse("0b8f7e2a-4c1d-4d3e-9f00-000000000003")
)

// ============================================================================
// Test: ParseCommand
// ============================================================================

func TestParseCommand_OpenPosition(t *testing.T) {
	payload := `{
		"command_id": "550e8400-e29b-41d4-a716-446655440000",
		"caller": "0b8f7e2a-4c1d-4d3e-9f00-000000000003",
		"source": "frontend",
		"sequence": 7,
		"timestamp": "2023-11-14T22:13:20Z",
		"product_id": 1,
		"margin": 100000000,
		"is_long": true,
		"leverage": 1000000000
	}`

	cmd, err := ingestion.ParseCommand("open_position", []byte(payload))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	open, ok := cmd.(*event.OpenPosition)
	if !ok {
		t.Fatalf("got %T, want *event.OpenPosition", cmd)
	}
	if open.Owner() != trader {
		t.Errorf("owner: got %s, want caller %s", open.Owner(), trader)
	}
	if open.Margin != e8 || open.Leverage != 10*e8 || !open.IsLong {
		t.Errorf("unexpected fields: %+v", open)
	}
	if open.SourceName() != "frontend" || open.SourceSequence() != 7 {
		t.Errorf("source: got %s/%d, want frontend/7", open.SourceName(), open.SourceSequence())
	}
	if *open.ProductID() != 1 {
		t.Errorf("product: got %d, want 1", *open.ProductID())
	}
}

func TestParseCommand_TokenAmountAsString(t *testing.T) {
	payload := `{
		"command_id": "550e8400-e29b-41d4-a716-446655440000",
		"caller": "0b8f7e2a-4c1d-4d3e-9f00-000000000002",
		"timestamp": "2023-11-14T22:13:20Z",
		"pool_id": "incentive",
		"amount": "1000000000000000000000000"
	}`

	cmd, err := ingestion.ParseCommand("notify_reward", []byte(payload))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	notify := cmd.(*event.NotifyReward)
	want, _ := uint256.FromDecimal("1000000000000000000000000")
	if !notify.Amount.U256().Eq(want) {
		t.Errorf("amount: got %s, want %s", notify.Amount.String(), want.Dec())
	}
}

func TestParseCommand_Malformed(t *testing.T) {
	header := `"command_id": "550e8400-e29b-41d4-a716-446655440000", "caller": "0b8f7e2a-4c1d-4d3e-9f00-000000000003", "timestamp": "2023-11-14T22:13:20Z"`

	cases := []struct {
		name     string
		wireName string
		payload  string
	}{
		{"unknown command", "open_everything", `{` + header + `}`},
		{"not json", "stake", `stake 100`},
		{"unknown field", "stake", `{` + header + `, "amount": 1, "amout": 2}`},
		{"missing command id", "stake", `{"caller": "0b8f7e2a-4c1d-4d3e-9f00-000000000003", "timestamp": "2023-11-14T22:13:20Z", "amount": 1}`},
		{"missing caller", "stake", `{"command_id": "550e8400-e29b-41d4-a716-446655440000", "timestamp": "2023-11-14T22:13:20Z", "amount": 1}`},
		{"missing timestamp", "stake", `{"command_id": "550e8400-e29b-41d4-a716-446655440000", "caller": "0b8f7e2a-4c1d-4d3e-9f00-000000000003", "amount": 1}`},
		{"negative sequence", "stake", `{` + header + `, "sequence": -1, "amount": 1}`},
		{"bad token amount", "stake_token", `{` + header + `, "amount": "-5"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ingestion.ParseCommand(tc.wireName, []byte(tc.payload))
			if !errors.Is(err, ingestion.ErrMalformedCommand) {
				t.Errorf("got %v, want ErrMalformedCommand", err)
			}
		})
	}
}

func TestParseCommand_OracleNeedsNoCommandID(t *testing.T) {
	payload := `{"caller": "0b8f7e2a-4c1d-4d3e-9f00-000000000002", "timestamp": "2023-11-14T22:13:20Z", "feed": "ETH-USD", "price": 300000000000, "price_sequence": 4}`

	cmd, err := ingestion.ParseCommand("oracle_price", []byte(payload))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got := cmd.IdempotencyKey(); got != "ETH-USD:price:4" {
		t.Errorf("idempotency key: got %q", got)
	}
}

func TestEncodeCommand_RoundTrip(t *testing.T) {
	original := &event.LiquidatePositions{
		Header: event.Header{
			CommandID: uuid.New(),
			CallerID:  manager,
			Sequence:  3,
			Time:      time.Unix(t0, 0).UTC(),
		},
		PositionKeys: []event.PositionKey{
			event.DerivePositionKey(trader, 1, true),
			event.DerivePositionKey(trader, 1, false),
		},
	}

	wireName, payload, err := ingestion.EncodeCommand(original)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if wireName != "liquidate_positions" {
		t.Errorf("wire name: got %q", wireName)
	}
	decoded, err := ingestion.ParseCommand(wireName, payload)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	got := decoded.(*event.LiquidatePositions)
	if got.CommandID != original.CommandID || len(got.PositionKeys) != 2 || got.PositionKeys[1] != original.PositionKeys[1] {
		t.Errorf("round trip mismatch: %+v", got)
	}
}

func TestNewCommand_CoversEveryType(t *testing.T) {
	for _, et := range event.AllEventTypes() {
		cmd, err := ingestion.NewCommand(et)
		if err != nil {
			t.Errorf("%s: %v", et, err)
			continue
		}
		if cmd.EventType() != et {
			t.Errorf("%s: factory built %s", et, cmd.EventType())
		}
		if got := ingestion.CommandSubject(et); got != "perp.cmd."+et.WireName() {
			t.Errorf("%s: subject %q", et, got)
		}
	}
}

// ============================================================================
// Test: outbound events
// ============================================================================

func TestEventsFromEnvelope(t *testing.T) {
	outcomes, err := event.EncodeOutcomes([]event.Outcome{
		&event.FeeDistributedEvent{Total: 100, Protocol: 20, Stakers: 30, Depositors: 50},
		&event.StakedEvent{Account: trader, Recipient: trader, Amount: e8, Shares: e8},
	})
	if err != nil {
		t.Fatalf("encode outcomes: %v", err)
	}
	env := &event.EventEnvelope{
		Sequence:  9,
		EventType: event.EventTypeStake,
		Outcomes:  outcomes,
		Timestamp: time.Unix(t0, 0),
	}

	events, err := ingestion.EventsFromEnvelope(env)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[1].Subject() != "perp.vault.events.staked" {
		t.Errorf("subject: got %q", events[1].Subject())
	}
	if events[0].Command != "stake" || events[1].Index != 1 || events[1].Sequence != 9 {
		t.Errorf("unexpected metadata: %+v", events[1])
	}

	env.Rejection = "vault cap exceeded"
	events, err = ingestion.EventsFromEnvelope(env)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if len(events) != 1 || events[0].Type != ingestion.RejectedEventType || events[0].Rejection != "vault cap exceeded" {
		t.Errorf("rejection: got %+v", events)
	}
}

// ============================================================================
// Test: Keeper
// ============================================================================

func TestTaskFromPublished(t *testing.T) {
	key := event.DerivePositionKey(trader, 1, true)
	data, err := json.Marshal(&event.LiquidationCandidatesEvent{Feed: "ETH-USD", Price: 2000 * e8, PositionKeys: []event.PositionKey{key}})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	task, ok := ingestion.TaskFromPublished(ingestion.PublishableEvent{Sequence: 12, Type: "liquidation_candidates", Data: data})
	if !ok {
		t.Fatal("candidates event should yield a task")
	}
	if task.Sequence != 12 || task.Feed != "ETH-USD" || len(task.Keys) != 1 || task.Keys[0] != key {
		t.Errorf("unexpected task: %+v", task)
	}

	if _, ok := ingestion.TaskFromPublished(ingestion.PublishableEvent{Type: "staked", Data: data}); ok {
		t.Error("other events should not yield tasks")
	}
}

func TestKeeper_CommandIsDeterministic(t *testing.T) {
	k := ingestion.NewKeeper(manager, nil, nil, nil)
	task := ingestion.LiquidationTask{Sequence: 5, Keys: []event.PositionKey{event.DerivePositionKey(trader, 1, true)}}

	a, b := k.Command(task), k.Command(task)
	if a.CommandID != b.CommandID {
		t.Error("same trigger should give the same command id")
	}
	task.Sequence = 6
	if k.Command(task).CommandID == a.CommandID {
		t.Error("different triggers should give different command ids")
	}
	if a.Caller() != manager {
		t.Errorf("caller: got %s, want keeper account", a.Caller())
	}
}

// ============================================================================
// Test: Dispatcher
// ============================================================================

func newDispatcher(t *testing.T) (*ingestion.Dispatcher, context.CancelFunc) {
	t.Helper()
	g := core.DefaultGenesis(owner)
	g.Managers = []uuid.UUID{manager}
	p := state.DefaultProduct
	p.ProductID = 1
	p.Feed = "ETH-USD"
	p.MaxExposure = 10_000 * e8
	g.Products = []state.Product{p}

	c, err := core.NewDeterministicCore(g, 0, nil, nil, nil, nil)
	if err != nil {
		t.Fatalf("new core: %v", err)
	}
	d := ingestion.NewDispatcher(c, 16, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx)
	return d, cancel
}

func TestDispatcher_SubmitReturnsReceipt(t *testing.T) {
	d, cancel := newDispatcher(t)
	defer cancel()
	ctx := context.Background()

	price := &event.OraclePrice{Header: event.Header{CallerID: manager, Time: time.Unix(t0, 0)}, Feed: "ETH-USD", Price: 3000 * e8, PriceSequence: 1}
	r, err := d.Submit(ctx, price)
	if err != nil || !r.Accepted() {
		t.Fatalf("oracle price: %+v, %v", r, err)
	}

	open := &event.OpenPosition{
		Header:   event.Header{CommandID: uuid.New(), CallerID: trader, Time: time.Unix(t0, 0)},
		Product:  1,
		Margin:   e8,
		IsLong:   true,
		Leverage: 10 * e8,
	}
	r, err = d.Submit(ctx, open)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !r.Accepted() || r.Sequence != 1 {
		t.Errorf("open: got %+v, want accepted at sequence 1", r)
	}

	r, err = d.Submit(ctx, open)
	if err != nil || !r.Duplicate {
		t.Errorf("resubmit: got %+v, %v; want duplicate", r, err)
	}

	gap := &event.ClosePosition{
		Header:  event.Header{CommandID: uuid.New(), CallerID: trader, Sequence: 5, Time: time.Unix(t0, 0)},
		Product: 1,
		Margin:  e8,
		IsLong:  true,
	}
	if _, err := d.Submit(ctx, gap); !errors.Is(err, core.ErrSequenceGap) {
		t.Errorf("gap: got %v, want ErrSequenceGap", err)
	}
}

func TestDispatcher_SubmitSequencedStampsSourceAndClock(t *testing.T) {
	d, cancel := newDispatcher(t)
	defer cancel()
	ctx := context.Background()

	toggle := func(at int64) *event.SetCanUserStake {
		return &event.SetCanUserStake{
			Header:  event.Header{CommandID: uuid.New(), CallerID: owner, Time: time.Unix(at, 0)},
			Enabled: true,
		}
	}

	for i, at := range []int64{t0 + 100, t0} {
		r, err := d.SubmitSequenced(ctx, "ops", toggle(at))
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		if !r.Accepted() {
			t.Fatalf("submit %d rejected: %v", i, r.Rejection)
		}
	}

	var next, last int64
	if err := d.Do(ctx, func(c *core.DeterministicCore) {
		next = c.NextSourceSequence("ops")
		last = c.LastTimestamp()
	}); err != nil {
		t.Fatalf("do: %v", err)
	}
	if next != 2 {
		t.Errorf("next ops sequence: got %d, want 2", next)
	}
	if last != t0+100 {
		t.Errorf("clock: got %d, want %d", last, t0+100)
	}
}

func TestDispatcher_StoppedRejectsSubmissions(t *testing.T) {
	d, cancel := newDispatcher(t)
	cancel()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		err := d.Enqueue(context.Background(), &event.ExitStaking{})
		if errors.Is(err, ingestion.ErrDispatcherStopped) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Error("dispatcher should refuse work after shutdown")
}
