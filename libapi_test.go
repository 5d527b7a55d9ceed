package asyncbus

import (
	"context"
	"errors"
	"testing"
)

func TestServiceExportsPropagateErrors(t *testing.T) {
	if _, err := TryNewService(nil, NopLogger(), context.Background(), ServiceDependencies{}); !errors.Is(err, ErrConfigRequired) {
		t.Fatalf("expected config required error, got %v", err)
	}

	if _, err := TryNewService(&Config{}, nil, context.Background(), ServiceDependencies{}); !errors.Is(err, ErrLoggerRequired) {
		t.Fatalf("expected logger required error, got %v", err)
	}
}

func TestSubmitThroughFacade(t *testing.T) {
	svc, err := TryNewService(&Config{}, NopLogger(), context.Background(), ServiceDependencies{})
	if err != nil {
		t.Fatalf("unexpected service error: %v", err)
	}

	if err := svc.RegisterRoute(RouteRegistration{
		Name:    "orders_svc_in",
		Handler: func(ctx context.Context, m Message) error { return nil },
	}); err != nil {
		t.Fatalf("unexpected route error: %v", err)
	}

	h, err := svc.Submit(context.Background(), SubmitRequest{
		RouteName:  "orders_svc_in",
		PayloadRef: "payloads/facade-1",
	})
	if err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}
	if h.State != StateOK {
		t.Fatalf("expected OK, got %s", h.State)
	}
}

func TestClassificationExports(t *testing.T) {
	err := TransientFailure(errors.New("connection reset"))
	if !errors.Is(err, ErrTransient) {
		t.Fatal("expected transient marker to match")
	}
	if !KindTechnicalRetryable.Retryable() {
		t.Fatal("expected TECHNICAL_RETRYABLE to be retryable")
	}
	if KindBusiness.Retryable() {
		t.Fatal("expected BUSINESS to be non-retryable")
	}
}

func TestEncodingExportAliases(t *testing.T) {
	payload := map[string]string{"hello": "world"}
	if _, err := Marshal(payload); err != nil {
		t.Fatalf("marshal alias failed: %v", err)
	}
	if _, err := MarshalIndent(payload, "", "  "); err != nil {
		t.Fatalf("marshal indent alias failed: %v", err)
	}
	if err := Unmarshal([]byte(`{"hello":"world"}`), &payload); err != nil {
		t.Fatalf("unmarshal alias failed: %v", err)
	}
}

func TestIDExport(t *testing.T) {
	a, b := NewMessageID(), NewMessageID()
	if a == "" || a == b {
		t.Fatalf("expected unique ids, got %q and %q", a, b)
	}
}

func TestStateQueries(t *testing.T) {
	for _, s := range []State{StateOK, StateFailed, StateCancelled} {
		if !s.Terminal() {
			t.Fatalf("expected %s to be terminal", s)
		}
	}
	if StateFailedWarn.Terminal() {
		t.Fatal("FAILED_WARN must stay operator-actionable")
	}
	if !StateFailedWarn.Active() {
		t.Fatal("FAILED_WARN must keep holding its correlation key")
	}
}

func TestCatalogExports(t *testing.T) {
	reg := NewCatalogRegistry()

	entries, err := reg.GetEntries(context.Background(), "errors")
	if err != nil {
		t.Fatalf("unexpected catalog error: %v", err)
	}
	if len(entries) == 0 {
		t.Fatal("expected error catalog entries")
	}
}
