package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"pkt.systems/wsync/schema"
)

func TestSubscribeAndPublish(t *testing.T) {
	bus := New(nil)
	defer bus.Close()
	got := make(chan string, 1)
	cancel := bus.Subscribe(schema.TopicPhase, func(payload json.RawMessage) {
		got <- string(payload)
	})
	defer cancel()

	if !bus.Publish(schema.TopicPhase, json.RawMessage(`{"phase":"connected"}`)) {
		t.Fatalf("expected publish accepted")
	}
	select {
	case payload := <-got:
		if payload != `{"phase":"connected"}` {
			t.Fatalf("unexpected payload: %s", payload)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for event")
	}
}

func TestHandlersRunInPublishOrder(t *testing.T) {
	bus := New(nil)
	defer bus.Close()
	var mu sync.Mutex
	var order []string
	record := func(topic string) func(json.RawMessage) {
		return func(json.RawMessage) {
			mu.Lock()
			order = append(order, topic)
			mu.Unlock()
		}
	}
	defer bus.Subscribe(schema.TopicBound, record(schema.TopicBound))()
	defer bus.Subscribe(schema.TopicAttached, record(schema.TopicAttached))()
	defer bus.Subscribe(schema.TopicSnapshot, record(schema.TopicSnapshot))()

	ctx := context.Background()
	for _, topic := range []string{schema.TopicBound, schema.TopicAttached, schema.TopicSnapshot, schema.TopicBound} {
		if err := bus.Dispatch(ctx, topic, nil); err != nil {
			t.Fatalf("dispatch %s: %v", topic, err)
		}
	}
	if err := bus.Sync(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	want := []string{schema.TopicBound, schema.TopicAttached, schema.TopicSnapshot, schema.TopicBound}
	if len(order) != len(want) {
		t.Fatalf("expected %v, got %v", want, order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, order)
		}
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := New(nil)
	defer bus.Close()
	count := 0
	cancel := bus.Subscribe("topic", func(json.RawMessage) { count++ })
	ctx := context.Background()
	_ = bus.Dispatch(ctx, "topic", nil)
	_ = bus.Sync(ctx)
	cancel()
	_ = bus.Dispatch(ctx, "topic", nil)
	_ = bus.Sync(ctx)
	if count != 1 {
		t.Fatalf("expected one delivery, got %d", count)
	}
}

func TestHandlerPanicDoesNotStopLoop(t *testing.T) {
	bus := New(nil)
	defer bus.Close()
	delivered := false
	defer bus.Subscribe("boom", func(json.RawMessage) { panic("bad handler") })()
	defer bus.Subscribe("ok", func(json.RawMessage) { delivered = true })()
	ctx := context.Background()
	_ = bus.Dispatch(ctx, "boom", nil)
	_ = bus.Dispatch(ctx, "ok", nil)
	if err := bus.Sync(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if !delivered {
		t.Fatalf("expected delivery after panicking handler")
	}
}

func TestCallRoundTripsJSON(t *testing.T) {
	bus := New(nil)
	defer bus.Close()
	bus.Handle(schema.MethodSliceGet, func(_ context.Context, params json.RawMessage) (any, error) {
		var req schema.SliceRequest
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, err
		}
		if req.Type != schema.SliceKanban {
			return nil, &schema.RPCError{Code: schema.CodeNotFound, Message: schema.ErrUnknownSlice.Error()}
		}
		return schema.WorkspaceDelta{Workspace: req.Workspace, Type: req.Type, Version: 4}, nil
	})

	var delta schema.WorkspaceDelta
	err := bus.Call(context.Background(), schema.MethodSliceGet, schema.SliceRequest{Workspace: "ws-1", Type: schema.SliceKanban}, &delta)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if delta.Version != 4 || delta.Workspace != "ws-1" {
		t.Fatalf("unexpected result: %+v", delta)
	}

	err = bus.Call(context.Background(), schema.MethodSliceGet, schema.SliceRequest{Type: schema.SliceMeta}, &delta)
	if !errors.Is(err, schema.ErrUnknownSlice) {
		t.Fatalf("expected rpc error mapped to sentinel, got %v", err)
	}
	if err := bus.Call(context.Background(), "nope", nil, nil); !errors.Is(err, schema.ErrUnknownMethod) {
		t.Fatalf("expected unknown method, got %v", err)
	}
}

func TestClosedBusRejectsWork(t *testing.T) {
	bus := New(nil)
	bus.Close()
	bus.Close()
	if bus.Publish("topic", nil) {
		t.Fatalf("expected publish rejected after close")
	}
	if err := bus.Sync(context.Background()); !errors.Is(err, schema.ErrTransportClosed) {
		t.Fatalf("expected closed error, got %v", err)
	}
}
