package broker

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/google/uuid"

	"github.com/stratal/sessiond/sessions"
)

type blockingLifecycle struct {
	entered chan struct{}
	unblock chan struct{}
}

func (b *blockingLifecycle) Init(ctx context.Context, _, _ uuid.UUID, _ fakeCreds) (sessions.Metadata, error) {
	b.entered <- struct{}{}
	<-b.unblock
	return sessions.Metadata{}, nil
}

func (b *blockingLifecycle) Keepalive(context.Context, string, uuid.UUID) (sessions.Metadata, error) {
	return sessions.Metadata{}, nil
}

func (b *blockingLifecycle) Release(context.Context, string, uuid.UUID) error { return nil }

func TestMaxInFlightRejectsWhenQueueDies(t *testing.T) {
	inner := &blockingLifecycle{
		entered: make(chan struct{}, 1),
		unblock: make(chan struct{}),
	}
	limited := WithMaxInFlight[fakeCreds](inner, 1)

	go limited.Init(context.Background(), owner, resource, fakeCreds{})
	<-inner.entered

	// The single slot is held; a caller whose context dies while queued
	// gets a timeout, not a hang.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := limited.Init(ctx, owner, resource, fakeCreds{})
	if !errors.Is(err, sessions.ErrTimeout) {
		t.Fatalf("queued init with dead context: %v", err)
	}

	close(inner.unblock)
	if _, err := limited.Init(context.Background(), owner, resource, fakeCreds{}); err != nil {
		t.Fatalf("init after slot freed: %v", err)
	}
}

func TestMaxInFlightZeroMeansUnlimited(t *testing.T) {
	inner := &blockingLifecycle{}
	if got := WithMaxInFlight[fakeCreds](inner, 0); got != Lifecycle[fakeCreds](inner) {
		t.Fatal("zero cap should return the inner lifecycle unchanged")
	}
}

func TestLoggingPreservesResults(t *testing.T) {
	rig := newTestRig(t, "inst-a", nil)
	wrapped := WithLogging[fakeCreds](rig.broker, slog.New(slog.DiscardHandler))
	ctx := context.Background()

	meta, err := wrapped.Init(ctx, owner, resource, fakeCreds{host: "h1"})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	renewed, err := wrapped.Keepalive(ctx, meta.Token, owner)
	if err != nil {
		t.Fatalf("keepalive: %v", err)
	}
	if err := wrapped.Release(ctx, renewed.Token, owner); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := wrapped.Keepalive(ctx, renewed.Token, owner); !errors.Is(err, sessions.ErrNotFound) {
		t.Fatalf("keepalive after release: %v", err)
	}
}
