package main

import (
	"context"
	"errors"
	"io"
	"os"
	"reflect"
	"strings"
	"syscall"
	"testing"
	"time"

	"qios/internal/logging"
)

func TestShutdownSequenceStopsEveryStepOnce(t *testing.T) {
	buffer := logging.NewLogBuffer(10)
	logger := logging.NewLoggerWithOutput(buffer, logging.LevelDebug, io.Discard)
	sequence := newShutdownSequence(logger)
	var order []string
	fail := errors.New("fail")

	sequence.Add("config-watcher", func(context.Context) error {
		order = append(order, "config-watcher")
		return nil
	})
	sequence.Add("hub", func(context.Context) error {
		order = append(order, "hub")
		return fail
	})
	sequence.Add("gauges", func(context.Context) error {
		order = append(order, "gauges")
		return nil
	})
	sequence.Add("nil", nil)

	err := sequence.Run(context.Background())
	if !errors.Is(err, fail) {
		t.Fatalf("expected joined failure, got %v", err)
	}
	if !strings.Contains(err.Error(), "hub: fail") {
		t.Fatalf("expected step name in error, got %q", err)
	}
	if want := []string{"config-watcher", "hub", "gauges"}; !reflect.DeepEqual(order, want) {
		t.Fatalf("expected order %v, got %v", want, order)
	}

	var failed int
	for _, entry := range buffer.List() {
		if entry.Message == "shutdown step failed" {
			failed++
			if entry.Context["step"] != "hub" || entry.Context["elapsed"] == "" {
				t.Fatalf("unexpected failure entry %+v", entry)
			}
		}
	}
	if failed != 1 {
		t.Fatalf("expected one failure entry, got %d", failed)
	}

	if err := sequence.Run(context.Background()); err != nil {
		t.Fatalf("expected second run to be a no-op, got %v", err)
	}
	if len(order) != 3 {
		t.Fatalf("steps ran twice: %v", order)
	}
}

func TestRelaySignalsCancelsOnce(t *testing.T) {
	buffer := logging.NewLogBuffer(10)
	logger := logging.NewLoggerWithOutput(buffer, logging.LevelInfo, io.Discard)
	signals := make(chan os.Signal, 3)
	cancelled := make(chan struct{}, 3)

	stop := relaySignals(logger, func() { cancelled <- struct{}{} }, signals)
	defer stop()

	signals <- syscall.SIGTERM
	signals <- syscall.SIGINT
	signals <- syscall.SIGINT

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("expected cancel")
	}

	deadline := time.Now().Add(time.Second)
	for len(buffer.List()) < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("expected two log entries, got %+v", buffer.List())
		}
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	if len(cancelled) != 0 {
		t.Fatal("cancel called more than once")
	}
	entries := buffer.List()
	if len(entries) != 2 || entries[1].Message != "shutdown in progress, ignoring signal" {
		t.Fatalf("unexpected log entries %+v", entries)
	}
	if entries[0].Context["signal"] != syscall.SIGTERM.String() || entries[1].Context["count"] != "2" {
		t.Fatalf("unexpected signal fields %+v", entries)
	}
	stop()
}
