package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"qios/internal/logging"
)

type shutdownStep struct {
	name string
	stop func(context.Context) error
}

// shutdownSequence stops the back office's parts in the order they were
// added. Run executes at most once; later calls return nil.
type shutdownSequence struct {
	logger *logging.Logger
	now    func() time.Time
	once   sync.Once
	steps  []shutdownStep
}

func newShutdownSequence(logger *logging.Logger) *shutdownSequence {
	return &shutdownSequence{logger: logger, now: time.Now}
}

func (sequence *shutdownSequence) Add(name string, stop func(context.Context) error) {
	if sequence == nil || stop == nil {
		return
	}
	sequence.steps = append(sequence.steps, shutdownStep{name: name, stop: stop})
}

// Run stops every step even when an earlier one fails. Failures come back
// joined, each prefixed with its step name.
func (sequence *shutdownSequence) Run(ctx context.Context) error {
	if sequence == nil {
		return nil
	}
	var failures error
	sequence.once.Do(func() {
		for _, step := range sequence.steps {
			started := sequence.now()
			err := step.stop(ctx)
			fields := map[string]string{
				"step":    step.name,
				"elapsed": sequence.now().Sub(started).String(),
			}
			if err == nil {
				sequence.logger.Debug("shutdown step done", fields)
				continue
			}
			fields["error"] = err.Error()
			sequence.logger.Warn("shutdown step failed", fields)
			failures = errors.Join(failures, fmt.Errorf("%s: %w", step.name, err))
		}
	})
	return failures
}

// relaySignals turns the first signal on signals into cancel. Later signals
// are counted; only the first repeat is logged. The returned func stops the
// relay and is safe to call more than once.
func relaySignals(logger *logging.Logger, cancel context.CancelFunc, signals <-chan os.Signal) func() {
	if signals == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		received := 0
		for {
			var sig os.Signal
			var open bool
			select {
			case <-done:
				return
			case sig, open = <-signals:
			}
			if !open {
				return
			}
			received++
			fields := map[string]string{"count": strconv.Itoa(received)}
			if sig != nil {
				fields["signal"] = sig.String()
			}
			switch received {
			case 1:
				logger.Info("shutdown signal received", fields)
				if cancel != nil {
					cancel()
				}
			case 2:
				logger.Info("shutdown in progress, ignoring signal", fields)
			}
		}
	}()
	var stopOnce sync.Once
	return func() {
		stopOnce.Do(func() { close(done) })
	}
}
