package hooks

import (
	"context"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func TestRegistryDispatchOrder(t *testing.T) {
	r := NewRegistry(testLogger())
	var calls []string
	r.On(BeforeAll, func(ctx context.Context, object string) error {
		calls = append(calls, "first")
		return nil
	})
	r.On(BeforeAll, func(ctx context.Context, object string) error {
		calls = append(calls, "second")
		return nil
	})

	handled, err := r.RunEvent(context.Background(), BeforeAll, "")
	if err != nil {
		t.Fatalf("RunEvent: %v", err)
	}
	if !handled {
		t.Error("handled = false with registered handlers")
	}
	if len(calls) != 2 || calls[0] != "first" || calls[1] != "second" {
		t.Errorf("calls = %v, want registration order", calls)
	}
}

func TestRegistryStopsAtFirstError(t *testing.T) {
	r := NewRegistry(testLogger())
	boom := errors.New("boom")
	var reached bool
	r.On(AfterObjectWrite, func(ctx context.Context, object string) error { return boom })
	r.On(AfterObjectWrite, func(ctx context.Context, object string) error {
		reached = true
		return nil
	})

	handled, err := r.RunEvent(context.Background(), AfterObjectWrite, "Account")
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want boom", err)
	}
	if !handled {
		t.Error("handled = false even though a handler ran")
	}
	if reached {
		t.Error("handler after the failing one still ran")
	}
}

func TestRegistryUnregisteredEvent(t *testing.T) {
	r := NewRegistry(testLogger())
	handled, err := r.RunEvent(context.Background(), AfterAll, "")
	if err != nil || handled {
		t.Errorf("RunEvent = (%v, %v), want (false, nil)", handled, err)
	}
}

func TestNoop(t *testing.T) {
	handled, err := Noop{}.RunEvent(context.Background(), BeforeObjectWrite, "Account")
	if err != nil || handled {
		t.Errorf("Noop.RunEvent = (%v, %v), want (false, nil)", handled, err)
	}
}
