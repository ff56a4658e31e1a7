package activity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/petrijr/hookflow/pkg/api"
)

func echo(ctx context.Context, args api.Payload) (api.Payload, error) {
	return args, nil
}

func TestRegistry_RegisterValidation(t *testing.T) {
	r := NewRegistry()

	if err := r.Register("", echo); err == nil {
		t.Fatalf("expected error for empty name")
	}
	if err := r.Register("echo", nil); err == nil {
		t.Fatalf("expected error for nil handler")
	}
	if err := r.Register("echo", echo); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := r.Register("echo", echo); err == nil {
		t.Fatalf("expected error for duplicate registration")
	}
	if names := r.Names(); len(names) != 1 || names[0] != "echo" {
		t.Fatalf("unexpected names: %v", names)
	}
}

func TestRegistry_InvokeReturnsResult(t *testing.T) {
	r := NewRegistry()
	if err := r.Register("echo", echo); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	out, err := r.Invoke(context.Background(), "echo", api.MustPayload("hi"), time.Second)
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	var s string
	if err := out.Decode(&s); err != nil || s != "hi" {
		t.Fatalf("expected %q, got %q (err=%v)", "hi", s, err)
	}
}

func TestRegistry_InvokeUnknownIsNotFound(t *testing.T) {
	r := NewRegistry()

	_, err := r.Invoke(context.Background(), "missing", api.Payload{}, time.Second)
	ae, ok := api.IsActivityError(err)
	if !ok {
		t.Fatalf("expected ActivityError, got %v", err)
	}
	if ae.Kind != api.ErrorKindNotFound {
		t.Fatalf("expected NotFound, got %s", ae.Kind)
	}
}

func TestRegistry_InvokeEnforcesTimeout(t *testing.T) {
	r := NewRegistry()
	release := make(chan struct{})
	defer close(release)

	err := r.Register("stuck", func(ctx context.Context, args api.Payload) (api.Payload, error) {
		<-release
		return api.Payload{}, nil
	})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	start := time.Now()
	_, err = r.Invoke(context.Background(), "stuck", api.Payload{}, 30*time.Millisecond)
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("Invoke did not honour the timeout, took %v", elapsed)
	}
	ae, ok := api.IsActivityError(err)
	if !ok || ae.Kind != api.ErrorKindTimeout {
		t.Fatalf("expected Timeout ActivityError, got %v", err)
	}
}

func TestRegistry_InvokeKeepsApplicationErrorDetails(t *testing.T) {
	r := NewRegistry()
	err := r.Register("lookup", func(ctx context.Context, args api.Payload) (api.Payload, error) {
		return api.Payload{}, api.NewNonRetryableError("UserNotFound", "no such user", nil)
	})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	_, err = r.Invoke(context.Background(), "lookup", api.Payload{}, time.Second)
	ae, ok := api.IsActivityError(err)
	if !ok {
		t.Fatalf("expected ActivityError, got %v", err)
	}
	if ae.Kind != api.ErrorKindHandlerError || ae.Type != "UserNotFound" || !ae.NonRetryable {
		t.Fatalf("unexpected error details: %+v", ae)
	}
	var appErr *api.ApplicationError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected ApplicationError in the chain")
	}
}

func TestRegistry_InvokeRecoversPanics(t *testing.T) {
	r := NewRegistry()
	err := r.Register("explode", func(ctx context.Context, args api.Payload) (api.Payload, error) {
		panic("kaboom")
	})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	_, err = r.Invoke(context.Background(), "explode", api.Payload{}, time.Second)
	ae, ok := api.IsActivityError(err)
	if !ok {
		t.Fatalf("expected ActivityError, got %v", err)
	}
	if ae.Kind != api.ErrorKindHandlerError || ae.Type != PanicErrorType || ae.Message != "kaboom" {
		t.Fatalf("unexpected panic error: %+v", ae)
	}
}
