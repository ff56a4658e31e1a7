package httpapi

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/itchyny/gojq"
)

const (
	// DefaultEventIDQuery reads the event id of Slack-style payloads.
	DefaultEventIDQuery = ".event_id"

	// UnknownEventID is used when a payload carries no event id.
	UnknownEventID = "unknown"
)

// EventIDs extracts the idempotency key of a webhook payload with a jq
// expression chosen per source. Compiled expressions are cached.
type EventIDs struct {
	queries map[string]string

	mu    sync.RWMutex
	cache map[string]*gojq.Code
}

// NewEventIDs compiles every configured expression up front so a bad one
// fails at startup rather than on the first webhook.
func NewEventIDs(queries map[string]string) (*EventIDs, error) {
	e := &EventIDs{
		queries: make(map[string]string, len(queries)),
		cache:   make(map[string]*gojq.Code),
	}
	for source, q := range queries {
		if q == "" {
			continue
		}
		e.queries[source] = q
		if _, err := e.compile(q); err != nil {
			return nil, fmt.Errorf("httpapi: event id query for %s: %w", source, err)
		}
	}
	if _, err := e.compile(DefaultEventIDQuery); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *EventIDs) query(source string) string {
	if q, ok := e.queries[source]; ok {
		return q
	}
	return DefaultEventIDQuery
}

func (e *EventIDs) compile(expression string) (*gojq.Code, error) {
	e.mu.RLock()
	code, ok := e.cache[expression]
	e.mu.RUnlock()
	if ok {
		return code, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if code, ok := e.cache[expression]; ok {
		return code, nil
	}

	q, err := gojq.Parse(expression)
	if err != nil {
		return nil, err
	}
	code, err = gojq.Compile(q, gojq.WithEnvironLoader(func() []string { return nil }))
	if err != nil {
		return nil, err
	}
	e.cache[expression] = code
	return code, nil
}

// Extract returns the event id of body for source. The first non-empty
// scalar the expression yields wins; anything else gives UnknownEventID.
func (e *EventIDs) Extract(ctx context.Context, source string, body map[string]any) string {
	code, err := e.compile(e.query(source))
	if err != nil {
		return UnknownEventID
	}

	iter := code.RunWithContext(ctx, body)
	for {
		v, ok := iter.Next()
		if !ok {
			return UnknownEventID
		}
		if _, isErr := v.(error); isErr {
			return UnknownEventID
		}
		if id := scalar(v); id != "" {
			return id
		}
	}
}

func scalar(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.Itoa(val)
	case bool:
		return strconv.FormatBool(val)
	}
	return ""
}
