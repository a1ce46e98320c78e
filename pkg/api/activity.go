package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// DefaultActivityTimeout bounds one attempt when no timeout is configured.
const DefaultActivityTimeout = 5 * time.Minute

// ActivityFunc is the only place side effects may happen. It receives a
// plain input value and returns a plain output value or an error, and must
// not keep any session or connection alive across invocations.
//
// Activities must be safe to retry. Activities whose side effects are not
// naturally idempotent should dedupe on ActivityInfo.IdempotencyKey.
type ActivityFunc func(ctx context.Context, input Payload) (Payload, error)

// ActivityOptions configure a single invocation.
type ActivityOptions struct {
	// Timeout applies to each attempt separately.
	Timeout time.Duration
	// Retry is the activity-level retry policy; nil means DefaultRetryPolicy.
	Retry *RetryPolicy
}

// Override returns o with the non-zero fields of other applied on top.
func (o ActivityOptions) Override(other *ActivityOptions) ActivityOptions {
	if other == nil {
		return o
	}
	if other.Timeout > 0 {
		o.Timeout = other.Timeout
	}
	if other.Retry != nil {
		r := *other.Retry
		o.Retry = &r
	}
	return o
}

// EffectiveTimeout returns Timeout or DefaultActivityTimeout.
func (o ActivityOptions) EffectiveTimeout() time.Duration {
	if o.Timeout > 0 {
		return o.Timeout
	}
	return DefaultActivityTimeout
}

// RetryPolicy returns Retry or DefaultRetryPolicy.
func (o ActivityOptions) RetryPolicy() RetryPolicy {
	if o.Retry != nil {
		return *o.Retry
	}
	return DefaultRetryPolicy()
}

// ActivityDefinition is one entry of the activity registry.
type ActivityDefinition struct {
	Name    string
	Fn      ActivityFunc
	Options ActivityOptions
}

// ActivityInfo describes the invocation an activity body is running in.
type ActivityInfo struct {
	InstanceID string
	Workflow   string
	Stage      string
	Activity   string
	Attempt    int

	// IdempotencyKey is stable across attempts and replays of the same
	// stage of the same instance.
	IdempotencyKey string
}

type activityInfoKey struct{}

// WithActivityInfo attaches info to ctx.
func WithActivityInfo(ctx context.Context, info ActivityInfo) context.Context {
	return context.WithValue(ctx, activityInfoKey{}, info)
}

// ActivityInfoFromContext returns the info attached by the engine.
func ActivityInfoFromContext(ctx context.Context) (ActivityInfo, bool) {
	info, ok := ctx.Value(activityInfoKey{}).(ActivityInfo)
	return info, ok
}

// IdempotencyKey derives the dedupe key for one stage of one instance.
func IdempotencyKey(instanceID, stage string) string {
	return instanceID + "/" + stage
}

// TypedActivity adapts a strongly typed function into an ActivityDefinition.
// Payloads are converted through JSON, so In and Out must be JSON objects
// (structs or maps). Conversion errors are not retried.
func TypedActivity[In, Out any](name string, fn func(ctx context.Context, in In) (Out, error), opts ActivityOptions) ActivityDefinition {
	var wrapped ActivityFunc
	if fn != nil {
		wrapped = func(ctx context.Context, input Payload) (Payload, error) {
			var in In
			if err := convert(input, &in); err != nil {
				return nil, NonRetryable(fmt.Errorf("decode input for %s: %w", name, err))
			}
			out, err := fn(ctx, in)
			if err != nil {
				return nil, err
			}
			var result Payload
			if err := convert(out, &result); err != nil {
				return nil, NonRetryable(fmt.Errorf("encode output for %s: %w", name, err))
			}
			return result, nil
		}
	}
	return ActivityDefinition{Name: name, Fn: wrapped, Options: opts}
}

func convert(from, to any) error {
	data, err := json.Marshal(from)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, to)
}
