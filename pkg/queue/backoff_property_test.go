package queue

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func backoffPolicyGen(strategy string) gopter.Gen {
	return gopter.CombineGens(
		gen.IntRange(1, 20),
		gen.Int64Range(1, 5000),
		gen.Int64Range(5000, 120000),
	).Map(func(values []interface{}) RetryPolicy {
		return RetryPolicy{
			MaxAttempts:     values[0].(int),
			BackoffStrategy: strategy,
			InitialDelayMs:  values[1].(int64),
			MaxDelayMs:      values[2].(int64),
		}
	})
}

func TestProperty_BackoffNeverExceedsMaxDelay(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	for _, strategy := range []string{BackoffExponential, BackoffLinear, BackoffFixed} {
		properties.Property("delay is capped for "+strategy, prop.ForAll(
			func(policy RetryPolicy, attempt int) bool {
				delay := Backoff(attempt, policy)
				return delay <= time.Duration(policy.MaxDelayMs)*time.Millisecond
			},
			backoffPolicyGen(strategy),
			gen.IntRange(-5, 100),
		))
	}

	properties.TestingRun(t)
}

func TestProperty_BackoffMonotonicInAttempt(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	for _, strategy := range []string{BackoffExponential, BackoffLinear} {
		properties.Property("delay never decreases for "+strategy, prop.ForAll(
			func(policy RetryPolicy, attempt int) bool {
				return Backoff(attempt+1, policy) >= Backoff(attempt, policy)
			},
			backoffPolicyGen(strategy),
			gen.IntRange(1, 60),
		))
	}

	properties.TestingRun(t)
}

func TestProperty_BackoffDeterministic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("same inputs yield same delay", prop.ForAll(
		func(policy RetryPolicy, attempt int) bool {
			return Backoff(attempt, policy) == Backoff(attempt, policy)
		},
		backoffPolicyGen(BackoffExponential),
		gen.IntRange(1, 60),
	))

	properties.TestingRun(t)
}
