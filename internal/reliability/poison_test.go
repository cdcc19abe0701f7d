package reliability

import (
	"errors"
	"testing"

	"github.com/glimte/mmate-bus/contracts"
	"github.com/stretchr/testify/assert"
)

func TestPoisonPolicy(t *testing.T) {
	t.Run("retries until max attempts", func(t *testing.T) {
		p := PoisonPolicy{MaxAttempts: 3}
		assert.Equal(t, ActionRetry, p.Decide(1))
		assert.Equal(t, ActionRetry, p.Decide(2))
		assert.Equal(t, ActionErrorQueue, p.Decide(3))
		assert.Equal(t, ActionErrorQueue, p.Decide(4))
	})

	t.Run("zero max attempts allows a single try", func(t *testing.T) {
		assert.Equal(t, ActionErrorQueue, PoisonPolicy{}.Decide(1))
	})

	t.Run("default is five attempts", func(t *testing.T) {
		assert.Equal(t, 5, DefaultPoisonPolicy().MaxAttempts)
	})

	t.Run("action names", func(t *testing.T) {
		assert.Equal(t, "retry", ActionRetry.String())
		assert.Equal(t, "error-queue", ActionErrorQueue.String())
	})
}

func TestAnnotate(t *testing.T) {
	env := &contracts.Envelope{ID: "m-1", Type: "test.Ping", Headers: map[string]string{"a": "b"}}

	out := Annotate(env, errors.New("handler exploded"), 3)

	assert.Equal(t, "handler exploded", out.Header(contracts.HeaderFailureReason))
	assert.Equal(t, 3, Attempts(out))
	assert.Equal(t, "b", out.Header("a"))
	assert.Empty(t, env.Header(contracts.HeaderFailureReason), "original must not be modified")
	assert.Equal(t, 0, Attempts(env))
}
