package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/go-redis/redis/v8"

	storeredis "cryptodesk/internal/store/redis"
)

// stringGetter is the subset of the Redis client used for session lookups.
type stringGetter interface {
	Get(ctx context.Context, key string) *goredis.StringCmd
}

// RedisValidator looks tokens up under "session:<token>", where the REST
// auth service stores a JSON Session.
type RedisValidator struct {
	client stringGetter
	cb     *storeredis.CircuitBreaker
	prefix string
	now    func() time.Time
}

// NewRedisValidator wraps lookups in cb; cb may be nil.
func NewRedisValidator(client stringGetter, cb *storeredis.CircuitBreaker) *RedisValidator {
	return &RedisValidator{client: client, cb: cb, prefix: "session:", now: time.Now}
}

func (v *RedisValidator) ValidateSessionToken(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", ErrInvalidToken
	}

	var raw string
	get := func(ctx context.Context) error {
		var err error
		raw, err = v.client.Get(ctx, v.prefix+token).Result()
		return err
	}
	var err error
	if v.cb != nil {
		err = v.cb.Execute(ctx, get)
	} else {
		err = get(ctx)
	}
	switch {
	case errors.Is(err, goredis.Nil):
		return "", ErrInvalidToken
	case err != nil:
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	var sess Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		return "", fmt.Errorf("%w: corrupt session record", ErrInvalidToken)
	}
	return sess.check(v.now())
}
