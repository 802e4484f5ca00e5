package pv

import (
	"fmt"

	"github.com/alicebob/miniredis"
	"github.com/go-redis/redis"
)

// Redis stores PVs as string keys in a redis database, for soft IOCs that
// mirror their records into redis.  Keys are Prefix+name.
type Redis struct {
	// Prefix is prepended to every PV name to form the redis key
	Prefix string

	cl   *redis.Client
	mini *miniredis.Miniredis
}

// NewRedis connects to the redis server at addr.  If addr is empty, an
// embedded server is started and owned by the returned Redis.
func NewRedis(addr, prefix string) (*Redis, error) {
	r := &Redis{Prefix: prefix}
	if addr == "" {
		s, err := miniredis.Run()
		if err != nil {
			return nil, fmt.Errorf("starting embedded redis: %w", err)
		}
		r.mini = s
		addr = s.Addr()
	}
	r.cl = redis.NewClient(&redis.Options{Addr: addr})
	if err := r.cl.Ping().Err(); err != nil {
		r.Close()
		return nil, err
	}
	return r, nil
}

// Addr returns the address of the redis server in use
func (r *Redis) Addr() string {
	return r.cl.Options().Addr
}

// Close the connection, and the embedded server if there is one
func (r *Redis) Close() error {
	err := r.cl.Close()
	if r.mini != nil {
		r.mini.Close()
	}
	return err
}

// GetString returns the value of a PV
func (r *Redis) GetString(name string) (string, error) {
	s, err := r.cl.Get(r.Prefix + name).Result()
	if err == redis.Nil {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return s, err
}

// GetFloat returns the numeric value of a PV
func (r *Redis) GetFloat(name string) (float64, error) {
	s, err := r.GetString(name)
	if err != nil {
		return 0, err
	}
	return ParseFloat(name, s)
}

// PutFloat writes a numeric PV
func (r *Redis) PutFloat(name string, v float64, wait bool) error {
	return r.PutString(name, FormatFloat(v), wait)
}

// PutString writes a PV.  A waiting put reads the key back and fails if the
// stored value differs from what was written.
func (r *Redis) PutString(name string, s string, wait bool) error {
	key := r.Prefix + name
	if err := r.cl.Set(key, s, 0).Err(); err != nil {
		return err
	}
	if !wait {
		return nil
	}
	got, err := r.cl.Get(key).Result()
	if err != nil {
		return err
	}
	if got != s {
		return fmt.Errorf("put to %s not acknowledged, wrote %q read back %q", name, s, got)
	}
	return nil
}
