package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/InsulaLabs/edgegate/db/models"
	"github.com/InsulaLabs/edgegate/db/records"
	"github.com/InsulaLabs/edgegate/db/tkv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newBadgerRecords(t *testing.T) records.Store {
	t.Helper()
	kv, err := tkv.New(tkv.Config{Logger: discardLogger(), BadgerLogLevel: slog.LevelError, InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })
	return records.NewBadgerStore(discardLogger(), kv)
}

func newSQLiteRecords(t *testing.T) records.Store {
	t.Helper()
	s, err := records.OpenSQLite(discardLogger(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func backends() map[string]func(t *testing.T) records.Store {
	return map[string]func(t *testing.T) records.Store{
		records.DriverBadger: newBadgerRecords,
		records.DriverSQLite: newSQLiteRecords,
	}
}

func newRegistry(t *testing.T, store records.Store, policy Policy) *Registry {
	t.Helper()
	reg, err := New(Config{Logger: discardLogger(), Store: store, Policy: policy, StoreTimeout: time.Second})
	require.NoError(t, err)
	return reg
}

func TestRegister(t *testing.T) {
	for name, newStore := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			reg := newRegistry(t, newStore(t), PolicyStrict)

			require.NoError(t, reg.Register(ctx, "dev-1", "secret"))

			err := reg.Register(ctx, "dev-1", "other-secret")
			require.True(t, IsConflict(err), "second register: %v", err)
			assert.Equal(t, ReasonAlreadyRegistered, ReasonOf(err))

			// the first token is kept
			require.NoError(t, reg.Attest(ctx, "dev-1", "secret"))
			require.True(t, IsForbidden(reg.Attest(ctx, "dev-1", "other-secret")))
		})
	}
}

func TestRegister_InvalidInput(t *testing.T) {
	reg := newRegistry(t, newBadgerRecords(t), PolicyStrict)
	ctx := context.Background()

	for _, tc := range []struct{ id, token string }{{"", "t"}, {"d", ""}, {"", ""}} {
		err := reg.Register(ctx, tc.id, tc.token)
		assert.True(t, IsInvalidInput(err), "Register(%q, %q) = %v", tc.id, tc.token, err)
		err = reg.Attest(ctx, tc.id, tc.token)
		assert.True(t, IsInvalidInput(err), "Attest(%q, %q) = %v", tc.id, tc.token, err)
	}

	state, err := reg.Lookup(ctx, "d")
	require.NoError(t, err)
	assert.Equal(t, models.DeviceStateUnregistered, state)
}

func TestAttest(t *testing.T) {
	for name, newStore := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			reg := newRegistry(t, newStore(t), PolicyStrict)

			err := reg.Attest(ctx, "ghost", "secret")
			require.True(t, IsForbidden(err))
			assert.Equal(t, ReasonNotRegistered, ReasonOf(err))

			require.NoError(t, reg.Register(ctx, "dev-1", "secret"))

			err = reg.Attest(ctx, "dev-1", "wrong")
			require.True(t, IsForbidden(err))
			assert.Equal(t, ReasonInvalidToken, ReasonOf(err))

			state, err := reg.Lookup(ctx, "dev-1")
			require.NoError(t, err)
			assert.Equal(t, models.DeviceStateRegistered, state)

			require.NoError(t, reg.Attest(ctx, "dev-1", "secret"))
			require.NoError(t, reg.Attest(ctx, "dev-1", "secret"))

			state, err = reg.Lookup(ctx, "dev-1")
			require.NoError(t, err)
			assert.Equal(t, models.DeviceStateAttested, state)

			// a failed attempt never clears the flag
			require.True(t, IsForbidden(reg.Attest(ctx, "dev-1", "wrong")))
			state, err = reg.Lookup(ctx, "dev-1")
			require.NoError(t, err)
			assert.Equal(t, models.DeviceStateAttested, state)
		})
	}
}

func TestValidate_Strict(t *testing.T) {
	ctx := context.Background()
	reg := newRegistry(t, newBadgerRecords(t), PolicyStrict)

	_, err := reg.Validate(ctx, "", "secret")
	require.True(t, IsUnauthenticated(err))

	_, err = reg.Validate(ctx, "dev-1", "secret")
	require.True(t, IsForbidden(err))
	assert.Equal(t, ReasonNotRegistered, ReasonOf(err))

	require.NoError(t, reg.Register(ctx, "dev-1", "secret"))

	_, err = reg.Validate(ctx, "dev-1", "wrong")
	require.True(t, IsForbidden(err))
	assert.Equal(t, ReasonInvalidToken, ReasonOf(err))

	_, err = reg.Validate(ctx, "dev-1", "secret")
	require.True(t, IsForbidden(err))
	assert.Equal(t, ReasonNotAttested, ReasonOf(err))

	require.NoError(t, reg.Attest(ctx, "dev-1", "secret"))

	rec, err := reg.Validate(ctx, "dev-1", "secret")
	require.NoError(t, err)
	assert.Equal(t, "dev-1", rec.DeviceID)
	assert.True(t, rec.Attested)
}

func TestValidate_Relaxed(t *testing.T) {
	ctx := context.Background()
	reg := newRegistry(t, newBadgerRecords(t), PolicyRelaxed)

	require.NoError(t, reg.Register(ctx, "dev-1", "secret"))

	rec, err := reg.Validate(ctx, "dev-1", "secret")
	require.NoError(t, err)
	assert.False(t, rec.Attested)

	_, err = reg.Validate(ctx, "dev-1", "wrong")
	require.True(t, IsForbidden(err))
}

func TestRegister_Concurrent(t *testing.T) {
	for name, newStore := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			reg := newRegistry(t, newStore(t), PolicyStrict)

			const n = 24
			var (
				wg        sync.WaitGroup
				mu        sync.Mutex
				winners   []string
				conflicts int
			)
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					token := fmt.Sprintf("token-%d", i)
					err := reg.Register(ctx, "shared", token)
					mu.Lock()
					defer mu.Unlock()
					switch {
					case err == nil:
						winners = append(winners, token)
					case IsConflict(err):
						conflicts++
					default:
						t.Errorf("Register() unexpected error: %v", err)
					}
				}(i)
			}
			wg.Wait()

			require.Len(t, winners, 1)
			assert.Equal(t, n-1, conflicts)
			require.NoError(t, reg.Attest(ctx, "shared", winners[0]))
		})
	}
}

type failingStore struct{ err error }

func (f failingStore) InsertIfAbsent(context.Context, models.DeviceRecord) error { return f.err }
func (f failingStore) Get(context.Context, string) (models.DeviceRecord, error) {
	return models.DeviceRecord{}, f.err
}
func (f failingStore) MarkAttested(context.Context, string) error { return f.err }
func (f failingStore) Close() error                               { return nil }

func TestStoreFailures(t *testing.T) {
	ctx := context.Background()
	cause := errors.New("connection refused")
	reg := newRegistry(t, failingStore{err: cause}, PolicyStrict)

	err := reg.Register(ctx, "dev-1", "secret")
	require.True(t, IsStoreUnavailable(err))
	require.ErrorIs(t, err, cause)

	require.True(t, IsStoreUnavailable(reg.Attest(ctx, "dev-1", "secret")))

	_, err = reg.Validate(ctx, "dev-1", "secret")
	require.True(t, IsStoreUnavailable(err))

	_, err = reg.Lookup(ctx, "dev-1")
	require.True(t, IsStoreUnavailable(err))
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, PolicyStrict, p)

	p, err = ParsePolicy(" Relaxed ")
	require.NoError(t, err)
	assert.Equal(t, PolicyRelaxed, p)
	assert.False(t, p.RequiresAttestation())

	_, err = ParsePolicy("lenient")
	require.Error(t, err)

	_, err = New(Config{Store: failingStore{}, Policy: "lenient"})
	require.Error(t, err)
}
