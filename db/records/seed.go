package records

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/InsulaLabs/edgegate/db/models"
)

const seedAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

func randomString(rnd *rand.Rand, n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = seedAlphabet[rnd.IntN(len(seedAlphabet))]
	}
	return string(b)
}

// Seed inserts n synthetic devices with random ids and tokens, attesting
// about half of them. It goes through InsertIfAbsent and MarkAttested so
// the records obey the same rules as registered devices. An id collision
// is skipped, not retried, so fewer than n records may be returned.
func Seed(ctx context.Context, store Store, n int, rnd *rand.Rand) ([]models.DeviceRecord, error) {
	seeded := make([]models.DeviceRecord, 0, n)
	for i := 0; i < n; i++ {
		rec := models.DeviceRecord{
			DeviceID:    randomString(rnd, 12),
			DeviceToken: randomString(rnd, 16),
		}
		attest := rnd.IntN(2) == 1
		if err := store.InsertIfAbsent(ctx, rec); err != nil {
			if errors.Is(err, ErrExists) {
				continue
			}
			return seeded, fmt.Errorf("seed device %s: %w", rec.DeviceID, err)
		}
		if attest {
			if err := store.MarkAttested(ctx, rec.DeviceID); err != nil {
				return seeded, fmt.Errorf("attest seeded device %s: %w", rec.DeviceID, err)
			}
			rec.Attested = true
		}
		seeded = append(seeded, rec)
	}
	return seeded, nil
}
