package worker

import (
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// monotonic guards against two run_ids minted within the same
// millisecond colliding: NewRunID always advances the clock it reports
// by at least one millisecond past the previous call.
var (
	monoMu   sync.Mutex
	monoLast time.Time
)

// NewRunID mints a run_id: YYYYMMDD-HHmmss-mmm-<7-hex-sha>-<8-hex-cmdhash>.
// The timestamp prefix makes run_ids lexicographically comparable in
// creation order (§3 Run entity); seed disambiguates runs minted in the
// same millisecond (typically the task_id); cmd is the prompt/command
// the run executes, hashed so two runs of the same command against the
// same seed still produce distinct, traceable ids.
func NewRunID(seed, cmd string) string {
	monoMu.Lock()
	now := time.Now().UTC()
	if now.Sub(monoLast) < time.Millisecond {
		now = monoLast.Add(time.Millisecond)
	}
	monoLast = now
	monoMu.Unlock()

	ts := fmt.Sprintf("%s-%03d", now.Format("20060102-150405"), now.Nanosecond()/int(time.Millisecond))

	seedSum := sha1.Sum([]byte(seed + now.Format(time.RFC3339Nano)))
	cmdSum := sha256.Sum256([]byte(cmd))

	return fmt.Sprintf("%s-%s-%s", ts, hex.EncodeToString(seedSum[:])[:7], hex.EncodeToString(cmdSum[:])[:8])
}
