package g2core

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateController distributes two aggregate byte budgets (upload, download)
// across every registered socket proportionally to its own weight, matching
// §4.3's set_upload_limit/set_download_limit/add_socket/remove_socket
// contract: no socket may burst past its own share of either aggregate, and
// no credit accumulates across ticks beyond one period's worth. It wraps
// golang.org/x/time/rate.Limiter per socket per direction rather than
// hand-rolling a token bucket.
type RateController struct {
	mu            sync.Mutex
	uploadTotal   rate.Limit
	downloadTotal rate.Limit
	sockets       map[string]*socketEntry
}

type socketEntry struct {
	weight      float64
	totalWeight float64
	upload      *socketBudget
	download    *socketBudget
}

type socketBudget struct {
	shareBps float64
	limiter  *rate.Limiter
}

// NewRateController creates a controller whose upload and download budgets
// both start at totalBytesPerSec. A zero value means unlimited in both
// directions: Allow always succeeds.
func NewRateController(totalBytesPerSec int) *RateController {
	return &RateController{
		uploadTotal:   rate.Limit(totalBytesPerSec),
		downloadTotal: rate.Limit(totalBytesPerSec),
		sockets:       make(map[string]*socketEntry),
	}
}

// SetUploadLimit changes the aggregate upload budget and re-derives every
// registered socket's upload share from its existing weight.
func (rc *RateController) SetUploadLimit(bps int) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.uploadTotal = rate.Limit(bps)
	for _, se := range rc.sockets {
		se.upload = deriveBudget(rc.uploadTotal, se.weight, se.totalWeight)
	}
}

// SetDownloadLimit changes the aggregate download budget and re-derives
// every registered socket's download share from its existing weight.
func (rc *RateController) SetDownloadLimit(bps int) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.downloadTotal = rate.Limit(bps)
	for _, se := range rc.sockets {
		se.download = deriveBudget(rc.downloadTotal, se.weight, se.totalWeight)
	}
}

func deriveBudget(total rate.Limit, weight, totalWeight float64) *socketBudget {
	if total == 0 || totalWeight <= 0 {
		return &socketBudget{shareBps: 0, limiter: nil}
	}
	share := float64(total) * (weight / totalWeight)
	burst := int(share)
	if burst < 1 {
		burst = 1
	}
	return &socketBudget{shareBps: share, limiter: rate.NewLimiter(rate.Limit(share), burst)}
}

// RegisterSocket adds or updates a socket's proportional share (add_socket,
// §4.3). weight is the socket's share relative to totalWeight; the
// controller burns it down to an absolute bytes/sec limiter sized to its
// share of each direction's total. NetworkCore registers every connected
// socket with weight 1, so shares are equal and do not follow per-socket
// demand. Sockets whose peer is a core-impl are not prioritised by this
// controller — weight never comes from peer fingerprint.
func (rc *RateController) RegisterSocket(id string, weight float64, totalWeight float64) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.sockets[id] = &socketEntry{
		weight:      weight,
		totalWeight: totalWeight,
		upload:      deriveBudget(rc.uploadTotal, weight, totalWeight),
		download:    deriveBudget(rc.downloadTotal, weight, totalWeight),
	}
}

// UnregisterSocket drops a socket's allocation (remove_socket, §4.3), e.g.
// on neighbour removal.
func (rc *RateController) UnregisterSocket(id string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	delete(rc.sockets, id)
}

// AllowUploadN reports whether n bytes may be sent on socket id at now,
// consuming that allowance if so. An unregistered socket or an unlimited
// controller always allows.
func (rc *RateController) AllowUploadN(id string, n int, now time.Time) bool {
	rc.mu.Lock()
	se, ok := rc.sockets[id]
	rc.mu.Unlock()
	if !ok || se.upload.limiter == nil {
		return true
	}
	return se.upload.limiter.AllowN(now, n)
}

// AllowDownloadN reports whether n bytes may be received on socket id at
// now, consuming that allowance if so.
func (rc *RateController) AllowDownloadN(id string, n int, now time.Time) bool {
	rc.mu.Lock()
	se, ok := rc.sockets[id]
	rc.mu.Unlock()
	if !ok || se.download.limiter == nil {
		return true
	}
	return se.download.limiter.AllowN(now, n)
}

// AllowN is an alias for AllowUploadN, kept for callers that only care
// about a single direction (e.g. outbound neighbour writes).
func (rc *RateController) AllowN(id string, n int, now time.Time) bool {
	return rc.AllowUploadN(id, n, now)
}

// Tokens reports the upload share of every socket currently known to the
// controller.
func (rc *RateController) Tokens() map[string]float64 {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	out := make(map[string]float64, len(rc.sockets))
	for id, se := range rc.sockets {
		out[id] = se.upload.shareBps
	}
	return out
}
