package jobs

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/frak-id/pairing-relay/internal/repository"
)

// CleanupJob periodically prunes pairings that went silent past their TTL,
// pairings never joined within the join window, and signature request rows
// left behind after processing.
type CleanupJob struct {
	pairingRepo   repository.PairingRepository
	signatureRepo repository.SignatureRequestRepository
	pairingTTL    time.Duration
	joinWindow    time.Duration
	signatureTTL  time.Duration
	interval      time.Duration
	done          chan struct{}
}

func NewCleanupJob(
	pairingRepo repository.PairingRepository,
	signatureRepo repository.SignatureRequestRepository,
	pairingTTL time.Duration,
	joinWindow time.Duration,
	signatureTTL time.Duration,
	interval time.Duration,
) *CleanupJob {
	return &CleanupJob{
		pairingRepo:   pairingRepo,
		signatureRepo: signatureRepo,
		pairingTTL:    pairingTTL,
		joinWindow:    joinWindow,
		signatureTTL:  signatureTTL,
		interval:      interval,
		done:          make(chan struct{}),
	}
}

func (j *CleanupJob) Start() {
	go j.run()
	log.Info().Dur("interval", j.interval).Msg("cleanup job started")
}

func (j *CleanupJob) Stop() {
	close(j.done)
	log.Info().Msg("cleanup job stopped")
}

func (j *CleanupJob) run() {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.cleanup()

	for {
		select {
		case <-j.done:
			return
		case <-ticker.C:
			j.cleanup()
		}
	}
}

func (j *CleanupJob) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	j.runCleanup(ctx, "inactive pairings", func(ctx context.Context) (int64, error) {
		return j.pairingRepo.DeleteInactive(ctx, j.pairingTTL, j.joinWindow)
	})
	j.runCleanup(ctx, "stale signature requests", func(ctx context.Context) (int64, error) {
		return j.signatureRepo.DeleteStale(ctx, j.signatureTTL)
	})
}

func (j *CleanupJob) runCleanup(ctx context.Context, name string, fn func(context.Context) (int64, error)) {
	count, err := fn(ctx)
	if err != nil {
		log.Error().Err(err).Msgf("failed to cleanup %s", name)
	} else if count > 0 {
		log.Info().Int64("count", count).Msgf("cleaned up %s", name)
	}
}
