// Package rates learns per-prefix carrier pricing from CDRs and prices
// blocked requests for the fraud savings ledger.
package rates

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/otpgate/otpgate/internal/database"
	"github.com/otpgate/otpgate/internal/database/models"
)

const (
	batchSize = 1000
	emaAlpha  = 0.2
	// Learned rates key on the first four digits of the destination.
	dstPrefixLen = 4
	// Confidence saturates after this many samples.
	confidenceSamples = 100
)

// Fallback estimates, 1/10000 USD, used when no rate has been learned yet
// for a destination.
const (
	defaultSmsCost   = 100
	defaultVoiceCost = 300
)

// Learner folds billing records into the carrier_rates table on a timer.
// CDRs only exist for the voice channel; learned rows are keyed "voice".
type Learner struct {
	cdrs   database.CdrRepository
	rates  database.CarrierRateRepository
	logger *slog.Logger
}

// NewLearner creates a learner over the given repositories.
func NewLearner(cdrs database.CdrRepository, rates database.CarrierRateRepository, logger *slog.Logger) *Learner {
	return &Learner{
		cdrs:   cdrs,
		rates:  rates,
		logger: logger.With("subsystem", "rates"),
	}
}

// Run processes batches on a fixed interval until the context is cancelled.
func (l *Learner) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := l.ProcessBatch(ctx)
			if err != nil {
				l.logger.Error("processing cdr batch", "error", err)
				continue
			}
			if n > 0 {
				l.logger.Info("processed cdr batch", "count", n)
			}
		}
	}
}

// ProcessBatch fetches up to batchSize unprocessed CDRs oldest-first, folds
// the billable ones into the rate table, and marks every fetched record
// processed. Returns the number of records fetched.
func (l *Learner) ProcessBatch(ctx context.Context) (int, error) {
	records, err := l.cdrs.ListUnprocessed(ctx, batchSize)
	if err != nil {
		return 0, fmt.Errorf("listing unprocessed cdrs: %w", err)
	}
	if len(records) == 0 {
		return 0, nil
	}

	ids := make([]int64, 0, len(records))
	for i := range records {
		rec := &records[i]
		ids = append(ids, rec.ID)
		if !rec.Success || rec.Price <= 0 || rec.BillingDuration <= 0 {
			continue
		}
		if err := l.learn(ctx, rec); err != nil {
			l.logger.Error("learning rate from cdr", "cdr_id", rec.ID, "error", err)
		}
	}

	// Unbillable records are marked too, otherwise they would be refetched
	// forever.
	if err := l.cdrs.MarkProcessed(ctx, ids); err != nil {
		return 0, fmt.Errorf("marking cdrs processed: %w", err)
	}
	return len(records), nil
}

// learn updates the (voice, dst_prefix, src_prefix) rate row with one sample.
func (l *Learner) learn(ctx context.Context, rec *models.CdrRecord) error {
	dstPrefix := rec.DstPrefix
	if dstPrefix == "" {
		dstPrefix = digits(rec.Destination)
	}
	if len(dstPrefix) > dstPrefixLen {
		dstPrefix = dstPrefix[:dstPrefixLen]
	}
	if dstPrefix == "" {
		return fmt.Errorf("cdr %d has no destination prefix", rec.ID)
	}

	var srcPrefix *string
	if rec.SrcPrefix != "" {
		srcPrefix = &rec.SrcPrefix
	}

	// Price and rate are stored in 1/10000 USD already.
	sample := int64(math.Round(float64(rec.Price) * 60 / float64(rec.BillingDuration)))

	existing, err := l.rates.Get(ctx, string(models.ChannelVoice), dstPrefix, srcPrefix)
	if err != nil {
		return fmt.Errorf("loading rate: %w", err)
	}

	now := database.NowMillis()
	rate := existing
	if rate == nil {
		rate = &models.CarrierRate{
			Channel:          string(models.ChannelVoice),
			DstPrefix:        dstPrefix,
			SrcPrefix:        srcPrefix,
			RateAvg:          sample,
			RateMin:          sample,
			RateMax:          sample,
			BillingIncrement: int(rec.BillingDuration),
			SampleCount:      1,
		}
	} else {
		rate.RateAvg = int64(math.Round(emaAlpha*float64(sample) + (1-emaAlpha)*float64(rate.RateAvg)))
		if sample < rate.RateMin {
			rate.RateMin = sample
		}
		if sample > rate.RateMax {
			rate.RateMax = sample
		}
		rate.SampleCount++
	}
	rate.ConfidenceScore = math.Min(1, float64(rate.SampleCount)/confidenceSamples)
	rate.LastSeenAt = now

	if err := l.rates.Upsert(ctx, rate); err != nil {
		return fmt.Errorf("upserting rate: %w", err)
	}
	return nil
}

// EstimateCost prices one delivery to the given prefix, in 1/10000 USD.
// Falls back to per-channel defaults when no rate has been learned. The
// dispatcher uses it for the fraud savings ledger.
func (l *Learner) EstimateCost(ctx context.Context, channel, phonePrefix string) int64 {
	rate, err := l.rates.Lookup(ctx, channel, phonePrefix, "")
	if err != nil {
		l.logger.Error("looking up rate", "channel", channel, "prefix", phonePrefix, "error", err)
	}
	if rate != nil && rate.RateAvg > 0 {
		return rate.RateAvg
	}
	if channel == string(models.ChannelVoice) {
		return defaultVoiceCost
	}
	return defaultSmsCost
}

func digits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
