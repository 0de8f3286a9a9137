// Package anomaly is the Anomaly Detector (C12): spike and silence
// checks over recent MeterReadings, run on a fixed schedule.
package anomaly

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dualrail/ratepipe/domain"
	"github.com/dualrail/ratepipe/meterstore"
	"github.com/dualrail/ratepipe/money"
)

// Kind distinguishes the two anomaly classes this detector raises.
type Kind string

const (
	Spike   Kind = "spike"
	Silence Kind = "silence"
)

// minSpikeSamples is the minimum number of prior readings required
// before a spike can be evaluated; below this, baselines are too noisy
// to trust.
const minSpikeSamples = 10

// spikeFactor is how many times the trailing baseline mean the latest
// reading must exceed to count as a spike.
var spikeFactor = money.MustNew("3.0")

// defaultSilenceHours is how long a meter can go quiet before it is
// flagged, absent an explicit override.
const defaultSilenceHours = 24

// Anomaly is one detected condition.
type Anomaly struct {
	CustomerID uuid.UUID
	MeterKey   string
	Kind       Kind
	DetectedAt time.Time
	Details    string
	// Baseline and Latest are populated for Spike; zero for Silence.
	Baseline money.Decimal
	Latest   money.Decimal
}

// Detector runs the spike/silence checks against a meter-reading store.
type Detector struct {
	meters meterstore.Store
}

func New(meters meterstore.Store) *Detector {
	return &Detector{meters: meters}
}

// DetectSpike compares the latest reading for (customerID, meterKey)
// against the mean of the readings preceding it over the last 30 days,
// excluding the latest reading itself from the baseline. It requires at
// least minSpikeSamples prior readings to avoid false positives from a
// thin history.
func (d *Detector) DetectSpike(ctx context.Context, customerID uuid.UUID, meterKey string, now time.Time) (*Anomaly, error) {
	window := domain.Window{Start: now.AddDate(0, 0, -30), End: now}
	readings, err := d.meters.List(ctx, customerID, &meterKey, window, meterstore.Descending)
	if err != nil {
		return nil, fmt.Errorf("anomaly: list readings: %w", err)
	}
	if len(readings) < minSpikeSamples+1 {
		return nil, nil
	}

	latest := readings[0]
	priors := readings[1:]

	sum := money.Zero
	for _, r := range priors {
		sum = sum.Add(r.Value)
	}
	baseline, err := sum.Div(money.FromInt64(int64(len(priors))))
	if err != nil {
		return nil, nil // zero priors, already guarded above, but stay defensive
	}

	threshold := baseline.Mul(spikeFactor)
	if !latest.Value.GreaterThan(threshold) {
		return nil, nil
	}

	return &Anomaly{
		CustomerID: customerID,
		MeterKey:   meterKey,
		Kind:       Spike,
		DetectedAt: now,
		Baseline:   baseline,
		Latest:     latest.Value,
		Details:    fmt.Sprintf("latest %s exceeds %sx baseline %s", latest.Value.String(), spikeFactor.String(), baseline.String()),
	}, nil
}

// DetectSilence reports whether a meter that has historical data has
// produced zero readings in the trailing silenceWindow (default 24h).
func (d *Detector) DetectSilence(ctx context.Context, customerID uuid.UUID, meterKey string, now time.Time, silenceWindow time.Duration) (*Anomaly, error) {
	if silenceWindow <= 0 {
		silenceWindow = defaultSilenceHours * time.Hour
	}

	recent := domain.Window{Start: now.Add(-silenceWindow), End: now}
	readings, err := d.meters.List(ctx, customerID, &meterKey, recent, meterstore.Ascending)
	if err != nil {
		return nil, fmt.Errorf("anomaly: list recent readings: %w", err)
	}
	if len(readings) > 0 {
		return nil, nil
	}

	// Only flag silence for meters with actual history; a meter that has
	// never reported anything isn't "gone silent", it's simply unused.
	historical := domain.Window{Start: now.AddDate(0, 0, -90), End: now.Add(-silenceWindow)}
	prior, err := d.meters.List(ctx, customerID, &meterKey, historical, meterstore.Ascending)
	if err != nil {
		return nil, fmt.Errorf("anomaly: list historical readings: %w", err)
	}
	if len(prior) == 0 {
		return nil, nil
	}

	return &Anomaly{
		CustomerID: customerID,
		MeterKey:   meterKey,
		Kind:       Silence,
		DetectedAt: now,
		Details:    fmt.Sprintf("no readings in the last %s despite prior history", silenceWindow),
	}, nil
}

// ScanMeters runs both checks for every meter key against one customer,
// returning every anomaly found.
func (d *Detector) ScanMeters(ctx context.Context, customerID uuid.UUID, meterKeys []string, now time.Time, silenceWindow time.Duration) ([]Anomaly, error) {
	var found []Anomaly
	for _, key := range meterKeys {
		if spike, err := d.DetectSpike(ctx, customerID, key, now); err != nil {
			return nil, err
		} else if spike != nil {
			found = append(found, *spike)
		}
		if silence, err := d.DetectSilence(ctx, customerID, key, now, silenceWindow); err != nil {
			return nil, err
		} else if silence != nil {
			found = append(found, *silence)
		}
	}
	return found, nil
}
