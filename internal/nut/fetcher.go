package nut

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultRetryAttempts = 3
	DefaultRetryDelay    = 500 * time.Millisecond
)

// Fetcher issues LIST commands over a connection, retrying busy replies a
// bounded number of times. It never closes the connection; that belongs to
// the Manager.
type Fetcher struct {
	attempts int
	delay    time.Duration
	log      *zap.Logger
}

// NewFetcher returns a Fetcher making at most attempts tries per command,
// pausing delay between them. Non-positive values select the defaults.
func NewFetcher(attempts int, delay time.Duration, log *zap.Logger) *Fetcher {
	if attempts <= 0 {
		attempts = DefaultRetryAttempts
	}
	if delay < 0 {
		delay = DefaultRetryDelay
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Fetcher{attempts: attempts, delay: delay, log: log}
}

// ListDevices returns the devices served by the connection's upsd.
// Unlike FetchVariables it reports every failure to the caller, since
// without a device list there is nothing to degrade to.
func (f *Fetcher) ListDevices(ctx context.Context, c Commander) ([]DeviceInfo, error) {
	var devices []DeviceInfo
	err := f.retry(ctx, zap.String("command", EncodeListUPS()), func() error {
		lines, err := c.Command(ctx, EncodeListUPS())
		if err != nil {
			return err
		}
		devices, err = DecodeDeviceList(lines)
		return err
	})
	return devices, err
}

// FetchVariables returns every variable of device. Busy replies are retried;
// when retries run out, or the reply is an ERR or cannot be decoded, an
// empty VariableSet is returned and the degradation is logged. Only
// transport failures (*ConnectionError) and context cancellation are
// returned as errors.
func (f *Fetcher) FetchVariables(ctx context.Context, c Commander, device string) (VariableSet, error) {
	var vars VariableSet
	err := f.retry(ctx, zap.String("device", device), func() error {
		lines, err := c.Command(ctx, EncodeListVars(device))
		if err != nil {
			return err
		}
		vars, err = DecodeVariableList(device, lines)
		return err
	})
	if err == nil {
		return vars, nil
	}
	if IsConnectionError(err) || ctx.Err() != nil {
		return nil, err
	}
	reason := "protocol error"
	if IsTransientBusy(err) {
		reason = "busy retries exhausted"
	}
	f.log.Warn("nut fetch degraded",
		zap.String("device", device),
		zap.String("reason", reason),
		zap.Int("attempts", f.attempts),
		zap.Error(err))
	return VariableSet{}, nil
}

// retry runs op until it succeeds, fails with a non-busy error, or the
// attempt budget is spent. The last error is returned.
func (f *Fetcher) retry(ctx context.Context, field zap.Field, op func() error) error {
	var err error
	for attempt := 1; attempt <= f.attempts; attempt++ {
		err = op()
		if err == nil || !IsTransientBusy(err) || IsConnectionError(err) {
			return err
		}
		if attempt == f.attempts {
			break
		}
		f.log.Debug("nut device busy, retrying", field, zap.Int("attempt", attempt))
		if serr := sleep(ctx, f.delay); serr != nil {
			return serr
		}
	}
	return err
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
