// Package control runs the fixed-rate command loop. The robot enters a
// protected state when commands stop arriving, so the loop period is bounded
// and every exit sends the deinitialize command over the reliable channel.
package control

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/robotlink/internal/observability"
	"github.com/danmuck/robotlink/internal/protocol"
)

// MaxPeriod is the longest gap between commands the robot watchdog tolerates.
const MaxPeriod = 250 * time.Millisecond

var (
	ErrInvalidConfig = errors.New("control: invalid config")
	ErrSend          = errors.New("control: send failed")
	ErrDeinit        = errors.New("control: deinitialize failed")
)

// Sender writes one Down envelope.
type Sender interface {
	Send(ctx context.Context, d protocol.Down) error
}

type SenderFunc func(ctx context.Context, d protocol.Down) error

func (f SenderFunc) Send(ctx context.Context, d protocol.Down) error {
	return f(ctx, d)
}

// Channels routes loop traffic. Done, if set, stops the loop when closed,
// typically Session.Done. Reached, if set, stops it once the goal the caller
// watches for has been met, e.g. WriteOnce.Done.
type Channels struct {
	Authoritative Sender
	Reliable      Sender
	Done          <-chan struct{}
	Reached       <-chan struct{}
}

// Producer builds a fresh command for each tick.
type Producer func(tick int, elapsed time.Duration) protocol.Down

// Constant returns a Producer that repeats d.
func Constant(d protocol.Down) Producer {
	return func(int, time.Duration) protocol.Down { return d }
}

type Config struct {
	Period        time.Duration
	Duration      time.Duration // 0 runs until ctx ends
	DeinitTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Period:        20 * time.Millisecond,
		DeinitTimeout: 2 * time.Second,
	}
}

func (c Config) Validate() error {
	if c.Period <= 0 || c.Period > MaxPeriod {
		return fmt.Errorf("%w: period %s outside (0, %s]", ErrInvalidConfig, c.Period, MaxPeriod)
	}
	if c.Duration < 0 {
		return fmt.Errorf("%w: negative duration", ErrInvalidConfig)
	}
	if c.DeinitTimeout <= 0 {
		return fmt.Errorf("%w: deinit timeout must be positive", ErrInvalidConfig)
	}
	return nil
}

type StopReason int

const (
	StopDuration StopReason = iota
	StopCancelled
	StopSendError
	StopChannelEnded
	StopReached
	StopInvalid
)

func (r StopReason) String() string {
	switch r {
	case StopDuration:
		return "duration"
	case StopCancelled:
		return "cancelled"
	case StopSendError:
		return "send_error"
	case StopChannelEnded:
		return "channel_ended"
	case StopReached:
		return "reached"
	default:
		return "invalid"
	}
}

type Result struct {
	Ticks      int
	Sent       int
	Elapsed    time.Duration
	Reason     StopReason
	DeinitSent bool
}

// Run sends one Down per period on the authoritative channel until Duration
// elapses, ctx ends, Done or Reached closes, or a send fails. A failed send
// stops the loop within the current period. Whatever the exit, deinit is then sent once on
// the reliable channel with a fresh context bounded by DeinitTimeout.
func Run(ctx context.Context, cfg Config, ch Channels, produce Producer, deinit protocol.Down) (Result, error) {
	log := observability.Component("control")
	start := time.Now()
	res := Result{Reason: StopInvalid}

	if ch.Reliable == nil {
		return res, fmt.Errorf("%w: no reliable channel for deinit", ErrInvalidConfig)
	}
	var loopErr error
	switch {
	case ch.Authoritative == nil:
		loopErr = fmt.Errorf("%w: no authoritative channel", ErrInvalidConfig)
	case produce == nil:
		loopErr = fmt.Errorf("%w: no producer", ErrInvalidConfig)
	default:
		loopErr = cfg.Validate()
	}
	if loopErr == nil {
		log.Info().Dur("period", cfg.Period).Dur("duration", cfg.Duration).Msg("control loop start")
		loopErr = loop(ctx, cfg, ch, produce, start, &res)
	}
	res.Elapsed = time.Since(start)

	deinitTimeout := cfg.DeinitTimeout
	if deinitTimeout <= 0 {
		deinitTimeout = DefaultConfig().DeinitTimeout
	}
	dctx, cancel := context.WithTimeout(context.Background(), deinitTimeout)
	derr := ch.Reliable.Send(dctx, deinit)
	cancel()
	if derr != nil {
		derr = fmt.Errorf("%w: %w", ErrDeinit, derr)
		log.Error().Err(derr).Msg("deinitialize not delivered")
	} else {
		res.DeinitSent = true
	}

	log.Info().
		Int("ticks", res.Ticks).
		Int("sent", res.Sent).
		Str("reason", res.Reason.String()).
		Bool("deinit_sent", res.DeinitSent).
		Msg("control loop stop")
	return res, errors.Join(loopErr, derr)
}

func loop(ctx context.Context, cfg Config, ch Channels, produce Producer, start time.Time, res *Result) error {
	ticker := time.NewTicker(cfg.Period)
	defer ticker.Stop()

	var deadline <-chan time.Time
	if cfg.Duration > 0 {
		timer := time.NewTimer(cfg.Duration)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			res.Reason = StopCancelled
			return nil
		case <-deadline:
			res.Reason = StopDuration
			return nil
		case <-ch.Done:
			res.Reason = StopChannelEnded
			return nil
		case <-ch.Reached:
			res.Reason = StopReached
			return nil
		case <-ticker.C:
			d := produce(res.Ticks, time.Since(start))
			res.Ticks++
			sendCtx, cancel := context.WithTimeout(ctx, cfg.Period)
			err := ch.Authoritative.Send(sendCtx, d)
			cancel()
			if err != nil {
				observability.RecordControlTick("send_error")
				res.Reason = StopSendError
				return fmt.Errorf("%w: tick %d: %w", ErrSend, res.Ticks, err)
			}
			observability.RecordControlTick("sent")
			res.Sent++
		}
	}
}
