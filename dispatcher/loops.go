package dispatcher

import (
	"context"
	"crypto/rand"
	"time"

	"github.com/pkg/errors"
)

// flowControlLoop periodically flushes any inbound-credit the reader
// loop accumulated but did not yet cross the immediate-flush threshold
// for, so a slow-but-steady stream of small DATA frames still gets its
// window replenished (spec.md section 4.6.3). Grounded in spirit on the
// teacher's fixed read-then-immediately-acknowledge strategy, generalized
// to a ticker since this client batches acknowledgment instead.
func (d *Dispatcher) flowControlLoop(ctx context.Context) error {
	interval := d.cfg.FlowControlInterval
	if interval <= 0 {
		interval = 1000 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n := d.connCredit.Take(); n > 0 {
				if err := d.WriteWindowUpdate(0, n); err != nil {
					return err
				}
			}
			for _, e := range d.registry.All() {
				if n := e.InboundCredit.Take(); n > 0 {
					if err := d.WriteWindowUpdate(e.ID, n); err != nil {
						return err
					}
				}
			}
		}
	}
}

// pingLoop sends a PING at cfg.PingInterval and fails the connection if
// the peer does not ACK within cfg.PingTimeout, matching the optional
// liveness check spec.md section 4.6.4 describes; disabled when
// cfg.PingInterval is zero (Run does not start this goroutine at all).
func (d *Dispatcher) pingLoop(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.PingInterval)
	defer ticker.Stop()

	timeout := d.cfg.PingTimeout
	if timeout <= 0 {
		timeout = d.cfg.PingInterval
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			var payload [8]byte
			if _, err := rand.Read(payload[:]); err != nil {
				return errors.Wrap(err, "dispatcher: generating ping payload")
			}
			reply := d.control.RegisterPing(payload)
			if err := d.WritePing(payload); err != nil {
				return err
			}
			select {
			case res := <-reply:
				if res.Err != nil {
					return errors.Wrap(res.Err, "dispatcher: ping failed")
				}
			case <-time.After(timeout):
				d.control.FailPing(payload, errors.New("dispatcher: ping timed out"))
				return errors.New("dispatcher: ping timed out, connection considered dead")
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}
