package kernel

import (
	"context"
	"time"
)

// doctorLoop is the connection supervisor: on every tick it decrements
// each ICU entry's countdown, and once it reaches zero, attempts to redial
// the neighbour. A failed redial consumes one health point and reschedules
// the next attempt using the configured backoff curve; a neighbour that
// exhausts its health points is discarded for good.
func (k *Kernel) doctorLoop(ctx context.Context) error {
	ticker := time.NewTicker(k.cfg.DoctorPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			k.doctorTick(ctx)
		}
	}
}

func (k *Kernel) doctorTick(ctx context.Context) {
	k.icuMu.Lock()
	due := make([]*icuEntry, 0, len(k.icu))
	for _, e := range k.icu {
		e.countdown--
		if e.countdown <= 0 {
			due = append(due, e)
		}
	}
	k.icuMu.Unlock()

	for _, e := range due {
		if ctx.Err() != nil {
			return
		}
		if err := k.Connect(e.controlAddr); err == nil {
			// welcomeConnection already removed the entry from the ICU.
			continue
		}
		k.icuMu.Lock()
		cur, ok := k.icu[e.id]
		if !ok {
			k.icuMu.Unlock()
			continue // reconnected through some other path meanwhile
		}
		cur.health--
		if cur.health <= 0 {
			delete(k.icu, e.id)
			k.icuMu.Unlock()
			k.log.Info("neighbour discharged from ICU, giving up", "neighbour", e.id)
			continue
		}
		cur.attempt++
		backoff := k.cfg.DoctorCurve.Next(k.cfg.DoctorBaseBackoff, cur.attempt)
		cur.countdown = int(backoff / k.cfg.DoctorPeriod)
		if cur.countdown < 1 {
			cur.countdown = 1
		}
		k.icuMu.Unlock()
		k.log.Debug("reconnect attempt failed", "neighbour", e.id, "health", cur.health, "next_attempt_ticks", cur.countdown)
	}
}
