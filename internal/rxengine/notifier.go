package rxengine

import (
	"context"

	"firestige.xyz/toe/internal/core"
	"firestige.xyz/toe/internal/log"
	"firestige.xyz/toe/internal/metrics"
)

// appNotifier holds each notification until its buffer write completes. A failed
// completion suppresses the notification and raises the sticky write error.
type appNotifier struct {
	in          <-chan pendingNotification
	split       <-chan bool
	completions <-chan core.WriteStatus
	out         chan<- core.Notification
	counters    *Counters
	log         log.Logger

	pending  pendingNotification
	awaiting int
	failed   bool
}

func (s *appNotifier) Reset() {
	s.pending = pendingNotification{}
	s.awaiting = 0
	s.failed = false
}

func (s *appNotifier) run(ctx context.Context) error {
	defer close(s.out)
	for {
		p, ok, err := recv(ctx, s.in)
		if err != nil || !ok {
			return err
		}
		if err := s.process(ctx, p); err != nil {
			return err
		}
	}
}

func (s *appNotifier) process(ctx context.Context, p pendingNotification) error {
	s.Reset()
	s.pending = p
	if p.hasWrite {
		split, ok, err := recv(ctx, s.split)
		if err != nil {
			return err
		}
		if !ok {
			return errStreamBroken
		}
		s.awaiting = 1
		if split {
			s.awaiting = 2
		}
		for ; s.awaiting > 0; s.awaiting-- {
			st, ok, err := recv(ctx, s.completions)
			if err != nil {
				return err
			}
			if !ok {
				return errStreamBroken
			}
			if !st.OK {
				s.failed = true
			}
		}
	}

	n := s.pending.n
	if s.failed {
		s.counters.setWriteError()
		s.log.WithField("stage", "notifier").WithField("session", n.Session).Warn("receive buffer write failed")
		return nil
	}
	if n.Length == 0 && !n.Closed {
		return nil
	}
	metrics.NotificationsTotal.Inc()
	return send(ctx, s.out, n)
}
