// ABOUTME: Typing indicator keepalive shown while a response is generated.
// ABOUTME: Refreshes the indicator on an interval and clears it when stopped.

package relay

import (
	"context"
	"time"
)

// typingClearTimeout bounds the final "stopped typing" call, which runs even
// when the exchange context is already cancelled.
const typingClearTimeout = 10 * time.Second

// startTyping turns the typing indicator on and keeps it on until the
// returned func is called. The stop func blocks until the indicator is
// cleared.
func (s *Service) startTyping(ctx context.Context, channelID string) func() {
	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		s.setTyping(loopCtx, channelID, true)

		if s.cfg.TypingInterval <= 0 {
			<-loopCtx.Done()
			return
		}

		ticker := time.NewTicker(s.cfg.TypingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				s.setTyping(loopCtx, channelID, true)
			}
		}
	}()

	return func() {
		cancel()
		<-done

		clearCtx, clearCancel := context.WithTimeout(context.WithoutCancel(ctx), typingClearTimeout)
		defer clearCancel()
		s.setTyping(clearCtx, channelID, false)
	}
}

func (s *Service) setTyping(ctx context.Context, channelID string, typing bool) {
	if err := s.messenger.SetTyping(ctx, channelID, typing); err != nil && ctx.Err() == nil {
		s.logger.Debug("failed to set typing indicator", "channel_id", channelID, "typing", typing, "error", err)
	}
}
