package notify

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/akmatori/alertflow/internal/database"
)

// Poster posts a message to the chat workspace; *slack.Manager implements it
type Poster interface {
	Post(ctx context.Context, text string) (string, error)
}

// Chat delivers notifications to a chat channel under a rate limit
type Chat struct {
	poster  Poster
	limiter *rate.Limiter
}

// NewChat creates the CHAT channel allowing perMinute messages per minute
func NewChat(poster Poster, perMinute int) *Chat {
	if perMinute <= 0 {
		perMinute = 20
	}
	burst := perMinute / 4
	if burst < 1 {
		burst = 1
	}
	return &Chat{
		poster:  poster,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), burst),
	}
}

func (c *Chat) Name() database.Channel { return database.ChannelChat }

// Send waits for the rate limiter, so a burst of events is spread out
// instead of failing
func (c *Chat) Send(ctx context.Context, p Payload) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err := c.poster.Post(ctx, p.Body)
	return err
}
