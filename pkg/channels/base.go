package channels

import (
	"context"
	"time"
)

// Channel is a chat gateway that feeds the archive pipeline.
type Channel interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	IsRunning() bool
}

var timeNow = time.Now
