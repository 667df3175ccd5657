package main

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/go-i2p/go-fleet"
)

const writeTimeout = 10 * time.Second

// notifyHandler greets each client with the banner, then streams broadcast
// events to it as JSON lines until either side goes away. Client input is
// read and discarded.
type notifyHandler struct {
	banner []byte
	logger *zap.Logger
}

type eventLine struct {
	Event any `json:"event"`
}

func (h *notifyHandler) ServeClient(ctx context.Context, c *fleet.Client) error {
	if len(h.banner) > 0 {
		c.SetWriteDeadline(time.Now().Add(writeTimeout))
		if _, err := c.Write(h.banner); err != nil {
			return err
		}
	}

	readErr := make(chan error, 1)
	go func() {
		buf := make([]byte, 4096)
		for {
			if _, err := c.Read(buf); err != nil {
				readErr <- err
				return
			}
		}
	}()

	enc := json.NewEncoder(c)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.Done():
			return nil
		case err := <-readErr:
			return err
		case ev := <-c.Events():
			c.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := enc.Encode(eventLine{Event: ev}); err != nil {
				h.logger.Debug("failed to notify client", zap.Uint64("client", uint64(c.ID())), zap.Error(err))
				return err
			}
		}
	}
}
