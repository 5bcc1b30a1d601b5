package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

type leaveNotification struct {
	Action string `json:"action"`
}

// LeaveBeacon notifies the backend that the user left, fire-and-forget.
// It is safe to call from unload paths: the request runs on its own
// goroutine with a detached short-deadline context, and the caller never
// observes the outcome.
func (c *Client) LeaveBeacon(sessionID string) {
	endpoint := fmt.Sprintf("%s/session/%s/leave/", c.baseURL, sessionID)
	body, _ := json.Marshal(&leaveNotification{Action: "leave"})
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.beaconTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			c.logger.Debug().Err(err).Msg("leave beacon not sent")
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.token)

		resp, err := c.httpc.Do(req)
		if err != nil {
			c.logger.Debug().Err(err).Msg("leave beacon not delivered")
			return
		}
		_ = resp.Body.Close()
		c.logger.Debug().Str("sessionID", sessionID).Msg("leave beacon sent")
	}()
}
