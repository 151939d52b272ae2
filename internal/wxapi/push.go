package wxapi

import (
	"context"
	"fmt"
	"net/http"

	"wxgate/internal/domain"
	"wxgate/internal/message"
)

// Push sends p to openID as a custom-service message. Unlike passive
// replies, every packet type can be pushed.
func (c *Client) Push(ctx context.Context, creds domain.Credentials, openID string, p message.Packet) error {
	body, err := message.EncodeCustom(openID, p)
	if err != nil {
		return fmt.Errorf("push to %s: %w", openID, err)
	}
	if err := c.Call(ctx, creds, http.MethodPost, "/cgi-bin/message/custom/send", body, nil); err != nil {
		return fmt.Errorf("push to %s: %w", openID, err)
	}
	c.logger.Debug("custom message pushed", "app_id", creds.AppID, "to", openID, "msg_type", p.MsgType())
	return nil
}
