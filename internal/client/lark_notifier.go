package client

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	lark "github.com/larksuite/oapi-sdk-go/v3"
	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"

	"github.com/pesio-ai/be-plt-approvals/internal/service"
)

type sendMessageFunc func(ctx context.Context, req *larkim.CreateMessageReq, opts ...larkcore.RequestOptionFunc) (*larkim.CreateMessageResp, error)

// LarkNotifier sends carbon-copy notifications as Lark IM text messages.
// Recipient IDs are used as Lark receive IDs of the configured type.
type LarkNotifier struct {
	send          sendMessageFunc
	receiveIDType string
}

var _ service.Notifier = (*LarkNotifier)(nil)

// NewLarkNotifier creates a notifier for a Lark custom app.
func NewLarkNotifier(appID, appSecret, receiveIDType string) *LarkNotifier {
	client := lark.NewClient(appID, appSecret, lark.WithLogLevel(larkcore.LogLevelWarn))
	return newLarkNotifier(client.Im.Message.Create, receiveIDType)
}

func newLarkNotifier(send sendMessageFunc, receiveIDType string) *LarkNotifier {
	if receiveIDType == "" {
		receiveIDType = larkim.ReceiveIdTypeUserId
	}
	return &LarkNotifier{send: send, receiveIDType: receiveIDType}
}

// Notify implements service.Notifier.
func (n *LarkNotifier) Notify(ctx context.Context, msg *service.Notification) error {
	content, err := json.Marshal(map[string]string{"text": larkText(msg)})
	if err != nil {
		return fmt.Errorf("lark: marshal content: %w", err)
	}

	resp, err := n.send(ctx, larkim.NewCreateMessageReqBuilder().
		ReceiveIdType(n.receiveIDType).
		Body(larkim.NewCreateMessageReqBodyBuilder().
			ReceiveId(msg.RecipientID).
			MsgType(larkim.MsgTypeText).
			Content(string(content)).
			Build()).
		Build())
	if err != nil {
		return fmt.Errorf("lark: send message: %w", err)
	}
	if !resp.Success() {
		return fmt.Errorf("lark: send message: code %d: %s", resp.Code, resp.Msg)
	}
	return nil
}

func larkText(msg *service.Notification) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", msg.Status, msg.InstanceNo)
	if msg.Title != "" {
		fmt.Fprintf(&b, " %s", msg.Title)
	}
	fmt.Fprintf(&b, "\n%s %s", msg.EntityType, msg.EntityID)
	if msg.FinalComment != "" {
		fmt.Fprintf(&b, "\n%s", msg.FinalComment)
	}
	return b.String()
}
