package stream

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/delta-bot/internal/types"
	"github.com/tidwall/gjson"
)

// AuthFrame is the outbound authentication message.
type AuthFrame struct {
	Type    string      `json:"type"`
	Payload AuthPayload `json:"payload"`
}

// AuthPayload carries the signed credentials.
type AuthPayload struct {
	APIKey    string `json:"api-key"`
	Signature string `json:"signature"`
	Timestamp string `json:"timestamp"`
}

// SubscribeFrame is the outbound channel subscription message.
type SubscribeFrame struct {
	Type    string           `json:"type"`
	Payload SubscribePayload `json:"payload"`
}

// SubscribePayload lists the channels to join.
type SubscribePayload struct {
	Channels []Channel `json:"channels"`
}

// Channel is a named channel and its symbols.
type Channel struct {
	Name    string   `json:"name"`
	Symbols []string `json:"symbols"`
}

// NewSubscribeFrame subscribes to a single channel for one symbol.
func NewSubscribeFrame(channel, symbol string) SubscribeFrame {
	return SubscribeFrame{
		Type: "subscribe",
		Payload: SubscribePayload{
			Channels: []Channel{{Name: channel, Symbols: []string{symbol}}},
		},
	}
}

// inbound is the part of a server frame the bot acts on.
type inbound struct {
	authAck    bool
	subscribed bool
	hasPrice   bool
	price      decimal.Decimal
	symbol     string
}

// parseFrame decodes a server frame. A frame without mark_price is valid and
// carries no price; an unparseable frame or a non-numeric mark_price is malformed.
func parseFrame(msg []byte) (inbound, error) {
	var in inbound

	if !gjson.ValidBytes(msg) {
		return in, fmt.Errorf("%w: invalid json", types.ErrMalformedFrame)
	}
	res := gjson.ParseBytes(msg)
	if !res.IsObject() {
		return in, fmt.Errorf("%w: not an object", types.ErrMalformedFrame)
	}

	typ := res.Get("type").String()
	in.authAck = typ == "success" || res.Get("message").String() == "Authenticated"
	in.subscribed = typ == "subscriptions"
	in.symbol = res.Get("symbol").String()

	mp := res.Get("mark_price")
	if !mp.Exists() {
		return in, nil
	}

	price, err := parsePrice(mp)
	if err != nil {
		return inbound{}, err
	}
	in.hasPrice = true
	in.price = price
	return in, nil
}

// parsePrice accepts a JSON number or a numeric string.
func parsePrice(v gjson.Result) (decimal.Decimal, error) {
	if v.Type != gjson.Number && v.Type != gjson.String {
		return decimal.Decimal{}, fmt.Errorf("%w: mark_price is %s", types.ErrMalformedFrame, v.Type)
	}
	raw := v.String()
	if v.Type == gjson.Number {
		raw = v.Raw
	}
	price, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: mark_price %q: %v", types.ErrMalformedFrame, raw, err)
	}
	return price, nil
}
