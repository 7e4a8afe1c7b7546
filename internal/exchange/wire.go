// wire.go defines the futures-exchange WebSocket wire protocol.
//
// Outbound frames are method calls:
//
//	{"method": "sub.deal",       "param": {"symbol": "BTC_USDT"}}
//	{"method": "sub.depth",      "param": {"symbol": "BTC_USDT"}}
//	{"method": "sub.depth.full", "param": {"symbol": "BTC_USDT", "limit": 20}}
//	{"method": "ping",           "param": {}}
//
// Inbound frames carry a channel discriminator:
//
//	{"channel": "rs.sub.deal",    "data": "success", "symbol": "BTC_USDT"}
//	{"channel": "push.deal",      "symbol": ..., "data": [{"p":..,"v":..,"T":..,"t":..}]}
//	{"channel": "push.depth",     "symbol": ..., "data": {"bids":[[p,q,c]],"asks":[[p,q,c]],"version":N}}
//	{"channel": "push.depth.full","symbol": ..., "data": {...}}
//	{"channel": "pong",           "data": <server_ts>}
package exchange

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Subscription channels. ChannelDeal carries trades; ChannelDepth carries
// incremental book deltas; ChannelDepthFull carries full snapshots.
const (
	ChannelDeal      = "deal"
	ChannelDepth     = "depth"
	ChannelDepthFull = "depth.full"
)

// Inbound channel discriminators.
const (
	chanPushDeal      = "push.deal"
	chanPushDepth     = "push.depth"
	chanPushDepthFull = "push.depth.full"
	chanPong          = "pong"
	ackPrefix         = "rs.sub."
	ackErrorPrefix    = "rs.error"
)

// wsRequest is an outbound method frame.
type wsRequest struct {
	Method string         `json:"method"`
	Param  map[string]any `json:"param"`
}

func subscribeRequest(channel, symbol string) wsRequest {
	param := map[string]any{"symbol": symbol}
	if channel == ChannelDepthFull {
		param["limit"] = bookDepthLimit
	}
	return wsRequest{Method: "sub." + channel, Param: param}
}

func unsubscribeRequest(channel, symbol string) wsRequest {
	return wsRequest{Method: "unsub." + channel, Param: map[string]any{"symbol": symbol}}
}

func pingRequest() wsRequest {
	return wsRequest{Method: "ping", Param: map[string]any{}}
}

// wsMessage is the inbound envelope. Data stays raw until the channel is
// known.
type wsMessage struct {
	Channel string          `json:"channel"`
	Symbol  string          `json:"symbol"`
	Data    json.RawMessage `json:"data"`
	Ts      int64           `json:"ts"`
}

// dealEntry is one trade inside a push.deal frame.
// T is the aggressor side: 1 = buy, 2 = sell.
type dealEntry struct {
	Price     decimal.Decimal `json:"p"`
	Volume    decimal.Decimal `json:"v"`
	TradeType int             `json:"T"`
	Timestamp int64           `json:"t"` // milliseconds
}

// depthData is the body of push.depth and push.depth.full frames.
// Levels are [price, quantity, order-count] triples; only the first two
// matter here.
type depthData struct {
	Bids    [][]decimal.Decimal `json:"bids"`
	Asks    [][]decimal.Decimal `json:"asks"`
	Version int64               `json:"version"`
}

// subscriptionAck is the body shape of rs.sub.* frames. The data field is
// the literal string "success" on success and an error description otherwise.
type subscriptionAck struct {
	channel string // original channel, e.g. "deal"
	symbol  string
	success bool
	errMsg  string
}

// parseAck interprets an rs.sub.<channel> frame.
func parseAck(msg wsMessage) (subscriptionAck, error) {
	channel := strings.TrimPrefix(msg.Channel, ackPrefix)

	var data string
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		return subscriptionAck{}, fmt.Errorf("parse ack data: %w", err)
	}

	ack := subscriptionAck{
		channel: channel,
		symbol:  msg.Symbol,
		success: data == "success",
	}
	if !ack.success {
		ack.errMsg = data
	}
	return ack, nil
}

func isAck(channel string) bool {
	return strings.HasPrefix(channel, ackPrefix)
}
