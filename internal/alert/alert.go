// Package alert normalizes inbound trading-alert payloads into a strict
// domain.ParsedTrade plus a human-readable message body.
//
// Parsing never fails: unknown or malformed fields fall back to "N/A" in the
// rendered content and to nil/empty values in the trade.
package alert

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/tbourn/alertdesk/internal/domain"
)

// NA is rendered for any field the payload did not provide.
const NA = "N/A"

// Recognized payload keys, in lookup priority order.
var (
	symbolKeys   = []string{"ticker", "symbol"}
	actionKeys   = []string{"action", "side", "order_action"}
	priceKeys    = []string{"price", "close"}
	quantityKeys = []string{"lot", "lotsize", "quantity", "qty", "contracts"}
	slKeys       = []string{"sl", "stop_loss"}
	tpKeys       = []string{"tp", "take_profit"}
)

// Alert is the normalized form of one inbound payload.
type Alert struct {
	Trade     domain.ParsedTrade
	Raw       map[string]any // original payload minus the secret
	Content   string
	Message   string
	Strategy  string
	Time      string
	RequestID string
	Secret    string
	// Structured is false when the body was not a JSON object.
	Structured bool
}

// Parse decodes body. A body that is not a JSON object becomes a text alert
// whose message is the raw body.
func Parse(body []byte) Alert {
	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err != nil || obj == nil {
		text := strings.TrimSpace(string(body))
		a := Alert{
			Raw:     map[string]any{"message": text},
			Message: text,
		}
		a.Content = render(a, "", "", "", "", "")
		return a
	}
	return FromMap(obj)
}

// FromMap normalizes an already decoded payload.
func FromMap(obj map[string]any) Alert {
	f := fields{raw: obj, folded: make(map[string]any, len(obj))}
	for k, v := range obj {
		lk := strings.ToLower(k)
		if _, dup := f.folded[lk]; !dup || k == lk {
			f.folded[lk] = v
		}
	}

	a := Alert{Structured: true}
	a.Secret = f.str("secret")
	a.RequestID = f.str("request_id")
	a.Message = f.str("message")
	a.Strategy = f.str("strategy")
	a.Time = f.str("time")

	a.Trade.Symbol = strings.ToUpper(f.str(symbolKeys...))
	rawAction := f.str(actionKeys...)
	a.Trade.Action = NormalizeAction(rawAction)

	var priceText, qtyText, slText, tpText string
	a.Trade.Price, priceText = f.num(priceKeys...)
	a.Trade.Quantity, qtyText = f.num(quantityKeys...)
	a.Trade.StopLoss, slText = f.num(slKeys...)
	a.Trade.TakeProfit, tpText = f.num(tpKeys...)

	a.Raw = make(map[string]any, len(obj))
	for k, v := range obj {
		if strings.EqualFold(k, "secret") {
			continue
		}
		a.Raw[k] = v
	}
	a.Content = render(a, rawAction, priceText, qtyText, slText, tpText)
	return a
}

// NormalizeAction maps broker-ish verbs onto buy/sell/close. Unknown verbs are
// returned lowercased so they stay visible.
func NormalizeAction(s string) string {
	switch v := strings.ToLower(strings.TrimSpace(s)); v {
	case "buy", "long":
		return domain.ActionBuy
	case "sell", "short":
		return domain.ActionSell
	case "close", "exit", "flat", "close_all", "closeall":
		return domain.ActionClose
	default:
		return v
	}
}

// Tradable reports whether a trade carries enough to be forwarded.
func Tradable(t domain.ParsedTrade) bool {
	switch t.Action {
	case domain.ActionBuy, domain.ActionSell, domain.ActionClose:
	default:
		return false
	}
	return t.Symbol != ""
}

func render(a Alert, rawAction, price, qty, sl, tp string) string {
	icon := "🔔"
	switch a.Trade.Action {
	case domain.ActionBuy:
		icon = "📈"
	case domain.ActionSell:
		icon = "📉"
	case domain.ActionClose:
		icon = "⏹"
	}
	action := strings.ToUpper(strings.TrimSpace(rawAction))
	if a.Trade.Action == domain.ActionBuy || a.Trade.Action == domain.ActionSell || a.Trade.Action == domain.ActionClose {
		action = strings.ToUpper(a.Trade.Action)
	}

	var b strings.Builder
	if !a.Structured {
		b.WriteString(icon + " Alert")
		if a.Message != "" {
			b.WriteString("\n" + a.Message)
		}
		return b.String()
	}
	b.WriteString(icon + " " + orNA(action) + " " + orNA(a.Trade.Symbol) + " @ " + orNA(price))
	b.WriteString("\nLot: " + orNA(qty) + " | SL: " + orNA(sl) + " | TP: " + orNA(tp))
	if a.Strategy != "" {
		b.WriteString("\nStrategy: " + a.Strategy)
	}
	if a.Message != "" {
		b.WriteString("\n" + a.Message)
	}
	return b.String()
}

func orNA(s string) string {
	if strings.TrimSpace(s) == "" {
		return NA
	}
	return s
}

type fields struct {
	raw    map[string]any
	folded map[string]any
}

func (f fields) get(keys ...string) (any, bool) {
	for _, k := range keys {
		if v, ok := f.raw[k]; ok && v != nil {
			return v, true
		}
		if v, ok := f.folded[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func (f fields) str(keys ...string) string {
	v, ok := f.get(keys...)
	if !ok {
		return ""
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return ""
	}
}

// num returns the parsed value and its display text. Strings are accepted
// with thousands separators.
func (f fields) num(keys ...string) (*float64, string) {
	v, ok := f.get(keys...)
	if !ok {
		return nil, ""
	}
	switch t := v.(type) {
	case float64:
		return &t, strconv.FormatFloat(t, 'f', -1, 64)
	case string:
		s := strings.TrimSpace(t)
		n, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", ""), 64)
		// NaN and Inf parse cleanly but cannot be stored as JSON.
		if err != nil || math.IsNaN(n) || math.IsInf(n, 0) {
			return nil, ""
		}
		return &n, s
	default:
		return nil, ""
	}
}
