package oanda

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/marcosuma/trading-bot-sub000/internal/market"
)

// v20 response structs, decoded once at the adapter boundary.

type errorResponse struct {
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

type accountSummaryResponse struct {
	Account struct {
		ID           string `json:"id"`
		Currency     string `json:"currency"`
		Balance      string `json:"balance"`
		NAV          string `json:"NAV"`
		MarginUsed   string `json:"marginUsed"`
		UnrealizedPL string `json:"unrealizedPL"`
	} `json:"account"`
}

type accountsResponse struct {
	Accounts []struct {
		ID string `json:"id"`
	} `json:"accounts"`
}

type candleData struct {
	O string `json:"o"`
	H string `json:"h"`
	L string `json:"l"`
	C string `json:"c"`
}

type apiCandle struct {
	Complete bool       `json:"complete"`
	Volume   int        `json:"volume"`
	Time     string     `json:"time"`
	Mid      candleData `json:"mid"`
}

type candlesResponse struct {
	Instrument  string      `json:"instrument"`
	Granularity string      `json:"granularity"`
	Candles     []apiCandle `json:"candles"`
}

type priceValue struct {
	Price string `json:"price"`
}

type streamMessage struct {
	Type       string       `json:"type"`
	Time       string       `json:"time"`
	Instrument string       `json:"instrument"`
	Bids       []priceValue `json:"bids"`
	Asks       []priceValue `json:"asks"`
}

type priceDetails struct {
	Price string `json:"price"`
}

type clientExtensions struct {
	ID string `json:"id,omitempty"`
}

type orderSpec struct {
	Type             string            `json:"type"`
	Instrument       string            `json:"instrument"`
	Units            string            `json:"units"`
	TimeInForce      string            `json:"timeInForce"`
	PositionFill     string            `json:"positionFill"`
	Price            string            `json:"price,omitempty"`
	StopLossOnFill   *priceDetails     `json:"stopLossOnFill,omitempty"`
	TakeProfitOnFill *priceDetails     `json:"takeProfitOnFill,omitempty"`
	ClientExtensions *clientExtensions `json:"clientExtensions,omitempty"`
}

type orderRequest struct {
	Order orderSpec `json:"order"`
}

type transaction struct {
	ID               string            `json:"id"`
	Type             string            `json:"type"`
	OrderID          string            `json:"orderID"`
	Instrument       string            `json:"instrument"`
	Units            string            `json:"units"`
	Price            string            `json:"price"`
	Commission       string            `json:"commission"`
	Financing        string            `json:"financing"`
	Reason           string            `json:"reason"`
	Time             string            `json:"time"`
	ClientExtensions *clientExtensions `json:"clientExtensions"`
}

type orderResponse struct {
	OrderCreateTransaction *transaction `json:"orderCreateTransaction"`
	OrderFillTransaction   *transaction `json:"orderFillTransaction"`
	OrderCancelTransaction *transaction `json:"orderCancelTransaction"`
	OrderRejectTransaction *transaction `json:"orderRejectTransaction"`
	ErrorMessage           string       `json:"errorMessage"`
}

type positionSide struct {
	Units        string `json:"units"`
	AveragePrice string `json:"averagePrice"`
	UnrealizedPL string `json:"unrealizedPL"`
}

type openPositionsResponse struct {
	Positions []struct {
		Instrument string       `json:"instrument"`
		Long       positionSide `json:"long"`
		Short      positionSide `json:"short"`
	} `json:"positions"`
}

// Instrument converts "EUR/USD", "EUR-USD" or "EURUSD" to "EUR_USD".
func Instrument(asset string) string {
	a := strings.ToUpper(strings.TrimSpace(asset))
	a = strings.NewReplacer("/", "_", "-", "_", ".", "_").Replace(a)
	if !strings.Contains(a, "_") && len(a) == 6 {
		a = a[:3] + "_" + a[3:]
	}
	return a
}

// granularity maps a bar size onto an OANDA candle granularity.
func granularity(size market.BarSize) (string, error) {
	switch size.Duration() {
	case 5 * time.Second:
		return "S5", nil
	case 10 * time.Second:
		return "S10", nil
	case 15 * time.Second:
		return "S15", nil
	case 30 * time.Second:
		return "S30", nil
	case time.Minute:
		return "M1", nil
	case 2 * time.Minute:
		return "M2", nil
	case 4 * time.Minute:
		return "M4", nil
	case 5 * time.Minute:
		return "M5", nil
	case 10 * time.Minute:
		return "M10", nil
	case 15 * time.Minute:
		return "M15", nil
	case 30 * time.Minute:
		return "M30", nil
	case time.Hour:
		return "H1", nil
	case 2 * time.Hour:
		return "H2", nil
	case 3 * time.Hour:
		return "H3", nil
	case 4 * time.Hour:
		return "H4", nil
	case 6 * time.Hour:
		return "H6", nil
	case 8 * time.Hour:
		return "H8", nil
	case 12 * time.Hour:
		return "H12", nil
	case 24 * time.Hour:
		return "D", nil
	case 7 * 24 * time.Hour:
		return "W", nil
	}
	return "", fmt.Errorf("%w: %s has no OANDA granularity", market.ErrInvalidBarSize, size)
}

func parseFloat(s string) (float64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseFloat(s, 64)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Now().UTC()
	}
	return t.UTC()
}

func formatPrice(p float64) string {
	return strconv.FormatFloat(p, 'f', 5, 64)
}
