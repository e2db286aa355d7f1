package freqtrade

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"meanrev/internal/config"
	"meanrev/internal/execution"
	"meanrev/internal/portfolio"

	"github.com/tidwall/gjson"
)

const (
	kindEnter = "enter"
	kindExit  = "exit"
)

// Executor places orders through a Freqtrade instance. External ids have the form
// "enter:<trade_id>" or "exit:<trade_id>".
type Executor struct {
	client   *Client
	stake    string
	entryTag string
}

func NewExecutor(client *Client, cfg config.FreqtradeConfig) *Executor {
	return &Executor{
		client:   client,
		stake:    strings.ToUpper(strings.TrimSpace(cfg.StakeCurrency)),
		entryTag: cfg.EntryTag,
	}
}

func (e *Executor) Name() string { return "freqtrade" }

// Pair converts BTCUSDT into BTC/USDT:USDT; other symbols pass through.
func (e *Executor) Pair(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if strings.Contains(s, "/") || e.stake == "" || !strings.HasSuffix(s, e.stake) || s == e.stake {
		return s
	}
	base := strings.TrimSuffix(s, e.stake)
	return base + "/" + e.stake + ":" + e.stake
}

func (e *Executor) Submit(ctx context.Context, o execution.Order) (execution.Order, error) {
	if err := o.Validate(); err != nil {
		return o, err
	}
	pair := e.Pair(o.Symbol)
	if o.Opens() {
		side := "long"
		if o.PositionSide == portfolio.SideShort {
			side = "short"
		}
		id, err := e.client.ForceEnter(ctx, ForceEnterPayload{
			Pair:        pair,
			Side:        side,
			OrderType:   "market",
			StakeAmount: o.Quantity * o.RefPrice,
			EntryTag:    e.entryTag,
		})
		if err != nil {
			return o, err
		}
		o.ExternalID = kindEnter + ":" + strconv.FormatInt(id, 10)
		return o, nil
	}

	trade, err := e.openTrade(ctx, pair)
	if err != nil {
		return o, err
	}
	if !trade.Exists() {
		return o, execution.Fatal(fmt.Errorf("freqtrade: no open trade for %s", pair))
	}
	id := trade.Get("trade_id").Int()
	amount := o.Quantity
	if held := trade.Get("amount").Float(); held > 0 && amount >= held {
		amount = 0 // full exit
	}
	if err := e.client.ForceExit(ctx, ForceExitPayload{
		TradeID:   strconv.FormatInt(id, 10),
		OrderType: "market",
		Amount:    amount,
	}); err != nil {
		return o, err
	}
	o.ExternalID = kindExit + ":" + strconv.FormatInt(id, 10)
	return o, nil
}

func parseExternalID(externalID string) (kind string, id int64, err error) {
	kind, raw, ok := strings.Cut(externalID, ":")
	if !ok || (kind != kindEnter && kind != kindExit) {
		return "", 0, execution.Fatal(fmt.Errorf("freqtrade: malformed external id %q", externalID))
	}
	id, err = strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return "", 0, execution.Fatal(fmt.Errorf("freqtrade: malformed external id %q", externalID))
	}
	return kind, id, nil
}

// Poll reads the trade and reports the latest entry or exit order on it.
func (e *Executor) Poll(ctx context.Context, externalID string) (execution.StatusSnapshot, error) {
	kind, id, err := parseExternalID(externalID)
	if err != nil {
		return execution.StatusSnapshot{}, err
	}
	trade, err := e.client.Trade(ctx, id)
	if err != nil {
		return execution.StatusSnapshot{}, err
	}
	wantEntry := kind == kindEnter
	var last gjson.Result
	trade.Get("orders").ForEach(func(_, ord gjson.Result) bool {
		if ord.Get("ft_is_entry").Bool() == wantEntry {
			last = ord
		}
		return true
	})
	snap := execution.StatusSnapshot{ExternalID: externalID, At: time.Now()}
	if !last.Exists() {
		snap.Status = execution.StatusPending
		return snap, nil
	}
	snap.FilledQuantity = last.Get("filled").Float()
	snap.AvgPrice = last.Get("average").Float()
	if snap.AvgPrice <= 0 {
		snap.LastPrice = last.Get("safe_price").Float()
	}
	snap.Commission = last.Get("ft_fee_base").Float()
	switch strings.ToLower(last.Get("status").String()) {
	case "open", "new", "":
		snap.Status = execution.StatusPending
		if snap.FilledQuantity > 0 {
			snap.Status = execution.StatusPartiallyFilled
		}
	case "closed", "filled":
		snap.Status = execution.StatusFilled
	case "canceled", "cancelled":
		snap.Status = execution.StatusCancelled
	case "expired":
		snap.Status = execution.StatusExpired
	case "rejected":
		snap.Status = execution.StatusRejected
		snap.Message = last.Get("ft_order_tag").String()
	default:
		snap.Status = execution.StatusPending
	}
	return snap, nil
}

func (e *Executor) Cancel(ctx context.Context, externalID string) (bool, error) {
	_, id, err := parseExternalID(externalID)
	if err != nil {
		return false, err
	}
	if err := e.client.CancelOpenOrder(ctx, id); err != nil {
		return false, err
	}
	return true, nil
}

func (e *Executor) Account(ctx context.Context) (execution.Account, error) {
	bal, err := e.client.Balance(ctx)
	if err != nil {
		return execution.Account{}, err
	}
	acct := execution.Account{Equity: bal.Get("total").Float()}
	bal.Get("currencies").ForEach(func(_, cur gjson.Result) bool {
		if strings.EqualFold(cur.Get("currency").String(), e.stake) {
			acct.Cash = cur.Get("free").Float()
			return false
		}
		return true
	})
	acct.BuyingPower = acct.Cash
	return acct, nil
}

func (e *Executor) Position(ctx context.Context, symbol string) (*portfolio.Position, error) {
	trade, err := e.openTrade(ctx, e.Pair(symbol))
	if err != nil || !trade.Exists() {
		return nil, err
	}
	side := portfolio.SideLong
	if trade.Get("is_short").Bool() {
		side = portfolio.SideShort
	}
	return &portfolio.Position{
		Symbol:        strings.ToUpper(symbol),
		Side:          side,
		Quantity:      trade.Get("amount").Float(),
		AvgEntryPrice: trade.Get("open_rate").Float(),
		EntryTime:     time.UnixMilli(trade.Get("open_timestamp").Int()).UTC(),
		EntryReason:   trade.Get("enter_tag").String(),
	}, nil
}

func (e *Executor) openTrade(ctx context.Context, pair string) (gjson.Result, error) {
	trades, err := e.client.OpenTrades(ctx)
	if err != nil {
		return gjson.Result{}, err
	}
	var found gjson.Result
	trades.ForEach(func(_, tr gjson.Result) bool {
		if tr.Get("is_open").Bool() && strings.EqualFold(tr.Get("pair").String(), pair) {
			found = tr
			return false
		}
		return true
	})
	return found, nil
}
