// Package chainfeed reads tokenised-equity prices from on-chain aggregator contracts.
package chainfeed

import (
	"context"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"equity-recon/internal/fetcher"
	"equity-recon/internal/market"
)

const aggregatorABIJSON = `[
{"inputs":[],"name":"decimals","outputs":[{"internalType":"uint8","name":"","type":"uint8"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"latestRoundData","outputs":[{"internalType":"uint80","name":"roundId","type":"uint80"},{"internalType":"int256","name":"answer","type":"int256"},{"internalType":"uint256","name":"startedAt","type":"uint256"},{"internalType":"uint256","name":"updatedAt","type":"uint256"},{"internalType":"uint80","name":"answeredInRound","type":"uint80"}],"stateMutability":"view","type":"function"}
]`

var aggregatorABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(aggregatorABIJSON))
	if err != nil {
		panic("failed to parse aggregator ABI: " + err.Error())
	}
	aggregatorABI = parsed
}

// Backend is the subset of an Ethereum client the feed needs.
type Backend interface {
	ethereum.ContractCaller
	BlockNumber(ctx context.Context) (uint64, error)
}

// Options parameterise the on-chain feed.
type Options struct {
	Name     string
	Priority int
	RPCURL   string
	Timeout  time.Duration
	// Feeds maps an entity code (e.g. 600519.SH) to its aggregator address.
	Feeds map[string]string
	// MaxAge drops rounds older than this; zero keeps every round.
	MaxAge time.Duration
}

// Feed serves real-time quotes only.
type Feed struct {
	opts   Options
	logger zerolog.Logger
	now    func() time.Time

	clientMux sync.Mutex
	backend   Backend

	decimalsMux sync.Mutex
	decimals    map[common.Address]uint8
}

var (
	_ fetcher.Adapter      = (*Feed)(nil)
	_ fetcher.QuoteFetcher = (*Feed)(nil)
)

// New builds a feed that dials RPCURL lazily.
func New(opts Options, logger zerolog.Logger) (*Feed, error) {
	if strings.TrimSpace(opts.Name) == "" {
		return nil, errors.New("chainfeed: name is required")
	}
	for sym, addr := range opts.Feeds {
		if !common.IsHexAddress(addr) {
			return nil, errors.Newf("chainfeed %s: feed %s has invalid address %q", opts.Name, sym, addr)
		}
	}
	return &Feed{
		opts:     opts,
		logger:   logger.With().Str("component", "chainfeed").Str("adapter", opts.Name).Logger(),
		now:      time.Now,
		decimals: make(map[common.Address]uint8),
	}, nil
}

// NewWithBackend builds a feed over an existing backend.
func NewWithBackend(opts Options, backend Backend, now func() time.Time, logger zerolog.Logger) (*Feed, error) {
	f, err := New(opts, logger)
	if err != nil {
		return nil, err
	}
	f.backend = backend
	if now != nil {
		f.now = now
	}
	return f, nil
}

func (f *Feed) Name() string         { return f.opts.Name }
func (f *Feed) DefaultPriority() int { return f.opts.Priority }

// Available reports whether feeds are configured and the node answers.
func (f *Feed) Available(ctx context.Context) bool {
	if len(f.opts.Feeds) == 0 {
		return false
	}
	ctx, cancel := f.withTimeout(ctx)
	defer cancel()

	backend, err := f.getBackend(ctx)
	if err != nil {
		f.logger.Debug().Err(err).Msg("dial failed")
		return false
	}
	if _, err := backend.BlockNumber(ctx); err != nil {
		f.logger.Debug().Err(err).Msg("block number probe failed")
		return false
	}
	return true
}

// RealtimeQuotes returns one row per configured feed with ts_code, price,
// updated_at and round_id. Stale or non-positive rounds are dropped.
func (f *Feed) RealtimeQuotes(ctx context.Context) (market.Table, error) {
	if len(f.opts.Feeds) == 0 {
		return market.Table{}, fetcher.Permanent(errors.Newf("%s: no feeds configured", f.opts.Name))
	}
	ctx, cancel := f.withTimeout(ctx)
	defer cancel()

	backend, err := f.getBackend(ctx)
	if err != nil {
		return market.Table{}, fetcher.Transient(errors.Wrapf(err, "%s: dial", f.opts.Name))
	}

	symbols := make([]string, 0, len(f.opts.Feeds))
	for sym := range f.opts.Feeds {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	var (
		rows    []market.Row
		lastErr error
	)
	for _, sym := range symbols {
		addr := common.HexToAddress(f.opts.Feeds[sym])
		row, err := f.readFeed(ctx, backend, sym, addr)
		if err != nil {
			lastErr = err
			f.logger.Warn().Err(err).Str("symbol", sym).Msg("feed read failed")
			continue
		}
		if row != nil {
			rows = append(rows, row)
		}
	}
	if len(rows) == 0 && lastErr != nil {
		return market.Table{}, fetcher.Transient(lastErr)
	}
	return market.NewTable([]string{"ts_code", "price", "updated_at", "round_id"}, rows), nil
}

func (f *Feed) readFeed(ctx context.Context, backend Backend, sym string, addr common.Address) (market.Row, error) {
	scale, err := f.feedDecimals(ctx, backend, addr)
	if err != nil {
		return nil, err
	}

	out, err := call(ctx, backend, addr, "latestRoundData")
	if err != nil {
		return nil, err
	}
	if len(out) != 5 {
		return nil, errors.Newf("%s: unexpected latestRoundData response", sym)
	}
	roundID, okRound := out[0].(*big.Int)
	answer, okAnswer := out[1].(*big.Int)
	updatedAt, okUpdated := out[3].(*big.Int)
	if !okRound || !okAnswer || !okUpdated {
		return nil, errors.Newf("%s: failed to decode latestRoundData output", sym)
	}

	if answer.Sign() <= 0 {
		f.logger.Warn().Str("symbol", sym).Str("answer", answer.String()).Msg("non-positive answer dropped")
		return nil, nil
	}
	updated := time.Unix(updatedAt.Int64(), 0).UTC()
	if f.opts.MaxAge > 0 && f.now().Sub(updated) > f.opts.MaxAge {
		f.logger.Warn().Str("symbol", sym).Time("updated_at", updated).Msg("stale round dropped")
		return nil, nil
	}

	price := decimal.NewFromBigInt(answer, -int32(scale))
	return market.Row{
		"ts_code":    sym,
		"price":      price.InexactFloat64(),
		"updated_at": updated.Format(time.RFC3339),
		"round_id":   roundID.String(),
	}, nil
}

func (f *Feed) feedDecimals(ctx context.Context, backend Backend, addr common.Address) (uint8, error) {
	f.decimalsMux.Lock()
	d, ok := f.decimals[addr]
	f.decimalsMux.Unlock()
	if ok {
		return d, nil
	}

	out, err := call(ctx, backend, addr, "decimals")
	if err != nil {
		return 0, err
	}
	if len(out) != 1 {
		return 0, errors.New("unexpected decimals response")
	}
	d, ok = out[0].(uint8)
	if !ok {
		return 0, errors.New("failed to decode decimals output")
	}

	f.decimalsMux.Lock()
	f.decimals[addr] = d
	f.decimalsMux.Unlock()
	return d, nil
}

func call(ctx context.Context, backend Backend, addr common.Address, method string) ([]any, error) {
	payload, err := aggregatorABI.Pack(method)
	if err != nil {
		return nil, err
	}
	res, err := backend.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: payload}, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "call %s on %s", method, addr.Hex())
	}
	return aggregatorABI.Unpack(method, res)
}

func (f *Feed) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := f.opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return context.WithTimeout(ctx, timeout)
}

func (f *Feed) getBackend(ctx context.Context) (Backend, error) {
	f.clientMux.Lock()
	defer f.clientMux.Unlock()

	if f.backend != nil {
		return f.backend, nil
	}
	if f.opts.RPCURL == "" {
		return nil, errors.New("ethereum rpc url not configured")
	}

	client, err := ethclient.DialContext(ctx, f.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	f.backend = client
	return client, nil
}
