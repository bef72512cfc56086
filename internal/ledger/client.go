package ledger

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"
)

// Subscriber opens live subscriptions on the ledger.
type Subscriber interface {
	SubscribeNewHead(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error)
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
}

// History answers historical and finality queries.
type History interface {
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	FinalizedBlockNumber(ctx context.Context) (uint64, error)
}

// Client wraps an ethclient connection to a ledger node
type Client struct {
	url    string
	eth    *ethclient.Client
	logger *zap.Logger

	mu     sync.Mutex
	closed bool
}

// Dial connects to the node at url. Subscriptions require a websocket or IPC endpoint.
func Dial(ctx context.Context, url string, logger *zap.Logger) (*Client, error) {
	rc, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ledger node: %w", err)
	}
	eth := ethclient.NewClient(rc)

	chainID, err := eth.ChainID(ctx)
	if err != nil {
		rc.Close()
		return nil, fmt.Errorf("failed to read chain id: %w", err)
	}
	logger.Info("Connected to ledger node", zap.String("chainID", chainID.String()))

	return &Client{url: url, eth: eth, logger: logger}, nil
}

func (c *Client) SubscribeNewHead(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error) {
	sub, err := c.eth.SubscribeNewHead(ctx, ch)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to new heads: %w", err)
	}
	return sub, nil
}

func (c *Client) SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	sub, err := c.eth.SubscribeFilterLogs(ctx, q, ch)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to logs: %w", err)
	}
	return sub, nil
}

func (c *Client) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	logs, err := c.eth.FilterLogs(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to query logs [%v..%v]: %w", q.FromBlock, q.ToBlock, err)
	}
	return logs, nil
}

// FinalizedBlockNumber returns the height of the latest block the node reports as finalized.
func (c *Client) FinalizedBlockNumber(ctx context.Context) (uint64, error) {
	header, err := c.eth.HeaderByNumber(ctx, big.NewInt(int64(rpc.FinalizedBlockNumber)))
	if err != nil {
		return 0, fmt.Errorf("failed to read finalized header: %w", err)
	}
	return header.Number.Uint64(), nil
}

// Close closes the underlying connection. Safe to call more than once.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.eth.Close()
	c.logger.Info("Ledger connection closed", zap.String("url", c.url))
}
