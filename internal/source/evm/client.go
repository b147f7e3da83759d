// Package evm provides sources that read prices and liquidity from EVM contracts.
package evm

import (
	"context"
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Caller executes read-only contract calls. *ethclient.Client satisfies it.
type Caller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Client dials the RPC endpoint on first use and reuses the connection afterwards.
type Client struct {
	rpcURL string

	mu     sync.Mutex
	client *ethclient.Client
}

// NewClient returns a lazily dialed client for rpcURL.
func NewClient(rpcURL string) *Client {
	return &Client{rpcURL: rpcURL}
}

// CallContract implements Caller.
func (c *Client) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	client, err := c.get(ctx)
	if err != nil {
		return nil, err
	}
	return client.CallContract(ctx, msg, blockNumber)
}

// Close releases the underlying connection, if any.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		c.client.Close()
		c.client = nil
	}
}

func (c *Client) get(ctx context.Context) (*ethclient.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		return c.client, nil
	}
	if c.rpcURL == "" {
		return nil, errors.New("ethereum rpc url not configured")
	}

	client, err := ethclient.DialContext(ctx, c.rpcURL)
	if err != nil {
		return nil, err
	}
	c.client = client
	return client, nil
}

// Pool shares one Client per RPC URL.
type Pool struct {
	mu      sync.Mutex
	clients map[string]*Client
}

// NewPool returns an empty pool.
func NewPool() *Pool {
	return &Pool{clients: make(map[string]*Client)}
}

// Get returns the client for rpcURL, creating it on first use.
func (p *Pool) Get(rpcURL string) Caller {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[rpcURL]; ok {
		return c
	}
	c := NewClient(rpcURL)
	p.clients[rpcURL] = c
	return c
}

// Close closes every pooled client.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.clients {
		c.Close()
	}
}

var (
	_ Caller = (*ethclient.Client)(nil)
	_ Caller = (*Client)(nil)
)
