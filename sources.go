package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/rpc/v2/json2"
	"github.com/tidwall/gjson"
)

// HeightSource supplies the current chain height.
type HeightSource interface {
	CurrentHeight(ctx context.Context) (uint64, error)
}

// ValidatorSource supplies the current validator set.
type ValidatorSource interface {
	Validators(ctx context.Context) (ValidatorSet, error)
}

// PowSource supplies proof-of-work evidence.
type PowSource interface {
	MiningInfo(ctx context.Context) (*MiningInfo, error)
	NetworkHashPS(ctx context.Context) (uint64, error)
}

// ErrPowUnavailable is returned by sources that have no mining data.
var ErrPowUnavailable = errors.New("proof-of-work metrics unavailable")

// RPCClient talks JSON-RPC 2.0 to a chain node for height and mining data.
type RPCClient struct {
	url      string
	user     string
	password string
	client   *http.Client
}

// NewRPCClient creates a client for the node at url.
func NewRPCClient(cfg ChainConfig) *RPCClient {
	timeout := cfg.RPCTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &RPCClient{
		url:      cfg.RPCURL,
		user:     cfg.RPCUser,
		password: cfg.RPCPassword,
		client:   &http.Client{Timeout: timeout},
	}
}

func (c *RPCClient) call(ctx context.Context, method string, params []any) (gjson.Result, error) {
	if params == nil {
		params = []any{}
	}
	body, err := json2.EncodeClientRequest(method, params)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("failed to encode %s request: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return gjson.Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.user != "" {
		req.SetBasicAuth(c.user, c.password)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("%s request failed: %w", method, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("failed to read %s response: %w", method, err)
	}
	if !gjson.ValidBytes(data) {
		return gjson.Result{}, fmt.Errorf("%s: invalid JSON response (HTTP %d)", method, resp.StatusCode)
	}
	res := gjson.ParseBytes(data)
	if e := res.Get("error"); e.Exists() && e.Type != gjson.Null {
		return gjson.Result{}, fmt.Errorf("%s: rpc error %d: %s", method, e.Get("code").Int(), e.Get("message").String())
	}
	result := res.Get("result")
	if !result.Exists() || result.Type == gjson.Null {
		return gjson.Result{}, fmt.Errorf("%s: empty result", method)
	}
	return result, nil
}

// CurrentHeight calls getblockcount.
func (c *RPCClient) CurrentHeight(ctx context.Context) (uint64, error) {
	res, err := c.call(ctx, "getblockcount", nil)
	if err != nil {
		return 0, err
	}
	return res.Uint(), nil
}

// MiningInfo calls getmininginfo.
func (c *RPCClient) MiningInfo(ctx context.Context) (*MiningInfo, error) {
	res, err := c.call(ctx, "getmininginfo", nil)
	if err != nil {
		return nil, err
	}
	return &MiningInfo{
		Difficulty:      res.Get("difficulty").Float(),
		NetworkHashRate: uint64(res.Get("networkhashps").Float()),
		Mining:          res.Get("mining").Bool() || res.Get("generate").Bool(),
	}, nil
}

// NetworkHashPS calls getnetworkhashps.
func (c *RPCClient) NetworkHashPS(ctx context.Context) (uint64, error) {
	res, err := c.call(ctx, "getnetworkhashps", nil)
	if err != nil {
		return 0, err
	}
	return uint64(res.Float()), nil
}

// StaticChain is an in-process chain view for standalone nodes and tests.
// Height only moves forward.
type StaticChain struct {
	height atomic.Uint64

	mu     sync.RWMutex
	mining *MiningInfo
}

func NewStaticChain(height uint64) *StaticChain {
	c := &StaticChain{}
	c.height.Store(height)
	return c
}

func (c *StaticChain) CurrentHeight(context.Context) (uint64, error) {
	return c.height.Load(), nil
}

// Advance moves the head forward by n blocks and returns the new height.
func (c *StaticChain) Advance(n uint64) uint64 {
	return c.height.Add(n)
}

// SetHeight moves the head to height. Going backwards is refused.
func (c *StaticChain) SetHeight(height uint64) error {
	for {
		cur := c.height.Load()
		if height < cur {
			return fmt.Errorf("height %d is below current height %d", height, cur)
		}
		if c.height.CompareAndSwap(cur, height) {
			return nil
		}
	}
}

// SetMiningInfo sets the reported mining info. Nil makes PoW data unavailable.
func (c *StaticChain) SetMiningInfo(info *MiningInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if info == nil {
		c.mining = nil
		return
	}
	cp := *info
	c.mining = &cp
}

func (c *StaticChain) MiningInfo(context.Context) (*MiningInfo, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.mining == nil {
		return nil, ErrPowUnavailable
	}
	cp := *c.mining
	return &cp, nil
}

func (c *StaticChain) NetworkHashPS(context.Context) (uint64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.mining == nil {
		return 0, ErrPowUnavailable
	}
	return c.mining.NetworkHashRate, nil
}

// StaticValidators is a fixed validator set.
type StaticValidators ValidatorSet

func (s StaticValidators) Validators(context.Context) (ValidatorSet, error) {
	out := make(ValidatorSet, len(s))
	for k, v := range s {
		cp := *v
		out[k] = &cp
	}
	return out, nil
}
