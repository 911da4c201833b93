// Package chain 将 EVM 兼容链的只读查询封装为一项可调度能力。
package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	"NovaPilot/internal/capability"
	xerrors "NovaPilot/internal/errors"
)

// Provider 通过以太坊 RPC 节点提供链上数据查询。
type Provider struct {
	mu        sync.Mutex
	rpcClient *gethrpc.Client
	eth       *ethclient.Client
}

// New 连接配置的 RPC 节点并返回可用的链上能力。
func New(ctx context.Context, rpcURL string) (*Provider, error) {
	rpcURL = strings.TrimSpace(rpcURL)
	if rpcURL == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未配置以太坊 RPC 地址")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "连接以太坊节点失败")
	}

	return &Provider{
		rpcClient: rpcClient,
		eth:       ethclient.NewClient(rpcClient),
	}, nil
}

// Describe 实现 capability.Provider 接口。
func (p *Provider) Describe() capability.Descriptor {
	return capability.Descriptor{
		Name:        "chain_reader",
		Category:    capability.CategoryChain,
		Description: "查询 EVM 链的链 ID、区块高度与账户余额",
		Complexity:  5,
		Latency:     capability.LatencyMedium,
		Reliability: 0.9,
	}
}

// Execute 按 action 参数执行链上只读查询。缺省返回链快照。
func (p *Provider) Execute(ctx context.Context, req capability.Request) (*capability.Result, error) {
	if p == nil || p.eth == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未初始化的以太坊客户端")
	}

	action := strings.TrimSpace(req.Param("action"))
	switch action {
	case "", "chain_snapshot":
		return p.snapshot(ctx)
	case "eth_getBalance":
		address := strings.TrimSpace(req.Param("address"))
		if address == "" {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "eth_getBalance 需要提供地址")
		}
		balance, err := p.eth.BalanceAt(ctx, common.HexToAddress(address), nil)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeCapabilityFailure, err, "查询余额失败")
		}
		return &capability.Result{
			Success: true,
			Output: map[string]any{
				"address": address,
				"balance": toHexBig(balance),
			},
			Confidence: 0.95,
		}, nil
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "暂不支持的链上操作: "+action)
	}
}

func (p *Provider) snapshot(ctx context.Context) (*capability.Result, error) {
	chainID, err := p.eth.ChainID(ctx)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeCapabilityFailure, err, "获取链 ID 失败")
	}
	blockNumber, err := p.eth.BlockNumber(ctx)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeCapabilityFailure, err, "获取最新区块高度失败")
	}
	return &capability.Result{
		Success: true,
		Output: map[string]any{
			"chain_id":     toHexBig(chainID),
			"block_number": fmt.Sprintf("0x%x", blockNumber),
		},
		Confidence: 0.95,
	}, nil
}

// CheckHealth 通过区块高度查询探测节点可用性。
func (p *Provider) CheckHealth(ctx context.Context) error {
	if p == nil || p.eth == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未初始化的以太坊客户端")
	}
	if _, err := p.eth.BlockNumber(ctx); err != nil {
		return xerrors.Wrap(xerrors.CodeCapabilityFailure, err, "以太坊节点不可达")
	}
	return nil
}

// Close 释放持有的网络连接。
func (p *Provider) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.eth != nil {
		p.eth.Close()
		p.eth = nil
	}
	if p.rpcClient != nil {
		p.rpcClient.Close()
		p.rpcClient = nil
	}
}

func toHexBig(n *big.Int) string {
	if n == nil {
		return "0x0"
	}
	return "0x" + n.Text(16)
}

var _ capability.Provider = (*Provider)(nil)
