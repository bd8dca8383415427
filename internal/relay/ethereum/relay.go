// Package ethereum dispatches cross-domain transfers through a bridge
// contract on an EVM compatible chain and translates bridge events back
// into transfer outcomes.
package ethereum

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
	"github.com/google/uuid"

	"HODL-Engine/internal/relay"
	"HODL-Engine/pkg/logger"
)

// bridgeABIJSON 描述桥接合约里引擎用到的函数与事件。
const bridgeABIJSON = `[
  {"type":"function","name":"dispatch","stateMutability":"nonpayable","inputs":[
    {"name":"transferId","type":"bytes32"},
    {"name":"recipient","type":"address"},
    {"name":"symbol","type":"string"},
    {"name":"amount","type":"uint256"}],"outputs":[]},
  {"type":"event","name":"Settled","inputs":[
    {"name":"transferId","type":"bytes32","indexed":true}],"anonymous":false},
  {"type":"event","name":"Reverted","inputs":[
    {"name":"transferId","type":"bytes32","indexed":true},
    {"name":"reason","type":"string","indexed":false}],"anonymous":false}
]`

const dispatchGasLimit = 300_000

// Config describes how to construct an EVM bridge relay.
type Config struct {
	Domain         string
	RPCURL         string
	WSURL          string
	BridgeContract string
	PrivateKey     string
}

type logSubscriber interface {
	SubscribeFilterLogs(ctx context.Context, q gethcore.FilterQuery, ch chan<- coretypes.Log) (gethcore.Subscription, error)
}

type inflightTransfer struct {
	dispatchID string
	transfer   relay.Transfer
}

// Relay 通过桥接合约把产出派发到 EVM 执行域。派发即提交 dispatch
// 交易，结算与回退由合约事件驱动。
type Relay struct {
	domain    string
	rpcClient *gethrpc.Client
	eth       *ethclient.Client
	events    logSubscriber
	bridge    common.Address
	bridgeABI abi.ABI
	key       *ecdsa.PrivateKey
	from      common.Address
	chainID   *big.Int

	mu       sync.Mutex
	inflight map[common.Hash]inflightTransfer
	outcomes chan relay.Outcome
}

// NewRelay dials the configured endpoints and returns a ready-to-use relay.
func NewRelay(ctx context.Context, cfg Config) (*Relay, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置执行域 RPC 地址")
	}
	if !common.IsHexAddress(cfg.BridgeContract) {
		return nil, errors.New("非法的桥接合约地址: " + cfg.BridgeContract)
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接执行域节点失败: %w", err)
	}
	eth := ethclient.NewClient(rpcClient)

	chainID, err := eth.ChainID(ctx)
	if err != nil {
		rpcClient.Close()
		return nil, fmt.Errorf("获取链 ID 失败: %w", err)
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(cfg.PrivateKey), "0x"))
	if err != nil {
		rpcClient.Close()
		return nil, fmt.Errorf("解析派发私钥失败: %w", err)
	}

	parsedABI, err := abi.JSON(strings.NewReader(bridgeABIJSON))
	if err != nil {
		rpcClient.Close()
		return nil, fmt.Errorf("解析桥接合约 ABI 失败: %w", err)
	}

	events := logSubscriber(eth)
	if wsURL := strings.TrimSpace(cfg.WSURL); wsURL != "" {
		if wsRPC, wsErr := gethrpc.DialContext(ctx, wsURL); wsErr == nil {
			events = ethclient.NewClient(wsRPC)
		}
	}

	return &Relay{
		domain:    cfg.Domain,
		rpcClient: rpcClient,
		eth:       eth,
		events:    events,
		bridge:    common.HexToAddress(cfg.BridgeContract),
		bridgeABI: parsedABI,
		key:       key,
		from:      crypto.PubkeyToAddress(key.PublicKey),
		chainID:   chainID,
		inflight:  make(map[common.Hash]inflightTransfer),
		outcomes:  make(chan relay.Outcome, 64),
	}, nil
}

// Dispatch 实现 relay.Dispatcher 接口，提交一笔 dispatch 交易。
func (r *Relay) Dispatch(ctx context.Context, transfer relay.Transfer) (relay.Receipt, error) {
	if transfer.Domain != r.domain {
		return relay.Receipt{}, relay.ErrDomainNotSupported
	}
	if !common.IsHexAddress(transfer.Recipient) {
		return relay.Receipt{}, fmt.Errorf("非法的接收地址: %s", transfer.Recipient)
	}

	dispatchID := uuid.NewString()
	transferID := crypto.Keccak256Hash([]byte(dispatchID))

	data, err := r.bridgeABI.Pack("dispatch",
		[32]byte(transferID),
		common.HexToAddress(transfer.Recipient),
		string(transfer.Asset),
		transfer.Amount,
	)
	if err != nil {
		return relay.Receipt{}, fmt.Errorf("编码派发调用失败: %w", err)
	}

	nonce, err := r.eth.PendingNonceAt(ctx, r.from)
	if err != nil {
		return relay.Receipt{}, fmt.Errorf("获取 nonce 失败: %w", err)
	}
	gasPrice, err := r.eth.SuggestGasPrice(ctx)
	if err != nil {
		return relay.Receipt{}, fmt.Errorf("获取 gas 价格失败: %w", err)
	}

	tx := coretypes.NewTransaction(nonce, r.bridge, new(big.Int), dispatchGasLimit, gasPrice, data)
	signed, err := coretypes.SignTx(tx, coretypes.LatestSignerForChainID(r.chainID), r.key)
	if err != nil {
		return relay.Receipt{}, fmt.Errorf("签名派发交易失败: %w", err)
	}
	if err := r.eth.SendTransaction(ctx, signed); err != nil {
		return relay.Receipt{}, fmt.Errorf("发送派发交易失败: %w", err)
	}

	r.mu.Lock()
	r.inflight[transferID] = inflightTransfer{dispatchID: dispatchID, transfer: transfer}
	r.mu.Unlock()

	logger.Audit().Info("跨域派发交易已提交",
		slog.String("plan_id", transfer.PlanID),
		slog.String("dispatch_id", dispatchID),
		slog.String("tx_hash", signed.Hash().Hex()),
		slog.String("domain", r.domain),
	)
	return relay.Receipt{DispatchID: dispatchID, DispatchedAt: time.Now().Unix()}, nil
}

// Watch 订阅桥接合约事件并把结算与回退翻译成结果通知，阻塞直到
// ctx 取消。
func (r *Relay) Watch(ctx context.Context) error {
	settled := r.bridgeABI.Events["Settled"]
	reverted := r.bridgeABI.Events["Reverted"]

	query := gethcore.FilterQuery{
		Addresses: []common.Address{r.bridge},
		Topics:    [][]common.Hash{{settled.ID, reverted.ID}},
	}

	logs := make(chan coretypes.Log, 64)
	sub, err := r.events.SubscribeFilterLogs(ctx, query, logs)
	if err != nil {
		return fmt.Errorf("订阅桥接事件失败: %w", err)
	}
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-sub.Err():
			return fmt.Errorf("桥接事件订阅中断: %w", err)
		case entry := <-logs:
			r.handleLog(entry, settled.ID, reverted)
		}
	}
}

func (r *Relay) handleLog(entry coretypes.Log, settledTopic common.Hash, reverted abi.Event) {
	if len(entry.Topics) < 2 {
		return
	}
	transferID := entry.Topics[1]

	r.mu.Lock()
	pending, ok := r.inflight[transferID]
	if ok {
		delete(r.inflight, transferID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	outcome := relay.Outcome{
		PlanID:       pending.transfer.PlanID,
		DispatchID:   pending.dispatchID,
		SourceAmount: new(big.Int).Set(pending.transfer.SourceAmount),
		Success:      entry.Topics[0] == settledTopic,
	}
	if !outcome.Success {
		outcome.Reason = "bridge reverted"
		if vals, err := reverted.Inputs.NonIndexed().Unpack(entry.Data); err == nil && len(vals) == 1 {
			if reason, ok := vals[0].(string); ok && reason != "" {
				outcome.Reason = reason
			}
		}
	}
	r.outcomes <- outcome
}

// Outcomes 返回结果通知通道。
func (r *Relay) Outcomes() <-chan relay.Outcome {
	return r.outcomes
}

// Close releases network connections held by the relay.
func (r *Relay) Close() {
	if r == nil {
		return
	}
	if ec, ok := r.events.(*ethclient.Client); ok && ec != r.eth {
		ec.Close()
	}
	if r.eth != nil {
		r.eth.Close()
	}
	if r.rpcClient != nil {
		r.rpcClient.Close()
	}
}

var _ relay.Dispatcher = (*Relay)(nil)
