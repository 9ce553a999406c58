package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"
	"settler/apps/settler/internal/assets"
	"settler/apps/settler/internal/fault"
)

const erc20ABI = `[
	{
		"type": "function",
		"name": "transfer",
		"inputs": [
			{"internalType": "address", "name": "to", "type": "address"},
			{"internalType": "uint256", "name": "amount", "type": "uint256"}
		],
		"outputs": [{"internalType": "bool", "name": "", "type": "bool"}],
		"stateMutability": "nonpayable"
	},
	{
		"type": "function",
		"name": "balanceOf",
		"inputs": [{"internalType": "address", "name": "account", "type": "address"}],
		"outputs": [{"internalType": "uint256", "name": "", "type": "uint256"}],
		"stateMutability": "view"
	},
	{
		"type": "event",
		"name": "Transfer",
		"inputs": [
			{"internalType": "address", "name": "from", "type": "address", "indexed": true},
			{"internalType": "address", "name": "to", "type": "address", "indexed": true},
			{"internalType": "uint256", "name": "value", "type": "uint256", "indexed": false}
		]
	}
]`

const transferGasLimit = 100000

var transferEventSig = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// EVMClient implements the blockchain boundary for EVM chains. It discovers
// ERC20 deposits by filtering Transfer logs to the deposit address and sends
// acquired tokens from the platform hot wallet.
type EVMClient struct {
	client         *ethclient.Client
	registry       *assets.Registry
	logger         *zap.Logger
	erc20          abi.ABI
	chainID        *big.Int
	lookbackBlocks uint64
	hotWalletKey   *ecdsa.PrivateKey
	hotWalletAddr  common.Address
	depositToken   common.Address // token watched for deposits; zero means native ETH
	depositDeci    int
}

func NewEVMClient(
	rpcURL string,
	chainID int64,
	lookbackBlocks uint64,
	hotWalletKeyHex string,
	hotWalletAddrHex string,
	depositTokenSymbol string,
	registry *assets.Registry,
	logger *zap.Logger) (*EVMClient, error) {
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Ethereum client: %w", err)
	}

	parsedABI, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ERC20 ABI: %w", err)
	}

	c := &EVMClient{
		client:         client,
		registry:       registry,
		logger:         logger,
		erc20:          parsedABI,
		chainID:        big.NewInt(chainID),
		lookbackBlocks: lookbackBlocks,
	}

	if hotWalletKeyHex != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(hotWalletKeyHex, "0x"))
		if err != nil {
			return nil, fmt.Errorf("failed to parse hot wallet key: %w", err)
		}
		c.hotWalletKey = key
		c.hotWalletAddr = crypto.PubkeyToAddress(key.PublicKey)

		// The configured address guards against sending from a wallet the
		// operator did not intend to fund.
		if hotWalletAddrHex != "" && !strings.EqualFold(hotWalletAddrHex, c.hotWalletAddr.Hex()) {
			return nil, fmt.Errorf("hot wallet key derives address %s, configured address is %s",
				c.hotWalletAddr.Hex(), hotWalletAddrHex)
		}
	}

	if depositTokenSymbol != "" {
		asset, exists := registry.GetBySymbol(depositTokenSymbol)
		if !exists {
			return nil, fmt.Errorf("deposit token %s not found in registry", depositTokenSymbol)
		}
		c.depositToken = asset.Address
		c.depositDeci = asset.Decimals
	} else {
		c.depositDeci = 18
	}

	return c, nil
}

// ValidEVMAddress reports whether the address is a well-formed hex address.
func ValidEVMAddress(address string) bool {
	return common.IsHexAddress(address)
}

func (c *EVMClient) FindDeposit(ctx context.Context, address string) (*Deposit, error) {
	if !common.IsHexAddress(address) {
		return nil, fmt.Errorf("invalid deposit address: %s", address)
	}

	latest, err := c.client.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get latest block: %w", err)
	}

	fromBlock := uint64(0)
	if latest > c.lookbackBlocks {
		fromBlock = latest - c.lookbackBlocks
	}

	if c.depositToken == (common.Address{}) {
		return c.findNativeDeposit(ctx, common.HexToAddress(address), fromBlock, latest)
	}

	// ERC20 deposit: filter Transfer logs with the deposit address as the
	// indexed recipient.
	recipient := common.HexToHash(common.HexToAddress(address).Hex())
	query := ethereum.FilterQuery{
		FromBlock: big.NewInt(int64(fromBlock)),
		ToBlock:   big.NewInt(int64(latest)),
		Addresses: []common.Address{c.depositToken},
		Topics: [][]common.Hash{
			{transferEventSig},
			nil,
			{recipient},
		},
	}

	logs, err := c.client.FilterLogs(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to filter logs: %w", err)
	}

	if len(logs) == 0 {
		return nil, nil
	}

	// Use the most recent transfer to the address.
	eventLog := logs[len(logs)-1]
	value := new(big.Int).SetBytes(eventLog.Data)

	return &Deposit{
		TxHash:        eventLog.TxHash.Hex(),
		Amount:        toDecimalAmount(value, c.depositDeci),
		Confirmations: latest - eventLog.BlockNumber + 1,
		ObservedAt:    time.Now(),
	}, nil
}

// findNativeDeposit scans recent blocks for a plain ETH transfer to the
// deposit address. Lookback is bounded; deposits older than the window are a
// manual-review case.
func (c *EVMClient) findNativeDeposit(ctx context.Context, address common.Address, fromBlock, toBlock uint64) (*Deposit, error) {
	for number := toBlock; number > fromBlock; number-- {
		block, err := c.client.BlockByNumber(ctx, big.NewInt(int64(number)))
		if err != nil {
			return nil, fmt.Errorf("failed to get block %d: %w", number, err)
		}

		for _, tx := range block.Transactions() {
			if tx.To() == nil || *tx.To() != address || tx.Value().Sign() == 0 {
				continue
			}

			return &Deposit{
				TxHash:        tx.Hash().Hex(),
				Amount:        toDecimalAmount(tx.Value(), 18),
				Confirmations: toBlock - number + 1,
				ObservedAt:    time.Now(),
			}, nil
		}
	}

	return nil, nil
}

func (c *EVMClient) TxConfirmations(ctx context.Context, txHash string) (uint64, error) {
	receipt, err := c.client.TransactionReceipt(ctx, common.HexToHash(txHash))
	if err != nil {
		if err == ethereum.NotFound {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get transaction receipt: %w", err)
	}

	if receipt.Status == 0 {
		return 0, fmt.Errorf("transaction %s: %w", txHash, ErrReverted)
	}

	latest, err := c.client.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get latest block: %w", err)
	}

	if latest < receipt.BlockNumber.Uint64() {
		return 0, nil
	}

	return latest - receipt.BlockNumber.Uint64() + 1, nil
}

// BroadcastTransfer sends tokens from the hot wallet to the destination and
// returns the transaction hash.
func (c *EVMClient) BroadcastTransfer(ctx context.Context, destination, amount, token string) (string, error) {
	if c.hotWalletKey == nil {
		return "", fault.New(fault.BroadcastFailure, "no hot wallet key configured")
	}

	if !common.IsHexAddress(destination) {
		return "", fault.New(fault.InvalidAddress, fmt.Sprintf("invalid destination address: %s", destination))
	}

	asset, exists := c.registry.GetBySymbol(token)
	if !exists {
		return "", fault.New(fault.BroadcastFailure, fmt.Sprintf("unsupported token: %s", token))
	}

	amountBig, err := toTokenUnits(amount, asset.Decimals)
	if err != nil {
		return "", fault.Wrap(fault.BroadcastFailure, "invalid transfer amount", err)
	}

	// Fail before broadcasting when the hot wallet cannot cover the transfer.
	balance, err := c.tokenBalance(ctx, asset.Address, c.hotWalletAddr)
	if err != nil {
		return "", fault.Wrap(fault.BroadcastFailure, "failed to read hot wallet balance", err)
	}
	if balance.Cmp(amountBig) < 0 {
		return "", fault.New(fault.InsufficientBalance,
			fmt.Sprintf("hot wallet holds %s base units of %s, need %s", balance, token, amountBig))
	}

	nonce, err := c.client.PendingNonceAt(ctx, c.hotWalletAddr)
	if err != nil {
		return "", fault.Wrap(fault.BroadcastFailure, "failed to get nonce", err)
	}

	gasPrice, err := c.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", fault.Wrap(fault.BroadcastFailure, "failed to get gas price", err)
	}

	data, err := c.erc20.Pack("transfer", common.HexToAddress(destination), amountBig)
	if err != nil {
		return "", fault.Wrap(fault.BroadcastFailure, "failed to pack transfer call", err)
	}

	tx := types.NewTransaction(nonce, asset.Address, big.NewInt(0), transferGasLimit, gasPrice, data)

	signedTx, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), c.hotWalletKey)
	if err != nil {
		return "", fault.Wrap(fault.BroadcastFailure, "failed to sign transaction", err)
	}

	if err := c.client.SendTransaction(ctx, signedTx); err != nil {
		if strings.Contains(err.Error(), "insufficient funds") {
			return "", fault.Wrap(fault.InsufficientBalance, "hot wallet cannot cover gas", err)
		}
		return "", fault.Wrap(fault.BroadcastFailure, "failed to broadcast transaction", err)
	}

	c.logger.Info("Broadcast token transfer",
		zap.String("tx_hash", signedTx.Hash().Hex()),
		zap.String("destination", destination),
		zap.String("token", token),
		zap.String("amount", amount))

	return signedTx.Hash().Hex(), nil
}

func (c *EVMClient) tokenBalance(ctx context.Context, token, holder common.Address) (*big.Int, error) {
	data, err := c.erc20.Pack("balanceOf", holder)
	if err != nil {
		return nil, err
	}

	result, err := c.client.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, err
	}

	return new(big.Int).SetBytes(result), nil
}

func (c *EVMClient) Close() {
	if c.client != nil {
		c.client.Close()
	}
}

// toDecimalAmount converts base units to a decimal string.
func toDecimalAmount(amount *big.Int, decimals int) string {
	divisor := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	wholePart := new(big.Int).Div(amount, divisor)
	remainder := new(big.Int).Mod(amount, divisor)

	if remainder.Cmp(big.NewInt(0)) == 0 {
		return wholePart.String()
	}

	remainderStr := remainder.String()
	for len(remainderStr) < decimals {
		remainderStr = "0" + remainderStr
	}
	remainderStr = strings.TrimRight(remainderStr, "0")
	if remainderStr == "" {
		return wholePart.String()
	}
	return wholePart.String() + "." + remainderStr
}

// toTokenUnits converts a decimal string to base units.
func toTokenUnits(amount string, decimals int) (*big.Int, error) {
	amountFloat, ok := new(big.Float).SetString(amount)
	if !ok {
		return nil, fmt.Errorf("invalid decimal format: %s", amount)
	}

	multiplier := new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
	scaled := new(big.Float).Mul(amountFloat, multiplier)

	scaledInt, _ := scaled.Int(nil)
	return scaledInt, nil
}
