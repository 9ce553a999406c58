package assets

import "github.com/ethereum/go-ethereum/common"

// Chain identifies the settlement chain of an asset.
type Chain string

const (
	ChainBitcoin  Chain = "bitcoin"
	ChainEthereum Chain = "ethereum"
)

// Asset represents a token deliverable to a customer wallet.
type Asset struct {
	Symbol   string         `json:"symbol"`
	Name     string         `json:"name"`
	Chain    Chain          `json:"chain"`
	Address  common.Address `json:"address"` // zero for non-EVM assets
	Decimals int            `json:"decimals"`
}

// Rail describes an inbound payment method.
type Rail struct {
	Method   string `json:"method"`
	Fiat     bool   `json:"fiat"`
	Chain    Chain  `json:"chain"` // empty for fiat rails
	Currency string `json:"currency"`
	Decimals int    `json:"decimals"`
}

// Registry holds all supported target assets and payment rails.
type Registry struct {
	assets    map[string]*Asset
	byAddress map[common.Address]*Asset
	rails     map[string]*Rail
}

// NewRegistry creates a registry with all supported assets and rails.
func NewRegistry() *Registry {
	registry := &Registry{
		assets:    make(map[string]*Asset),
		byAddress: make(map[common.Address]*Asset),
		rails:     make(map[string]*Rail),
	}

	supportedAssets := []*Asset{
		{
			Symbol:   "ACME",
			Name:     "Acme Token",
			Chain:    ChainEthereum,
			Address:  common.HexToAddress("0x9f8f72aa9304c8b593d555f12ef6589cc3a579a2"),
			Decimals: 18,
		},
		{
			Symbol:   "USDT",
			Name:     "Tether USD",
			Chain:    ChainEthereum,
			Address:  common.HexToAddress("0xdac17f958d2ee523a2206206994597c13d831ec7"),
			Decimals: 6,
		},
		{
			Symbol:   "WETH",
			Name:     "Wrapped Ether",
			Chain:    ChainEthereum,
			Address:  common.HexToAddress("0xc02aaa39b223fe8d0a0e5c4f27ead9083c756cc2"),
			Decimals: 18,
		},
	}

	supportedRails := []*Rail{
		{Method: "CARD", Fiat: true, Currency: "USD", Decimals: 2},
		{Method: "BITCOIN", Fiat: false, Chain: ChainBitcoin, Currency: "BTC", Decimals: 8},
		{Method: "ETHEREUM", Fiat: false, Chain: ChainEthereum, Currency: "ETH", Decimals: 18},
		{Method: "USDT", Fiat: false, Chain: ChainEthereum, Currency: "USDT", Decimals: 6},
	}

	for _, asset := range supportedAssets {
		registry.assets[asset.Symbol] = asset
		if asset.Address != (common.Address{}) {
			registry.byAddress[asset.Address] = asset
		}
	}

	for _, rail := range supportedRails {
		registry.rails[rail.Method] = rail
	}

	return registry
}

// GetBySymbol returns an asset by its symbol.
func (r *Registry) GetBySymbol(symbol string) (*Asset, bool) {
	asset, exists := r.assets[symbol]
	return asset, exists
}

// GetByAddress returns an asset by its contract address.
func (r *Registry) GetByAddress(address common.Address) (*Asset, bool) {
	asset, exists := r.byAddress[address]
	return asset, exists
}

// GetRail returns a payment rail by method name.
func (r *Registry) GetRail(method string) (*Rail, bool) {
	rail, exists := r.rails[method]
	return rail, exists
}

// IsAssetSupported checks if a target token symbol is supported.
func (r *Registry) IsAssetSupported(symbol string) bool {
	_, exists := r.assets[symbol]
	return exists
}

// IsMethodSupported checks if a payment method is supported.
func (r *Registry) IsMethodSupported(method string) bool {
	_, exists := r.rails[method]
	return exists
}

// SupportedAssets returns all supported target token symbols.
func (r *Registry) SupportedAssets() []string {
	symbols := make([]string, 0, len(r.assets))
	for symbol := range r.assets {
		symbols = append(symbols, symbol)
	}
	return symbols
}

// SupportedMethods returns all supported payment method names.
func (r *Registry) SupportedMethods() []string {
	methods := make([]string, 0, len(r.rails))
	for method := range r.rails {
		methods = append(methods, method)
	}
	return methods
}
