package config

// KnownNetwork carries defaults for a well-known EVM network so a chain entry can
// name the network and omit its chain id and USDC token.
type KnownNetwork struct {
	ChainID uint64
	Tokens  []TokenConfig
}

// KnownNetworks is keyed by lower-case network name. USDC addresses are Circle's
// native deployments.
var KnownNetworks = map[string]KnownNetwork{
	"ethereum":  {ChainID: 1, Tokens: []TokenConfig{{Address: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48", Symbol: "USDC", Decimals: 6}}},
	"base":      {ChainID: 8453, Tokens: []TokenConfig{{Address: "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913", Symbol: "USDC", Decimals: 6}}},
	"polygon":   {ChainID: 137, Tokens: []TokenConfig{{Address: "0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359", Symbol: "USDC", Decimals: 6}}},
	"avalanche": {ChainID: 43114, Tokens: []TokenConfig{{Address: "0xB97EF9Ef8734C71904D8002F8b6Bc66Dd9c48a6E", Symbol: "USDC", Decimals: 6}}},

	"sepolia":        {ChainID: 11155111, Tokens: []TokenConfig{{Address: "0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238", Symbol: "USDC", Decimals: 6}}},
	"base-sepolia":   {ChainID: 84532, Tokens: []TokenConfig{{Address: "0x036CbD53842c5426634e7929541eC2318f3dCF7e", Symbol: "USDC", Decimals: 6}}},
	"polygon-amoy":   {ChainID: 80002, Tokens: []TokenConfig{{Address: "0x41E94Eb019C0762f9Bfcf9Fb1E58725BfB0e7582", Symbol: "USDC", Decimals: 6}}},
	"avalanche-fuji": {ChainID: 43113, Tokens: []TokenConfig{{Address: "0x5425890298aed601595a70AB815c96711a31Bc65", Symbol: "USDC", Decimals: 6}}},
}
