package provider

// Inbound provider method names handled by the router.
const (
	MethodChainID         = "eth_chainId"
	MethodNetVersion      = "net_version"
	MethodAccounts        = "eth_accounts"
	MethodRequestAccounts = "eth_requestAccounts"
	MethodSwitchChain     = "wallet_switchEthereumChain"
	MethodPersonalSign    = "personal_sign"
	MethodSignTypedDataV4 = "eth_signTypedData_v4"
	MethodSendTransaction = "eth_sendTransaction"
	MethodGetProviderInfo = "wallet_getProviderInfo"
)

// passthroughMethods is the allow-list of read-only/broadcast RPC calls a
// dapp may send straight through to the endpoint pool without backend
// involvement.
var passthroughMethods = map[string]struct{}{
	"eth_blockNumber":                         {},
	"eth_call":                                {},
	"eth_estimateGas":                         {},
	"eth_gasPrice":                            {},
	"eth_maxPriorityFeePerGas":                {},
	"eth_feeHistory":                          {},
	"eth_getBalance":                          {},
	"eth_getCode":                             {},
	"eth_getStorageAt":                        {},
	"eth_getLogs":                             {},
	"eth_getBlockByHash":                      {},
	"eth_getBlockByNumber":                    {},
	"eth_getTransactionByHash":                {},
	"eth_getTransactionCount":                 {},
	"eth_getTransactionReceipt":               {},
	"eth_getBlockTransactionCountByHash":      {},
	"eth_getBlockTransactionCountByNumber":    {},
	"eth_getTransactionByBlockNumberAndIndex": {},
	"eth_sendRawTransaction":                  {},
}

// IsPassthrough reports whether method may bypass backend dispatch and be
// forwarded verbatim to the RPC endpoint pool.
func IsPassthrough(method string) bool {
	_, ok := passthroughMethods[method]
	return ok
}
