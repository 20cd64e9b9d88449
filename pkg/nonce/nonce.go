package nonce

// NonceService issues unguessable single-use values. The relying party
// uses it for the `state` of an authorization attempt: Get at PAR time,
// Redeem when the callback presents the value back. Redeeming twice fails,
// which makes a replayed callback detectable.
type NonceService interface {
	Get() (string, error)
	Redeem(nonceStr string) error
}
