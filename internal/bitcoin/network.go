package bitcoin

import (
	"strings"

	"github.com/btcsuite/btcd/chaincfg"

	"github.com/bardlex/gomp-relay/pkg/errors"
)

// NetworkParams maps a configured network name to its chain parameters.
func NetworkParams(network string) (*chaincfg.Params, error) {
	switch strings.ToLower(network) {
	case "", "mainnet", "main":
		return &chaincfg.MainNetParams, nil
	case "testnet", "testnet3":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	case "simnet":
		return &chaincfg.SimNetParams, nil
	}
	return nil, errors.New(errors.ErrorTypeValidation, "network_params", "unknown network").
		WithContext("network", network)
}
