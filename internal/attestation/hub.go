package attestation

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"tubekeeper/internal/config"
	"tubekeeper/internal/evm"
)

const (
	registryABI = `[{"type":"function","name":"getContractAddressByName","stateMutability":"view","inputs":[{"name":"_name","type":"string"}],"outputs":[{"name":"","type":"address"}]}]`
	fdcHubABI   = `[{"type":"function","name":"requestAttestation","stateMutability":"payable","inputs":[{"name":"_data","type":"bytes"}],"outputs":[]}]`
	feeABI      = `[{"type":"function","name":"getRequestFee","stateMutability":"view","inputs":[{"name":"_data","type":"bytes"}],"outputs":[{"name":"","type":"uint256"}]}]`
	systemsABI  = `[{"type":"function","name":"firstVotingRoundStartTs","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint64"}]},
{"type":"function","name":"votingEpochDurationSeconds","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint64"}]}]`
	relayABI        = `[{"type":"function","name":"isFinalized","stateMutability":"view","inputs":[{"name":"_protocolId","type":"uint256"},{"name":"_votingRoundId","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}]`
	verificationIDs = `[{"type":"function","name":"fdcProtocolId","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]}]`
)

// EVMHub implements Hub against the FdcHub and Relay contracts.
type EVMHub struct {
	chain      *evm.Chain
	hub        *evm.Contract
	fees       *evm.Contract
	systems    *evm.Contract
	relay      *evm.Contract
	protocolID *big.Int
	log        *slog.Logger
}

// NewEVMHub binds the protocol contracts. Addresses left empty in cfg are
// looked up in the Flare contract registry.
func NewEVMHub(ctx context.Context, chain *evm.Chain, cfg config.AttestationConfig, logger *slog.Logger) (*EVMHub, error) {
	if logger == nil {
		logger = slog.Default()
	}
	registry := chain.Bind("FlareContractRegistry", common.HexToAddress(cfg.RegistryAddress), evm.MustParseABI(registryABI))
	resolve := func(name, explicit string) (common.Address, error) {
		if explicit != "" {
			if !common.IsHexAddress(explicit) {
				return common.Address{}, fmt.Errorf("%s address %q is not a hex address", name, explicit)
			}
			return common.HexToAddress(explicit), nil
		}
		out, err := chain.Call(ctx, registry, "getContractAddressByName", name)
		if err != nil {
			return common.Address{}, fmt.Errorf("resolve %s: %w", name, err)
		}
		addr := out[0].(common.Address)
		if addr == (common.Address{}) {
			return common.Address{}, fmt.Errorf("resolve %s: not registered", name)
		}
		return addr, nil
	}

	h := &EVMHub{chain: chain, log: logger.With("module", "attestation", "layer", "chain")}
	binds := []struct {
		name     string
		explicit string
		abi      string
		dst      **evm.Contract
	}{
		{"FdcHub", cfg.FdcHubAddress, fdcHubABI, &h.hub},
		{"FdcRequestFeeConfigurations", cfg.FeeConfigAddress, feeABI, &h.fees},
		{"FlareSystemsManager", cfg.SystemsManagerAddr, systemsABI, &h.systems},
		{"Relay", cfg.RelayAddress, relayABI, &h.relay},
	}
	for _, b := range binds {
		addr, err := resolve(b.name, b.explicit)
		if err != nil {
			return nil, err
		}
		*b.dst = chain.Bind(b.name, addr, evm.MustParseABI(b.abi))
	}

	h.protocolID = new(big.Int).SetUint64(cfg.ProtocolID)
	if verifier, err := resolve("FdcVerification", cfg.VerificationAddress); err == nil {
		ct := chain.Bind("FdcVerification", verifier, evm.MustParseABI(verificationIDs))
		if out, err := chain.Call(ctx, ct, "fdcProtocolId"); err == nil {
			h.protocolID = new(big.Int).SetUint64(uint64(out[0].(uint8)))
		} else {
			h.log.Warn("fdcProtocolId read failed, using configured id", "event", "protocol_id_fallback", "error", err)
		}
	}
	h.log.Info("fdc contracts bound", "event", "hub_ready", "fdc_hub", h.hub.Address.Hex(), "relay", h.relay.Address.Hex(), "protocol_id", h.protocolID.String())
	return h, nil
}

// RequestAttestation pays the request fee and derives the voting round from
// the inclusion block timestamp.
func (h *EVMHub) RequestAttestation(ctx context.Context, encoded []byte) (uint64, error) {
	out, err := h.chain.Call(ctx, h.fees, "getRequestFee", encoded)
	if err != nil {
		return 0, err
	}
	fee := out[0].(*big.Int)
	receipt, err := h.chain.Send(ctx, h.hub, fee, "requestAttestation", encoded)
	if err != nil {
		return 0, err
	}
	ts, err := h.chain.BlockTime(ctx, receipt.BlockNumber)
	if err != nil {
		return 0, err
	}
	out, err = h.chain.Call(ctx, h.systems, "firstVotingRoundStartTs")
	if err != nil {
		return 0, err
	}
	first := out[0].(uint64)
	out, err = h.chain.Call(ctx, h.systems, "votingEpochDurationSeconds")
	if err != nil {
		return 0, err
	}
	return RoundID(ts, first, out[0].(uint64))
}

// RoundID maps a block timestamp onto a voting round.
func RoundID(blockTs, firstStartTs, epochSeconds uint64) (uint64, error) {
	if epochSeconds == 0 {
		return 0, fmt.Errorf("voting epoch duration is zero")
	}
	if blockTs < firstStartTs {
		return 0, fmt.Errorf("block timestamp %d precedes first voting round %d", blockTs, firstStartTs)
	}
	return (blockTs - firstStartTs) / epochSeconds, nil
}

func (h *EVMHub) IsFinalized(ctx context.Context, round uint64) (bool, error) {
	out, err := h.chain.Call(ctx, h.relay, "isFinalized", h.protocolID, new(big.Int).SetUint64(round))
	if err != nil {
		return false, err
	}
	return out[0].(bool), nil
}
