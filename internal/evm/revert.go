package evm

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
)

// RevertError reports that a contract refused a call.
type RevertError struct {
	Contract string
	Method   string
	Reason   string
	TxHash   string
}

func (e *RevertError) Error() string {
	return fmt.Sprintf("%s.%s reverted: %s", e.Contract, e.Method, e.Reason)
}

var errorStringSelector = []byte{0x08, 0xc3, 0x79, 0xa0}

// RevertReason extracts a human-readable revert reason from an RPC error.
// Custom errors declared in parsed are reported by name.
func RevertReason(err error, parsed *abi.ABI) (string, bool) {
	var de rpc.DataError
	if errors.As(err, &de) {
		if data := revertData(de.ErrorData()); len(data) >= 4 {
			if bytes.Equal(data[:4], errorStringSelector) {
				if reason, uerr := abi.UnpackRevert(data); uerr == nil {
					return reason, true
				}
			}
			if parsed != nil {
				for name, e := range parsed.Errors {
					if bytes.Equal(data[:4], e.ID[:4]) {
						return name, true
					}
				}
			}
			return hexutil.Encode(data[:4]), true
		}
	}
	msg := err.Error()
	if i := strings.Index(msg, "execution reverted"); i >= 0 {
		reason := strings.TrimSpace(strings.TrimPrefix(msg[i+len("execution reverted"):], ":"))
		if reason == "" {
			reason = "execution reverted"
		}
		return reason, true
	}
	return "", false
}

func revertData(raw any) []byte {
	switch v := raw.(type) {
	case string:
		data, err := hexutil.Decode(v)
		if err != nil {
			return nil
		}
		return data
	case []byte:
		return v
	default:
		return nil
	}
}
