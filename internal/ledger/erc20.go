package ledger

import (
	"bytes"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const erc20TransferABI = `[{"type":"function","name":"transfer","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}]`

// TransferSelector is the 4-byte selector of transfer(address,uint256).
var TransferSelector = []byte{0xa9, 0x05, 0x9c, 0xbb}

var transferMethod = mustTransferMethod()

func mustTransferMethod() abi.Method {
	parsed, err := abi.JSON(strings.NewReader(erc20TransferABI))
	if err != nil {
		panic(fmt.Sprintf("invalid erc20 abi: %v", err))
	}
	return parsed.Methods["transfer"]
}

// isTransferCall reports whether calldata starts with the transfer selector.
func isTransferCall(data []byte) bool {
	return len(data) >= 4 && bytes.Equal(data[:4], TransferSelector)
}

// decodeTransfer returns the recipient and amount of a transfer call.
func decodeTransfer(data []byte) (common.Address, *big.Int, error) {
	if !isTransferCall(data) {
		return common.Address{}, nil, fmt.Errorf("not a transfer call")
	}
	args, err := transferMethod.Inputs.Unpack(data[4:])
	if err != nil {
		return common.Address{}, nil, fmt.Errorf("unpack transfer args: %w", err)
	}
	if len(args) != 2 {
		return common.Address{}, nil, fmt.Errorf("unexpected transfer arg count %d", len(args))
	}
	to, ok := args[0].(common.Address)
	if !ok {
		return common.Address{}, nil, fmt.Errorf("transfer recipient has type %T", args[0])
	}
	amount, ok := args[1].(*big.Int)
	if !ok {
		return common.Address{}, nil, fmt.Errorf("transfer amount has type %T", args[1])
	}
	return to, amount, nil
}

// EncodeTransfer builds calldata for transfer(to, amount).
func EncodeTransfer(to common.Address, amount *big.Int) ([]byte, error) {
	packed, err := transferMethod.Inputs.Pack(to, amount)
	if err != nil {
		return nil, err
	}
	return append(append([]byte{}, TransferSelector...), packed...), nil
}
