package testutils

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/mrtinhnguyen/ticketx-ledger-sync/internal/contracts"
)

// Well-known addresses used across tests.
var (
	Factory        = common.HexToAddress("0xFac7000000000000000000000000000000000001")
	TicketContract = common.HexToAddress("0x71c4000000000000000000000000000000000002")
	Alice          = common.HexToAddress("0xA11CE00000000000000000000000000000000003")
	Bob            = common.HexToAddress("0xB0B0000000000000000000000000000000000004")
	Carol          = common.HexToAddress("0xCA70100000000000000000000000000000000005")
)

func ContractBoundLog(factory common.Address, entityID int64, contract common.Address, block uint64, index uint) types.Log {
	return newLog(factory, contracts.EventContractBound, block, index,
		[]common.Hash{common.BigToHash(big.NewInt(entityID))},
		pack(contracts.EventContractBound, contract))
}

func TicketIssuedLog(contract, owner common.Address, tokenID int64, block uint64, index uint) types.Log {
	return newLog(contract, contracts.EventTicketIssued, block, index,
		[]common.Hash{addressTopic(owner), common.BigToHash(big.NewInt(tokenID))}, nil)
}

func TicketTransferredLog(contract, from, to common.Address, tokenID int64, block uint64, index uint) types.Log {
	return newLog(contract, contracts.EventTicketTransferred, block, index,
		[]common.Hash{addressTopic(from), addressTopic(to), common.BigToHash(big.NewInt(tokenID))}, nil)
}

func SaleParametersLog(contract common.Address, price, supply *big.Int, saleStart, saleEnd uint64, block uint64, index uint) types.Log {
	return newLog(contract, contracts.EventSaleParametersChanged, block, index, nil,
		pack(contracts.EventSaleParametersChanged, price, supply, saleStart, saleEnd))
}

func TicketUsedLog(contract common.Address, tokenID int64, block uint64, index uint) types.Log {
	return newLog(contract, contracts.EventTicketUsed, block, index,
		[]common.Hash{common.BigToHash(big.NewInt(tokenID))}, nil)
}

// Removed returns a copy of l flagged as retracted by a reorg.
func Removed(l types.Log) types.Log {
	l.Removed = true
	return l
}

func newLog(address common.Address, event string, block uint64, index uint, indexed []common.Hash, data []byte) types.Log {
	topics := append([]common.Hash{contracts.Topic(event)}, indexed...)
	if data == nil {
		data = []byte{}
	}
	return types.Log{
		Address:     address,
		Topics:      topics,
		Data:        data,
		BlockNumber: block,
		BlockHash:   common.BigToHash(new(big.Int).SetUint64(block)),
		TxHash:      common.HexToHash(fmt.Sprintf("0x%x%04x", block, index)),
		Index:       index,
	}
}

func addressTopic(addr common.Address) common.Hash {
	return common.BytesToHash(addr.Bytes())
}

func pack(event string, values ...any) []byte {
	data, err := contracts.ABI.Events[event].Inputs.NonIndexed().Pack(values...)
	if err != nil {
		panic(fmt.Sprintf("packing %s: %v", event, err))
	}
	return data
}
