package contracts

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ErrMalformedLog is returned when a log does not match the expected event layout.
var ErrMalformedLog = errors.New("malformed log")

// ContractBound binds a business entity to its ticket contract.
type ContractBound struct {
	EntityID *big.Int
	Contract common.Address
}

// TicketIssued records a newly minted ticket.
type TicketIssued struct {
	Contract common.Address
	Owner    common.Address
	TokenID  *big.Int
}

// TicketTransferred records an ownership change.
type TicketTransferred struct {
	Contract common.Address
	From     common.Address
	To       common.Address
	TokenID  *big.Int
}

// SaleParametersChanged carries the sale configuration of a ticket contract.
type SaleParametersChanged struct {
	Contract  common.Address
	Price     *big.Int
	Supply    *big.Int
	SaleStart uint64
	SaleEnd   uint64
}

// TicketUsed marks a ticket as consumed.
type TicketUsed struct {
	Contract common.Address
	TokenID  *big.Int
}

func DecodeContractBound(log types.Log) (*ContractBound, error) {
	fields, err := unpack(EventContractBound, log)
	if err != nil {
		return nil, err
	}
	id, err := bigField(fields, "entityId")
	if err != nil {
		return nil, err
	}
	contract, err := addressField(fields, "ticketContract")
	if err != nil {
		return nil, err
	}
	return &ContractBound{EntityID: id, Contract: contract}, nil
}

func DecodeTicketIssued(log types.Log) (*TicketIssued, error) {
	fields, err := unpack(EventTicketIssued, log)
	if err != nil {
		return nil, err
	}
	owner, err := addressField(fields, "owner")
	if err != nil {
		return nil, err
	}
	id, err := bigField(fields, "tokenId")
	if err != nil {
		return nil, err
	}
	return &TicketIssued{Contract: log.Address, Owner: owner, TokenID: id}, nil
}

func DecodeTicketTransferred(log types.Log) (*TicketTransferred, error) {
	fields, err := unpack(EventTicketTransferred, log)
	if err != nil {
		return nil, err
	}
	from, err := addressField(fields, "from")
	if err != nil {
		return nil, err
	}
	to, err := addressField(fields, "to")
	if err != nil {
		return nil, err
	}
	id, err := bigField(fields, "tokenId")
	if err != nil {
		return nil, err
	}
	return &TicketTransferred{Contract: log.Address, From: from, To: to, TokenID: id}, nil
}

func DecodeSaleParametersChanged(log types.Log) (*SaleParametersChanged, error) {
	fields, err := unpack(EventSaleParametersChanged, log)
	if err != nil {
		return nil, err
	}
	price, err := bigField(fields, "price")
	if err != nil {
		return nil, err
	}
	supply, err := bigField(fields, "supply")
	if err != nil {
		return nil, err
	}
	start, err := uint64Field(fields, "saleStart")
	if err != nil {
		return nil, err
	}
	end, err := uint64Field(fields, "saleEnd")
	if err != nil {
		return nil, err
	}
	return &SaleParametersChanged{Contract: log.Address, Price: price, Supply: supply, SaleStart: start, SaleEnd: end}, nil
}

func DecodeTicketUsed(log types.Log) (*TicketUsed, error) {
	fields, err := unpack(EventTicketUsed, log)
	if err != nil {
		return nil, err
	}
	id, err := bigField(fields, "tokenId")
	if err != nil {
		return nil, err
	}
	return &TicketUsed{Contract: log.Address, TokenID: id}, nil
}

// unpack checks the signature topic and returns indexed and non-indexed fields by name.
func unpack(event string, log types.Log) (map[string]any, error) {
	ev := ABI.Events[event]

	var indexed abi.Arguments
	for _, arg := range ev.Inputs {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	if len(log.Topics) != len(indexed)+1 {
		return nil, fmt.Errorf("%w: %s expects %d topics, got %d", ErrMalformedLog, event, len(indexed)+1, len(log.Topics))
	}
	if log.Topics[0] != ev.ID {
		return nil, fmt.Errorf("%w: topic %s is not %s", ErrMalformedLog, log.Topics[0].Hex(), event)
	}

	fields := make(map[string]any, len(ev.Inputs))
	if err := abi.ParseTopicsIntoMap(fields, indexed, log.Topics[1:]); err != nil {
		return nil, fmt.Errorf("%w: %s topics: %v", ErrMalformedLog, event, err)
	}
	if len(ev.Inputs.NonIndexed()) > 0 {
		if err := ABI.UnpackIntoMap(fields, event, log.Data); err != nil {
			return nil, fmt.Errorf("%w: %s data: %v", ErrMalformedLog, event, err)
		}
	}
	return fields, nil
}

func bigField(fields map[string]any, name string) (*big.Int, error) {
	v, ok := fields[name].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%w: field %s is %T", ErrMalformedLog, name, fields[name])
	}
	return v, nil
}

func addressField(fields map[string]any, name string) (common.Address, error) {
	v, ok := fields[name].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("%w: field %s is %T", ErrMalformedLog, name, fields[name])
	}
	return v, nil
}

func uint64Field(fields map[string]any, name string) (uint64, error) {
	v, ok := fields[name].(uint64)
	if !ok {
		return 0, fmt.Errorf("%w: field %s is %T", ErrMalformedLog, name, fields[name])
	}
	return v, nil
}
