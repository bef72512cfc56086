package contracts

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/mrtinhnguyen/ticketx-ledger-sync/internal/events"
)

var kindEvents = map[events.Kind]string{
	events.KindEntityBound:           EventContractBound,
	events.KindTokenIssued:           EventTicketIssued,
	events.KindTokenTransferred:      EventTicketTransferred,
	events.KindSaleParametersChanged: EventSaleParametersChanged,
	events.KindTokenConsumed:         EventTicketUsed,
}

// Addresses are the emitters the pipeline listens to. An empty Tickets list
// accepts ticket events from any emitter.
type Addresses struct {
	Factory common.Address
	Tickets []common.Address
}

// ParseAddresses builds Addresses from the configured hex strings.
func ParseAddresses(factory string, tickets []string) (Addresses, error) {
	if !common.IsHexAddress(factory) {
		return Addresses{}, fmt.Errorf("invalid factory address %q", factory)
	}
	addrs := Addresses{Factory: common.HexToAddress(factory)}
	for _, t := range tickets {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if !common.IsHexAddress(t) {
			return Addresses{}, fmt.Errorf("invalid ticket contract address %q", t)
		}
		addrs.Tickets = append(addrs.Tickets, common.HexToAddress(t))
	}
	return addrs, nil
}

// Filter returns the address and topic filter for a domain kind, without a block range.
func (a Addresses) Filter(kind events.Kind) (ethereum.FilterQuery, error) {
	name, ok := kindEvents[kind]
	if !ok {
		return ethereum.FilterQuery{}, fmt.Errorf("%w: %q has no log filter", events.ErrUnknownKind, kind)
	}
	q := ethereum.FilterQuery{Topics: [][]common.Hash{{Topic(name)}}}
	if kind == events.KindEntityBound {
		q.Addresses = []common.Address{a.Factory}
	} else if len(a.Tickets) > 0 {
		q.Addresses = append([]common.Address(nil), a.Tickets...)
	}
	return q, nil
}

// Filters returns the filter of every domain kind.
func (a Addresses) Filters() (map[events.Kind]ethereum.FilterQuery, error) {
	out := make(map[events.Kind]ethereum.FilterQuery, len(events.DomainKinds))
	for _, kind := range events.DomainKinds {
		q, err := a.Filter(kind)
		if err != nil {
			return nil, err
		}
		out[kind] = q
	}
	return out, nil
}
