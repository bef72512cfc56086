package contracts

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Event names as declared by the factory and ticket contracts.
const (
	EventContractBound         = "ContractBound"
	EventTicketIssued          = "TicketIssued"
	EventTicketTransferred     = "TicketTransferred"
	EventSaleParametersChanged = "SaleParametersChanged"
	EventTicketUsed            = "TicketUsed"
)

const eventsABI = `[
  {"type":"event","name":"ContractBound","anonymous":false,"inputs":[
    {"name":"entityId","type":"uint256","indexed":true},
    {"name":"ticketContract","type":"address","indexed":false}]},
  {"type":"event","name":"TicketIssued","anonymous":false,"inputs":[
    {"name":"owner","type":"address","indexed":true},
    {"name":"tokenId","type":"uint256","indexed":true}]},
  {"type":"event","name":"TicketTransferred","anonymous":false,"inputs":[
    {"name":"from","type":"address","indexed":true},
    {"name":"to","type":"address","indexed":true},
    {"name":"tokenId","type":"uint256","indexed":true}]},
  {"type":"event","name":"SaleParametersChanged","anonymous":false,"inputs":[
    {"name":"price","type":"uint256","indexed":false},
    {"name":"supply","type":"uint256","indexed":false},
    {"name":"saleStart","type":"uint64","indexed":false},
    {"name":"saleEnd","type":"uint64","indexed":false}]},
  {"type":"event","name":"TicketUsed","anonymous":false,"inputs":[
    {"name":"tokenId","type":"uint256","indexed":true}]}
]`

// ABI is the parsed event ABI shared by decoders and test log builders.
var ABI = mustParse(eventsABI)

func mustParse(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic("invalid events ABI: " + err.Error())
	}
	return parsed
}

// Topic returns the signature hash (topic 0) of the named event.
func Topic(event string) common.Hash {
	ev, ok := ABI.Events[event]
	if !ok {
		panic("unknown event " + event)
	}
	return ev.ID
}
