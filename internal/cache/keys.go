package cache

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// HeadKey holds the pipeline's view of chain heights.
const HeadKey = "chain:head"

// Field names shared by writers and readers.
const (
	FieldOwner           = "owner"
	FieldUsed            = "used"
	FieldContractAddress = "contractAddress"
	FieldEntityID        = "entityId"
	FieldPrice           = "price"
	FieldSupply          = "supply"
	FieldSaleStart       = "saleStart"
	FieldSaleEnd         = "saleEnd"
)

// Addr is the canonical lowercase hex form used in keys and rows.
func Addr(a common.Address) string {
	return strings.ToLower(a.Hex())
}

func EntityKey(entityID string) string {
	return "entity:" + entityID
}

// ContractKey maps a ticket contract to its entity before the binding is finalized.
func ContractKey(contract common.Address) string {
	return "contract:" + Addr(contract)
}

func TokenKey(contract common.Address, tokenID *big.Int) string {
	return "token:" + Addr(contract) + ":" + tokenID.String()
}

func OwnerIndexKey(owner common.Address) string {
	return "tokensByOwner:" + Addr(owner)
}

// OwnerIndexField is the field of a ticket inside an owner index.
func OwnerIndexField(contract common.Address, tokenID *big.Int) string {
	return Addr(contract) + ":" + tokenID.String()
}

// ProvisionalTicket is the pre-finality record kept in an owner index.
type ProvisionalTicket struct {
	Contract string `json:"contract"`
	TokenID  string `json:"tokenId"`
	Owner    string `json:"owner"`
	Block    uint64 `json:"block"`
	LogIndex uint   `json:"logIndex"`
}
