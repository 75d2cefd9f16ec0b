// Package schema defines the unified NFT payload types carried through the
// metadata pipeline.
package schema

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/unionidx/unionidx/errs"
)

// Blockchain names a supported chain backend.
type Blockchain string

const (
	// BlockchainEthereum identifies the Ethereum backend.
	BlockchainEthereum Blockchain = "ethereum"
	// BlockchainPolygon identifies the Polygon backend.
	BlockchainPolygon Blockchain = "polygon"
	// BlockchainFlow identifies the Flow backend.
	BlockchainFlow Blockchain = "flow"
	// BlockchainSolana identifies the Solana backend.
	BlockchainSolana Blockchain = "solana"
	// BlockchainTezos identifies the Tezos backend.
	BlockchainTezos Blockchain = "tezos"
)

// Validate ensures the blockchain is one of the supported backends.
func (b Blockchain) Validate() error {
	switch b {
	case BlockchainEthereum, BlockchainPolygon, BlockchainFlow, BlockchainSolana, BlockchainTezos:
		return nil
	default:
		return errs.New("schema/blockchain", errs.CodeInvalid, errs.WithMessage("unsupported blockchain: "+string(b)))
	}
}

// ParseItemID splits a unified item identifier of the form
// "<blockchain>:<contract>:<tokenId>" into its blockchain prefix.
func ParseItemID(id string) (Blockchain, error) {
	trimmed := strings.TrimSpace(id)
	idx := strings.IndexByte(trimmed, ':')
	if idx <= 0 {
		return "", errs.New("schema/item-id", errs.CodeInvalid, errs.WithMessage("item id must be prefixed with a blockchain"))
	}
	chain := Blockchain(strings.ToLower(trimmed[:idx]))
	if err := chain.Validate(); err != nil {
		return "", err
	}
	return chain, nil
}

// Attribute is a single trait attached to an item's metadata.
type Attribute struct {
	Key    string `json:"key"`
	Value  string `json:"value"`
	Type   string `json:"type,omitempty"`
	Format string `json:"format,omitempty"`
}

// Content references a piece of downloadable media attached to an item.
type Content struct {
	URL            string `json:"url"`
	Representation string `json:"representation"`
	MimeType       string `json:"mimeType,omitempty"`
	Width          int    `json:"width,omitempty"`
	Height         int    `json:"height,omitempty"`
	Size           int64  `json:"size,omitempty"`
}

// ItemMeta is the externally-fetched metadata for an item.
type ItemMeta struct {
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Language    string      `json:"language,omitempty"`
	Genres      []string    `json:"genres,omitempty"`
	Tags        []string    `json:"tags,omitempty"`
	CreatedAt   *time.Time  `json:"createdAt,omitempty"`
	ExternalURI string      `json:"externalUri,omitempty"`
	OriginalURI string      `json:"originalMetaUri,omitempty"`
	Attributes  []Attribute `json:"attributes,omitempty"`
	Content     []Content   `json:"content,omitempty"`
}

// CollectionMeta is the externally-fetched metadata for a collection.
type CollectionMeta struct {
	Name                 string    `json:"name"`
	Description          string    `json:"description,omitempty"`
	ExternalURI          string    `json:"externalUri,omitempty"`
	OriginalURI          string    `json:"originalMetaUri,omitempty"`
	FeeRecipient         string    `json:"feeRecipient,omitempty"`
	SellerFeeBasisPoints int       `json:"sellerFeeBasisPoints,omitempty"`
	Content              []Content `json:"content,omitempty"`
}

// OwnershipSnapshot records the resolved ownership state for an ownership key.
type OwnershipSnapshot struct {
	Owner      string          `json:"owner"`
	ItemID     string          `json:"itemId"`
	Value      decimal.Decimal `json:"value"`
	LazyValue  decimal.Decimal `json:"lazyValue"`
	CreatedAt  time.Time       `json:"createdAt"`
	ResolvedAt time.Time       `json:"resolvedAt"`
}

// OrderSnapshot records the resolved best-order state for an order key.
type OrderSnapshot struct {
	OrderID      string          `json:"orderId"`
	Maker        string          `json:"maker"`
	Platform     string          `json:"platform"`
	MakePrice    decimal.Decimal `json:"makePrice"`
	TakePrice    decimal.Decimal `json:"takePrice"`
	MakePriceUSD decimal.Decimal `json:"makePriceUsd"`
	Currency     string          `json:"currency"`
	ResolvedAt   time.Time       `json:"resolvedAt"`
}
