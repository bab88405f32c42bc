package provenance

import (
	"errors"
	"fmt"

	"github.com/altamira/traceledger/backend/internal/domain"
)

// ErrPayloadShape indicates a payload carries neither a "product" list nor
// the "product_in"/"product_out" pair. Such a record is malformed ingestion
// data; lineage resolution aborts for it rather than returning an empty view.
var ErrPayloadShape = errors.New("payload has no recognized product shape")

// ProductPair is one (product code, value) element of a payload list. Value
// is a string identifier, a numeric quantity, or nil for "resolve from
// ledger state".
type ProductPair struct {
	Product string
	Value   any
}

// PayloadShape is the tagged form of a transaction payload, decided once at
// parse time. Single-product payloads populate Entries; dual-flow payloads
// populate In and Out. NewID, when set, names the identifier the
// transaction mints (for dual-flow shapes it applies to the out list only).
type PayloadShape struct {
	Shape   domain.LineageShape
	Entries []ProductPair
	In      []ProductPair
	Out     []ProductPair
	NewID   string
}

// ParsePayload classifies payload into its tagged shape.
func ParsePayload(payload map[string]any) (PayloadShape, error) {
	newID, _ := payload["new_id"].(string)

	if raw, ok := payload["product"]; ok {
		entries, err := parsePairs("product", raw)
		if err != nil {
			return PayloadShape{}, err
		}
		return PayloadShape{
			Shape:   domain.ShapeSingleProduct,
			Entries: entries,
			NewID:   newID,
		}, nil
	}

	rawIn, okIn := payload["product_in"]
	rawOut, okOut := payload["product_out"]
	if !okIn || !okOut {
		return PayloadShape{}, ErrPayloadShape
	}

	in, err := parsePairs("product_in", rawIn)
	if err != nil {
		return PayloadShape{}, err
	}
	out, err := parsePairs("product_out", rawOut)
	if err != nil {
		return PayloadShape{}, err
	}
	return PayloadShape{
		Shape: domain.ShapeDualFlow,
		In:    in,
		Out:   out,
		NewID: newID,
	}, nil
}

func parsePairs(field string, raw any) ([]ProductPair, error) {
	list, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not a list", ErrPayloadShape, field)
	}

	pairs := make([]ProductPair, 0, len(list))
	for i, item := range list {
		pair, ok := item.([]any)
		if !ok || len(pair) != 2 {
			return nil, fmt.Errorf("%w: %s[%d] is not a [code, value] pair", ErrPayloadShape, field, i)
		}
		code, ok := pair[0].(string)
		if !ok || code == "" {
			return nil, fmt.Errorf("%w: %s[%d] has no product code", ErrPayloadShape, field, i)
		}
		pairs = append(pairs, ProductPair{Product: code, Value: pair[1]})
	}
	return pairs, nil
}
