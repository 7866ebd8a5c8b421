package dataset

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/retail-pipeline/etl/internal/codec"
)

const (
	customerReference = "customers"
	productReference  = "products"
	lastChangeField   = "last_change"
	moneyPlaces       = 2
)

// builtin returns fresh descriptors of every kind, without compiled schemas.
func builtin() []*Descriptor {
	return []*Descriptor{
		customers(),
		products(),
		transactions(),
		erasureRequests(),
	}
}

func customers() *Descriptor {
	return &Descriptor{
		Kind:            KindCustomers,
		FilePrefix:      "customers",
		OutputName:      "customers",
		OutputSuffix:    codec.SuffixJSONLines,
		Table:           "customers",
		KeyField:        "id",
		KeyColumn:       "id",
		LoadScope:       ScopePartition,
		QuarantineScope: ScopeGlobal,
		StampField:      lastChangeField,
		Sink: func(rec codec.Record) Row {
			return Row{
				Table:   "customers",
				Columns: []string{"id", "first_name", "last_name", "email", "last_change"},
				Values:  []any{rec["id"], rec["first_name"], rec["last_name"], rec["email"], rec[lastChangeField]},
			}
		},
	}
}

func products() *Descriptor {
	return &Descriptor{
		Kind:            KindProducts,
		FilePrefix:      "products",
		OutputName:      "products",
		OutputSuffix:    codec.SuffixJSONLines,
		Table:           "products",
		KeyField:        "sku",
		KeyColumn:       "sku",
		LoadScope:       ScopePartition,
		QuarantineScope: ScopePartition,
		StampField:      lastChangeField,
		Normalize:       coercePrice,
		Sink: func(rec codec.Record) Row {
			return Row{
				Table:   "products",
				Columns: []string{"sku", "name", "price", "category", "popularity", "last_change"},
				Values: []any{
					rec["sku"], rec["name"], rec["price"], rec["category"], rec["popularity"], rec[lastChangeField],
				},
			}
		},
	}
}

func transactions() *Descriptor {
	return &Descriptor{
		Kind:            KindTransactions,
		FilePrefix:      "transactions",
		OutputName:      "transactions",
		OutputSuffix:    codec.SuffixJSONLines,
		Table:           "transactions",
		KeyField:        "transaction_id",
		KeyColumn:       "transaction_id",
		LoadScope:       ScopeGlobal,
		QuarantineScope: ScopePartition,
		BulkQuarantine:  true,
		References: []Reference{
			{
				Name:   customerReference,
				Table:  "customers",
				Column: "id",
				Keys: func(rec codec.Record) []string {
					if id, ok := StringField(rec, "customer_id"); ok {
						return []string{id}
					}

					return nil
				},
			},
			{
				Name:   productReference,
				Table:  "products",
				Column: "sku",
				Keys:   purchasedSKUs,
			},
		},
		Rules: []Rule{
			customerExists,
			productsExist,
			totalCostMatches,
		},
		Sink: transactionRow,
	}
}

func erasureRequests() *Descriptor {
	return &Descriptor{
		Kind:            KindErasureRequests,
		FilePrefix:      "erasure-requests",
		OutputName:      "erasure_requests",
		OutputSuffix:    codec.SuffixJSONLines,
		Table:           "erasure_requests",
		KeyField:        "customer-id",
		KeyColumn:       "customer_id",
		LoadScope:       ScopePartition,
		QuarantineScope: ScopeGlobal,
		SkipOutput:      true,
		Sink: func(rec codec.Record) Row {
			email, _ := StringField(rec, "email")

			return Row{
				Table:   "erasure_requests",
				Columns: []string{"customer_id", "email_hash"},
				Values:  []any{rec["customer-id"], Anonymize(email)},
			}
		},
	}
}

// coercePrice turns a numeric string price into a JSON number so the schema accepts it.
func coercePrice(rec codec.Record) {
	s, ok := rec["price"].(string)
	if !ok {
		return
	}

	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return
	}

	rec["price"] = json.Number(d.String())
}

func purchaseItems(rec codec.Record) []map[string]any {
	purchases, _ := rec["purchases"].(map[string]any)
	raw, _ := purchases["products"].([]any)

	items := make([]map[string]any, 0, len(raw))
	for _, r := range raw {
		if item, ok := r.(map[string]any); ok {
			items = append(items, item)
		}
	}

	return items
}

func purchasedSKUs(rec codec.Record) []string {
	items := purchaseItems(rec)
	skus := make([]string, 0, len(items))

	for _, item := range items {
		if sku, ok := StringField(item, "sku"); ok {
			skus = append(skus, sku)
		}
	}

	return skus
}

func customerExists(rec codec.Record, refs References) error {
	id, _ := StringField(rec, "customer_id")
	if !refs.Has(customerReference, id) {
		return fmt.Errorf("referenced customer not found: %s", id)
	}

	return nil
}

func productsExist(rec codec.Record, refs References) error {
	for _, sku := range purchasedSKUs(rec) {
		if !refs.Has(productReference, sku) {
			return fmt.Errorf("referenced product not found: %s", sku)
		}
	}

	return nil
}

// totalCostMatches compares the declared total with the sum of price × quantity,
// both rounded half away from zero to cents.
func totalCostMatches(rec codec.Record, _ References) error {
	purchases, _ := rec["purchases"].(map[string]any)

	declared, err := toDecimal(purchases["total_cost"])
	if err != nil {
		return fmt.Errorf("computed total mismatch: total_cost %w", err)
	}

	computed := decimal.Zero

	for _, item := range purchaseItems(rec) {
		price, err := toDecimal(item["price"])
		if err != nil {
			return fmt.Errorf("computed total mismatch: price %w", err)
		}

		quantity, err := toDecimal(item["quantity"])
		if err != nil {
			return fmt.Errorf("computed total mismatch: quantity %w", err)
		}

		computed = computed.Add(price.Mul(quantity))
	}

	if !computed.Round(moneyPlaces).Equal(declared.Round(moneyPlaces)) {
		return fmt.Errorf("computed total mismatch: declared %s, computed %s",
			declared.StringFixed(moneyPlaces), computed.StringFixed(moneyPlaces))
	}

	return nil
}

func toDecimal(v any) (decimal.Decimal, error) {
	switch n := v.(type) {
	case json.Number:
		return decimal.NewFromString(n.String())
	case string:
		return decimal.NewFromString(strings.TrimSpace(n))
	case float64:
		return decimal.NewFromFloat(n), nil
	case int:
		return decimal.NewFromInt(int64(n)), nil
	case int64:
		return decimal.NewFromInt(n), nil
	default:
		return decimal.Zero, fmt.Errorf("is not a number: %v", v)
	}
}

func transactionRow(rec codec.Record) Row {
	id := rec["transaction_id"]
	purchases, _ := rec["purchases"].(map[string]any)

	row := Row{
		Table:   "transactions",
		Columns: []string{"transaction_id", "transaction_time", "customer_id", "total_cost"},
		Values:  []any{id, rec["transaction_time"], rec["customer_id"], purchases["total_cost"]},
	}

	if address, ok := rec["delivery_address"].(map[string]any); ok {
		row.Children = append(row.Children, Row{
			Table:   "delivery_addresses",
			Columns: []string{"transaction_id", "address", "postcode", "city", "country"},
			Values:  []any{id, address["address"], address["postcode"], address["city"], address["country"]},
		})
	}

	for _, item := range purchaseItems(rec) {
		row.Children = append(row.Children, Row{
			Table:   "purchases",
			Columns: []string{"transaction_id", "product_sku", "quantity", "price", "total"},
			Values:  []any{id, item["sku"], integerValue(item["quantity"]), item["price"], item["total"]},
		})
	}

	return row
}

// integerValue turns a schema-checked integer such as 2.0 or 1e0 into an int64 the
// INTEGER column accepts. Anything that is not a number is passed through.
func integerValue(v any) any {
	n, err := toDecimal(v)
	if err != nil {
		return v
	}

	return n.IntPart()
}
