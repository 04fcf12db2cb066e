package entities

// ProductType classifies a recommended agricultural product.
type ProductType string

const (
	ProductTypePesticide  ProductType = "pesticide"
	ProductTypeFertilizer ProductType = "fertilizer"
	ProductTypeEquipment  ProductType = "equipment"
	ProductTypeSeed       ProductType = "seed"
	ProductTypeOther      ProductType = "other"
)

// ProductTypeFromString maps an AI-authored type string to a known category,
// falling back to ProductTypeOther.
func ProductTypeFromString(s string) ProductType {
	switch ProductType(s) {
	case ProductTypePesticide, ProductTypeFertilizer, ProductTypeEquipment, ProductTypeSeed:
		return ProductType(s)
	default:
		return ProductTypeOther
	}
}

// ProductRecommendation is one product suggestion extracted from an AI reply.
// Quantity, unit and reason are optional in the payload.
type ProductRecommendation struct {
	Name     string `json:"name" bson:"name"`
	Type     string `json:"type" bson:"type"`
	Quantity string `json:"quantity,omitempty" bson:"quantity,omitempty"`
	Unit     string `json:"unit,omitempty" bson:"unit,omitempty"`
	Reason   string `json:"reason,omitempty" bson:"reason,omitempty"`
}
