package entities

import "time"

// MandiPrice is one commodity price record from a mandi (wholesale market),
// synced daily from the government data API.
type MandiPrice struct {
	ID          string    `json:"id" bson:"_id"`
	State       string    `json:"state" bson:"state"`
	District    string    `json:"district" bson:"district"`
	Market      string    `json:"market" bson:"market"`
	Commodity   string    `json:"commodity" bson:"commodity"`
	Variety     string    `json:"variety" bson:"variety"`
	Grade       string    `json:"grade" bson:"grade"`
	ArrivalDate string    `json:"arrival_date" bson:"arrival_date"`
	MinPrice    float64   `json:"min_price" bson:"min_price"`
	MaxPrice    float64   `json:"max_price" bson:"max_price"`
	ModalPrice  float64   `json:"modal_price" bson:"modal_price"`
	SyncedAt    time.Time `json:"synced_at" bson:"synced_at"`
}

// Key returns the stable document key so re-syncs overwrite instead of
// duplicating: one record per market, commodity, variety and arrival date.
func (p MandiPrice) Key() string {
	return p.State + "|" + p.District + "|" + p.Market + "|" + p.Commodity + "|" + p.Variety + "|" + p.ArrivalDate
}

// SyncMetadata records the outcome of the last price sync run.
type SyncMetadata struct {
	LastSyncAt     time.Time `json:"last_sync_at" bson:"last_sync_at"`
	RecordsWritten int       `json:"records_written" bson:"records_written"`
}
