// Package model defines the domain types shared by the reward distributor.
package model

import "time"

// Producer is one row of the production snapshot supplied by the metering
// service before each batch run.
type Producer struct {
	ID                        string   `json:"id"`
	PayoutAddress             string   `json:"payout_address"`
	CumulativeProductionUnits Quantity `json:"cumulative_production_units"`
}

// Baseline is the cumulative production value as of the last confirmed
// transfer to a producer.
type Baseline struct {
	ProducerID        string    `json:"producer_id"`
	LastRewardedUnits Quantity  `json:"last_rewarded_units"`
	UpdatedAt         time.Time `json:"updated_at"`
}
