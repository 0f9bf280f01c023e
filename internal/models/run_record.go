package models

import (
	"fmt"
	"time"

	"MnemoEvolve/server/internal/apperr"
	"MnemoEvolve/server/internal/mapsafe"
)

// TimestampLayout formats the saved-at column.
const TimestampLayout = time.DateTime

const notAvailable = "N/A"

// RequiredRunFields must all be present in a save payload.
var RequiredRunFields = []string{"generation", "population", "settings", "bestFitness", "topic", "bestMnemonic"}

// RunRecordColumns is the spreadsheet header, in row order.
var RunRecordColumns = []string{
	"Timestamp",
	"Generation",
	"Best Fitness",
	"Avg Fitness",
	"Genome Fitness",
	"Ortho Score",
	"Population Size",
	"Mutation Rate",
	"Elite Size",
	"Max Generations",
	"Topic",
	"Best Mnemonic",
	"Target Terms",
}

// EvolutionRunRecord is one saved run of the mnemonic evolution. Records are
// append-only.
type EvolutionRunRecord struct {
	ID        uint      `gorm:"primaryKey" json:"-"`
	Timestamp time.Time `gorm:"index" json:"timestamp"`
	// Generation is written exactly as the client sent it.
	Generation     any       `gorm:"-" json:"generation"`
	GenerationText string    `gorm:"column:generation;size:64" json:"-"`
	BestFitness    float64   `json:"bestFitness"`
	AvgFitness     float64   `json:"avgFitness"`
	GenomeFitness  float64   `json:"genomeFitness"`
	OrthoScore     float64   `json:"orthoScore"`
	PopulationSize int       `json:"populationSize"`
	MutationRate   float64   `json:"mutationRate"`
	EliteSize      int       `json:"eliteSize"`
	MaxGenerations int       `json:"maxGenerations"`
	Topic          string    `gorm:"size:255;index" json:"topic"`
	BestMnemonic   string    `gorm:"type:text" json:"bestMnemonic"`
	TargetTerms    string    `gorm:"type:text" json:"targetTerms"`
	CreatedAt      time.Time `json:"-"`
}

func (EvolutionRunRecord) TableName() string {
	return "run_records"
}

// NewEvolutionRunRecord validates a save payload and converts it to a
// record stamped with now. A missing required field is a client error;
// a value that cannot be converted is not.
func NewEvolutionRunRecord(payload map[string]any, now time.Time) (*EvolutionRunRecord, error) {
	for _, field := range RequiredRunFields {
		if _, ok := payload[field]; !ok {
			return nil, apperr.InvalidInput("Missing required field: %s", field)
		}
	}

	switch g := payload["generation"].(type) {
	case map[string]any, []any:
		return nil, apperr.Dependency(fmt.Errorf("cannot write %s generation to a spreadsheet cell", kindOf(g)), "")
	}

	r := &EvolutionRunRecord{
		Timestamp:    now,
		Generation:   payload["generation"],
		Topic:        mapsafe.String(payload, "topic", notAvailable),
		BestMnemonic: mapsafe.String(payload, "bestMnemonic", notAvailable),
		TargetTerms:  mapsafe.String(payload, "targetTerms", notAvailable),
	}
	r.GenerationText = mapsafe.String(payload, "generation", "")

	floats := []struct {
		key string
		def float64
		dst *float64
	}{
		{"bestFitness", 0, &r.BestFitness},
		{"avgFitness", 0, &r.AvgFitness},
		{"genomeFitness", 0, &r.GenomeFitness},
		{"orthoScore", 0, &r.OrthoScore},
		{"mutationRate", 0.15, &r.MutationRate},
	}
	for _, f := range floats {
		v, err := mapsafe.Float(payload, f.key, f.def)
		if err != nil {
			return nil, apperr.Dependency(err, "")
		}
		*f.dst = v
	}

	ints := []struct {
		key string
		def int
		dst *int
	}{
		{"populationSize", 5, &r.PopulationSize},
		{"eliteSize", 1, &r.EliteSize},
		{"maxGenerations", 20, &r.MaxGenerations},
	}
	for _, f := range ints {
		v, err := mapsafe.Int(payload, f.key, f.def)
		if err != nil {
			return nil, apperr.Dependency(err, "")
		}
		*f.dst = v
	}

	return r, nil
}

// Row returns the record's cells in RunRecordColumns order.
func (r *EvolutionRunRecord) Row() []interface{} {
	return []interface{}{
		r.Timestamp.Format(TimestampLayout),
		r.Generation,
		r.BestFitness,
		r.AvgFitness,
		r.GenomeFitness,
		r.OrthoScore,
		r.PopulationSize,
		r.MutationRate,
		r.EliteSize,
		r.MaxGenerations,
		r.Topic,
		r.BestMnemonic,
		r.TargetTerms,
	}
}

func kindOf(v any) string {
	if _, ok := v.([]any); ok {
		return "an array"
	}
	return "an object"
}
