package snapshot

import (
	"context"
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/reward-distributor/internal/model"
)

// FileFeed reads a YAML or JSON snapshot file on every call.
type FileFeed struct {
	path string
}

var _ Feed = (*FileFeed)(nil)

// NewFileFeed creates a feed for path.
func NewFileFeed(path string) *FileFeed {
	return &FileFeed{path: path}
}

// fileProducer keeps the cumulative figure as text so that YAML numbers are
// parsed as exact decimals, never through float64.
type fileProducer struct {
	ID            string `yaml:"id"`
	PayoutAddress string `yaml:"payout_address"`
	Cumulative    string `yaml:"cumulative_production_units"`
}

func (f *FileFeed) Snapshot(_ context.Context) ([]model.Producer, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, eris.Wrapf(err, "snapshot: read %s", f.path)
	}
	producers, err := Parse(data)
	if err != nil {
		return nil, eris.Wrapf(err, "snapshot: parse %s", f.path)
	}
	return producers, nil
}

// Parse decodes a YAML (or JSON) document holding either a list of producers
// or a mapping with a "producers" list.
func Parse(data []byte) ([]model.Producer, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, eris.Wrap(err, "snapshot: decode yaml")
	}
	if len(doc.Content) == 0 {
		return nil, nil
	}

	list := doc.Content[0]
	if list.Kind == yaml.MappingNode {
		list = nil
		for i := 0; i+1 < len(doc.Content[0].Content); i += 2 {
			if doc.Content[0].Content[i].Value == "producers" {
				list = doc.Content[0].Content[i+1]
				break
			}
		}
		if list == nil {
			return nil, eris.New("snapshot: document has no producers list")
		}
	}
	if list.Kind != yaml.SequenceNode {
		return nil, eris.New("snapshot: producers must be a list")
	}

	var rows []fileProducer
	if err := list.Decode(&rows); err != nil {
		return nil, eris.Wrap(err, "snapshot: decode producers")
	}

	producers := make([]model.Producer, 0, len(rows))
	for _, r := range rows {
		var units model.Quantity
		if r.Cumulative != "" {
			q, err := model.ParseQuantity(r.Cumulative)
			if err != nil {
				return nil, eris.Wrapf(err, "snapshot: producer %q", r.ID)
			}
			units = q
		}
		producers = append(producers, model.Producer{
			ID:                        r.ID,
			PayoutAddress:             r.PayoutAddress,
			CumulativeProductionUnits: units,
		})
	}
	if err := Validate(producers); err != nil {
		return nil, err
	}
	return producers, nil
}
