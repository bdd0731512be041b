package stream

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hervehildenbrand/threatmap/pkg/geo"
	"github.com/hervehildenbrand/threatmap/pkg/models"
	"github.com/hervehildenbrand/threatmap/pkg/normalize"
)

// heartbeat is the frame the upstream sends when it has nothing new.
var heartbeat = []byte("[]")

// FrameResult is what one frame produced.
type FrameResult struct {
	Batch    []models.Attack // displayable attacks, in frame order
	Records  int             // records in the frame
	Dropped  int             // records that could not be decoded or normalized
	Filtered int             // normalized attacks rejected by display validation
}

// ParseFrame decodes a frame into raw records. The heartbeat frame yields
// no records and no error. A frame that is not a JSON array is an
// models.ErrParse error. Records that fail to decode individually are
// returned as nil entries so callers can count them.
func ParseFrame(data []byte) ([]*normalize.RawAttack, error) {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, heartbeat) {
		return nil, nil
	}

	var elems []json.RawMessage
	if err := json.Unmarshal(data, &elems); err != nil {
		return nil, fmt.Errorf("%w: unmarshal frame: %v", models.ErrParse, err)
	}

	records := make([]*normalize.RawAttack, len(elems))
	for i, elem := range elems {
		var raw normalize.RawAttack
		if err := json.Unmarshal(elem, &raw); err != nil {
			continue
		}
		records[i] = &raw
	}
	return records, nil
}

// ProcessFrame parses, normalizes and validates one frame.
func ProcessFrame(data []byte, n *normalize.Normalizer, allowed models.SeveritySet) (FrameResult, error) {
	records, err := ParseFrame(data)
	if err != nil {
		return FrameResult{}, err
	}

	result := FrameResult{
		Batch:   make([]models.Attack, 0, len(records)),
		Records: len(records),
	}
	for _, raw := range records {
		if raw == nil {
			result.Dropped++
			continue
		}
		attack, err := n.NormalizeAttack(*raw)
		if err != nil {
			result.Dropped++
			continue
		}
		if !geo.IsDisplayable(attack, allowed) {
			result.Filtered++
			continue
		}
		result.Batch = append(result.Batch, attack)
	}
	return result, nil
}

// IsParseError reports whether err is a frame parse failure.
func IsParseError(err error) bool {
	return errors.Is(err, models.ErrParse)
}
