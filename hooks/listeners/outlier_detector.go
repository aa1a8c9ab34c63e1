package listeners

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/INLOpen/nexusrelay/hooks"
)

// Thresholds defines the min/max acceptable values for a field.
type Thresholds struct {
	Min float64
	Max float64
}

// OutlierRule selects a numeric field of the records of one collector.
type OutlierRule struct {
	CollectorID string
	FieldName   string
	Thresholds  Thresholds
}

// OutlierDetectionListener warns about record values outside configured
// thresholds before a batch is delivered. It never rejects a batch.
type OutlierDetectionListener struct {
	logger *slog.Logger
	rules  map[string]map[string]Thresholds // collector id -> field -> thresholds
}

func NewOutlierDetectionListener(logger *slog.Logger, rules []OutlierRule) *OutlierDetectionListener {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	ruleMap := make(map[string]map[string]Thresholds)
	for _, rule := range rules {
		if _, ok := ruleMap[rule.CollectorID]; !ok {
			ruleMap[rule.CollectorID] = make(map[string]Thresholds)
		}
		ruleMap[rule.CollectorID][rule.FieldName] = rule.Thresholds
	}
	return &OutlierDetectionListener{
		logger: logger.With("component", "OutlierDetectionListener"),
		rules:  ruleMap,
	}
}

// OnEvent inspects PreWriteBatch payloads.
func (l *OutlierDetectionListener) OnEvent(ctx context.Context, event hooks.HookEvent) error {
	if event.Type() != hooks.EventPreWriteBatch {
		return nil
	}
	payload, ok := event.Payload().(hooks.PreWriteBatchPayload)
	if !ok {
		l.logger.Error("Received PreWriteBatch event with incorrect payload type", "payload_type", fmt.Sprintf("%T", event.Payload()))
		return nil
	}
	if payload.Records == nil {
		return nil
	}

	for _, rec := range *payload.Records {
		fieldRules, ok := l.rules[rec.CollectorID]
		if !ok {
			continue
		}
		for field, th := range fieldRules {
			v, ok := rec.Data.Get(field)
			if !ok {
				continue
			}
			f, ok := v.AsFloat()
			if !ok {
				continue
			}
			if f < th.Min || f > th.Max {
				l.logger.Warn("Outlier detected",
					"writer_id", payload.WriterID,
					"collector_id", rec.CollectorID,
					"field", field,
					"value", f,
					"min_threshold", th.Min,
					"max_threshold", th.Max,
				)
			}
		}
	}
	return nil
}

func (l *OutlierDetectionListener) Priority() int { return 100 }

func (l *OutlierDetectionListener) IsAsync() bool { return false }
