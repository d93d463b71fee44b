package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/metric-harvester/internal/model"
)

const (
	harvestStreamName = "HARVEST"
	jobSubjectPrefix  = "harvest.job."
	resultSubject     = "harvest.result.accepted"

	streamMaxAge = 24 * time.Hour
)

// Publisher emits job transitions and accepted results on JetStream so
// reporting layers can consume progress without polling the tracker.
type Publisher struct {
	logger *zap.Logger
	js     nats.JetStreamContext
}

// NewPublisher creates the publisher and its stream if missing.
func NewPublisher(js nats.JetStreamContext, logger *zap.Logger) (*Publisher, error) {
	p := &Publisher{
		logger: logger.Named("events"),
		js:     js,
	}

	_, err := js.AddStream(&nats.StreamConfig{
		Name:     harvestStreamName,
		Subjects: []string{"harvest.>"},
		Storage:  nats.FileStorage,
		MaxAge:   streamMaxAge,
		MaxMsgs:  -1,
	})
	if err != nil && err != nats.ErrStreamNameAlreadyInUse {
		return nil, fmt.Errorf("failed to create harvest stream: %w", err)
	}

	return p, nil
}

// JobTransition publishes a job status change.
func (p *Publisher) JobTransition(view model.JobView) {
	data, err := json.Marshal(view)
	if err != nil {
		p.logger.Error("Failed to marshal job transition", zap.Error(err))
		return
	}

	subject := jobSubjectPrefix + string(view.Status)
	if _, err := p.js.Publish(subject, data); err != nil {
		p.logger.Error("Failed to publish job transition",
			zap.String("job_id", view.ID),
			zap.String("subject", subject),
			zap.Error(err))
	}
}

// ResultAccepted publishes a validated result.
func (p *Publisher) ResultAccepted(res *model.Result) {
	data, err := json.Marshal(res)
	if err != nil {
		p.logger.Error("Failed to marshal result", zap.Error(err))
		return
	}

	if _, err := p.js.Publish(resultSubject, data); err != nil {
		p.logger.Error("Failed to publish result",
			zap.String("target_id", res.TargetID),
			zap.Error(err))
	}
}
