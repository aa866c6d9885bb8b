// NATS JetStream 结果发布

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"perforay/internal/model"
)

// Stream 配置
const (
	StreamResults  = "PERFORAY_RESULTS"
	SubjectResults = "perforay.results"
)

// Publisher publishes completed results to JetStream
type Publisher struct {
	nc *nats.Conn
	js nats.JetStreamContext
}

// NewPublisher 创建JetStream发布者
func NewPublisher(nc *nats.Conn) (*Publisher, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("failed to create jetstream context: %w", err)
	}

	p := &Publisher{nc: nc, js: js}
	if err := p.initStream(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Publisher) initStream() error {
	cfg := nats.StreamConfig{
		Name:      StreamResults,
		Subjects:  []string{SubjectResults + ".*"},
		Retention: nats.LimitsPolicy,
		MaxMsgs:   -1,
		MaxBytes:  1024 * 1024 * 1024, // 1GB
		MaxAge:    30 * 24 * time.Hour,
		Storage:   nats.FileStorage,
		Replicas:  1,
	}

	_, err := p.js.AddStream(&cfg)
	if errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		// Stream已存在，更新配置
		_, err = p.js.UpdateStream(&cfg)
		if err != nil {
			return fmt.Errorf("failed to update stream %s: %w", cfg.Name, err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to create stream %s: %w", cfg.Name, err)
	}
	return nil
}

func (p *Publisher) Name() string { return "jetstream" }

// Subject names the subject a result for host is published on
func Subject(host string) string {
	return SubjectResults + "." + subjectToken(host)
}

// subjectToken makes host usable as one subject token
func subjectToken(host string) string {
	if host == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t':
			return '_'
		}
		return r
	}, host)
}

// Create 发布扫描结果（持久化）
func (p *Publisher) Create(ctx context.Context, result *model.ScanResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return err
	}
	msg := nats.NewMsg(Subject(HostOf(result.Target)))
	msg.Data = payload
	msg.Header.Set(nats.MsgIdHdr, result.ID)

	_, err = p.js.PublishMsg(msg, nats.Context(ctx))
	return err
}

// Subscribe delivers published results to handler through a durable consumer
func (p *Publisher) Subscribe(consumer string, handler func(result *model.ScanResult)) (*nats.Subscription, error) {
	return p.js.Subscribe(SubjectResults+".*", func(msg *nats.Msg) {
		var result model.ScanResult
		if err := json.Unmarshal(msg.Data, &result); err == nil {
			handler(&result)
		}
		_ = msg.Ack()
	}, nats.Durable(consumer), nats.ManualAck())
}

// Watch delivers results as they are published, without a consumer. Only
// results published while the subscription is open are seen.
func (p *Publisher) Watch(handler func(result *model.ScanResult)) (*nats.Subscription, error) {
	return p.nc.Subscribe(SubjectResults+".*", func(msg *nats.Msg) {
		var result model.ScanResult
		if err := json.Unmarshal(msg.Data, &result); err == nil {
			handler(&result)
		}
	})
}

func (p *Publisher) Ping(ctx context.Context) error {
	if !p.nc.IsConnected() {
		return fmt.Errorf("nats status %s", p.nc.Status())
	}
	return nil
}

// StreamInfo 获取Stream信息
func (p *Publisher) StreamInfo() (*nats.StreamInfo, error) {
	return p.js.StreamInfo(StreamResults)
}
