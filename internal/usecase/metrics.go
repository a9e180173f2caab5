package usecase

import (
	"context"
	"fmt"
	"sync"
	"time"

	"webserv/internal/domain"
)

// MetricsUseCase はメトリクス関連のユースケースを実装
type MetricsUseCase struct {
	metrics      domain.MetricsCollector
	logger       domain.Logger
	saveInterval time.Duration
	done         chan struct{}
	stopOnce     sync.Once
	wg           sync.WaitGroup
}

// MetricsConfig はメトリクスの設定を表す
type MetricsConfig struct {
	SaveInterval time.Duration
}

// NewMetricsUseCase は新しいMetricsUseCaseインスタンスを作成
func NewMetricsUseCase(
	metrics domain.MetricsCollector, logger domain.Logger, config MetricsConfig,
) *MetricsUseCase {
	if config.SaveInterval == 0 {
		config.SaveInterval = 1 * time.Minute
	}

	return &MetricsUseCase{
		metrics:      metrics,
		logger:       logger,
		saveInterval: config.SaveInterval,
		done:         make(chan struct{}),
	}
}

// Start はメトリクスの定期保存を開始
func (uc *MetricsUseCase) Start() error {
	uc.logger.Info("Starting metrics collection", map[string]interface{}{
		"save_interval": uc.saveInterval.String(),
	})
	uc.wg.Add(1)
	go uc.startPeriodicSave()
	return nil
}

// Stop は定期保存を停止し, 最後のスナップショットを保存する
func (uc *MetricsUseCase) Stop() error {
	var err error
	uc.stopOnce.Do(func() {
		uc.logger.Info("Stopping metrics collection", nil)
		close(uc.done)
		uc.wg.Wait()
		err = uc.saveMetrics()
	})
	return err
}

// startPeriodicSave は定期的なメトリクス保存を行う
func (uc *MetricsUseCase) startPeriodicSave() {
	defer uc.wg.Done()

	ticker := time.NewTicker(uc.saveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := uc.saveMetrics(); err != nil {
				uc.logger.Error("Failed to save metrics", err, nil)
			}
		case <-uc.done:
			return
		}
	}
}

// saveMetrics は現在のメトリクスを保存
func (uc *MetricsUseCase) saveMetrics() error {
	snapshot, err := uc.GetMetricsSnapshot()
	if err != nil {
		return fmt.Errorf("failed to get metrics snapshot: %w", err)
	}

	// 保存できるリポジトリだけが対象
	if saver, ok := uc.metrics.(interface {
		SaveMetrics(*domain.MetricsSnapshot) error
	}); ok {
		return saver.SaveMetrics(snapshot)
	}

	return nil
}

// GetMetricsSnapshot は現在のメトリクスのスナップショットを取得
func (uc *MetricsUseCase) GetMetricsSnapshot() (
	*domain.MetricsSnapshot, error,
) {
	data := uc.metrics.GetSnapshot()

	startTime, ok := data["start_time"].(time.Time)
	if !ok {
		return nil, fmt.Errorf("snapshot has no start_time")
	}
	uptime, _ := data["uptime"].(string)

	snapshot := &domain.MetricsSnapshot{
		Timestamp:           time.Now(),
		StartTime:           startTime,
		CurrentConnections:  counter(data, "current_connections"),
		TotalRequests:       counter(data, "total_requests"),
		BytesTransferred:    counter(data, "bytes_transferred"),
		RejectedConnections: counter(data, "rejected_connections"),
		IdleEvictions:       counter(data, "idle_evictions"),
		CGIExecutions:       counter(data, "cgi_executions"),
		CGITimeouts:         counter(data, "cgi_timeouts"),
		Errors:              counter(data, "errors"),
		Uptime:              uptime,
	}

	return snapshot, nil
}

// GetPrometheusMetrics はPrometheus形式のメトリクスを取得
func (uc *MetricsUseCase) GetPrometheusMetrics(ctx context.Context) (
	string, error,
) {
	snapshot, err := uc.GetMetricsSnapshot()
	if err != nil {
		return "", err
	}

	return snapshot.ToPrometheusFormat(), nil
}

func counter(data map[string]interface{}, key string) int64 {
	v, _ := data[key].(int64)
	return v
}
