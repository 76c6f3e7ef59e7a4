package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"machine-monitor/internal/models"

	"github.com/redis/go-redis/v9"
)

// anomalyTTLFactor аномалии хранятся дольше анализа
const anomalyTTLFactor = 24

// RedisCache зеркало последних анализов и аномалий с TTL.
// Источником истины остается хранилище окон в памяти.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache создает новый Redis кэш
func NewRedisCache(ctx context.Context, addr, password string, db int, ttl time.Duration) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		PoolSize:     100,
		MinIdleConns: 10,
		MaxRetries:   3,
	})

	// Проверяем подключение
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisCache{
		client: client,
		ttl:    ttl,
	}, nil
}

func analysisKey(machineID string) string {
	return fmt.Sprintf("analysis:%s", machineID)
}

func anomalyKey(machineID string, ts time.Time) string {
	return fmt.Sprintf("anomaly:%s:%d", machineID, ts.UnixNano())
}

func anomalyListKey(machineID string) string {
	return fmt.Sprintf("anomaly_list:%s", machineID)
}

// StoreAnalysis сохраняет последний анализ машины
func (r *RedisCache) StoreAnalysis(ctx context.Context, rec *models.AnalysisRecord) error {
	jsonData, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal analysis: %w", err)
	}
	return r.client.Set(ctx, analysisKey(rec.MachineID), jsonData, r.ttl).Err()
}

// GetAnalysis читает последний сохраненный анализ
func (r *RedisCache) GetAnalysis(ctx context.Context, machineID string) (*models.AnalysisRecord, error) {
	data, err := r.client.Get(ctx, analysisKey(machineID)).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("analysis for %q: %w", machineID, models.ErrNoData)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get analysis: %w", err)
	}

	var rec models.AnalysisRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal analysis: %w", err)
	}
	return &rec, nil
}

// StoreAnomalies сохраняет аномальные сэмплы (с более длительным TTL)
func (r *RedisCache) StoreAnomalies(ctx context.Context, machineID string, samples []models.MetricSample) error {
	if len(samples) == 0 {
		return nil
	}

	anomalyTTL := r.ttl * anomalyTTLFactor
	listKey := anomalyListKey(machineID)

	// один и тот же сэмпл дает тот же ключ, повторная запись идемпотентна
	pipe := r.client.Pipeline()
	for _, s := range samples {
		jsonData, err := json.Marshal(s)
		if err != nil {
			return fmt.Errorf("failed to marshal anomaly: %w", err)
		}
		key := anomalyKey(machineID, s.Timestamp)
		pipe.Set(ctx, key, jsonData, anomalyTTL)
		pipe.ZAdd(ctx, listKey, redis.Z{Score: float64(s.Timestamp.UnixNano()), Member: key})
	}
	pipe.Expire(ctx, listKey, anomalyTTL)

	_, err := pipe.Exec(ctx)
	return err
}

// GetRecentAnomalies получает последние аномалии машины, новые первыми
func (r *RedisCache) GetRecentAnomalies(ctx context.Context, machineID string, limit int) ([]models.MetricSample, error) {
	if limit <= 0 {
		limit = 10
	}

	keys, err := r.client.ZRevRange(ctx, anomalyListKey(machineID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get anomalies: %w", err)
	}
	if len(keys) == 0 {
		return []models.MetricSample{}, nil
	}

	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load anomalies: %w", err)
	}

	out := make([]models.MetricSample, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue // ключ истек, а запись в sorted set еще нет
		}
		var s models.MetricSample
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

// Close закрывает соединение с Redis
func (r *RedisCache) Close() error {
	return r.client.Close()
}

// Ping проверяет доступность Redis
func (r *RedisCache) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// GetStats возвращает статистику Redis
func (r *RedisCache) GetStats() map[string]interface{} {
	stats := r.client.PoolStats()

	return map[string]interface{}{
		"hits":        stats.Hits,
		"misses":      stats.Misses,
		"timeouts":    stats.Timeouts,
		"total_conns": stats.TotalConns,
		"idle_conns":  stats.IdleConns,
		"stale_conns": stats.StaleConns,
	}
}
