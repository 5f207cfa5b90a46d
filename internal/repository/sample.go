package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/langchou/carsync/internal/models"
)

// SampleRepository 遥测采样仓库
type SampleRepository struct {
	db *DB
}

// NewSampleRepository 创建采样仓库
func NewSampleRepository(db *DB) *SampleRepository {
	return &SampleRepository{db: db}
}

// SaveSample 保存一条遥测采样
func (r *SampleRepository) SaveSample(ctx context.Context, sample *models.TelemetrySample) error {
	value, err := json.Marshal(sample.Value)
	if err != nil {
		return fmt.Errorf("marshal sample value: %w", err)
	}

	query := `
		INSERT INTO telemetry_samples (vehicle_id, attribute, value, unit, measured_at, fetched_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err = r.db.Pool.Exec(ctx, query,
		sample.VehicleID,
		string(sample.Attribute),
		value,
		sample.Unit,
		sample.MeasuredAt,
		sample.FetchedAt,
	)
	if err != nil {
		return fmt.Errorf("insert sample: %w", err)
	}
	return nil
}

// ListSamples 按时间倒序获取车辆采样
// attribute 为空时返回所有属性
func (r *SampleRepository) ListSamples(ctx context.Context, vehicleID string, attribute models.AttributeKind, since time.Time, limit int) ([]*models.TelemetrySample, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT vehicle_id, attribute, value, unit, measured_at, fetched_at
		FROM telemetry_samples
		WHERE vehicle_id = $1
		  AND ($2 = '' OR attribute = $2)
		  AND measured_at >= $3
		ORDER BY measured_at DESC
		LIMIT $4
	`
	rows, err := r.db.Pool.Query(ctx, query, vehicleID, string(attribute), since, limit)
	if err != nil {
		return nil, fmt.Errorf("list samples: %w", err)
	}
	defer rows.Close()

	var samples []*models.TelemetrySample
	for rows.Next() {
		sample := &models.TelemetrySample{}
		var valueJSON []byte
		err := rows.Scan(
			&sample.VehicleID,
			&sample.Attribute,
			&valueJSON,
			&sample.Unit,
			&sample.MeasuredAt,
			&sample.FetchedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan sample: %w", err)
		}
		if err := json.Unmarshal(valueJSON, &sample.Value); err != nil {
			return nil, fmt.Errorf("unmarshal sample value: %w", err)
		}
		samples = append(samples, sample)
	}

	return samples, nil
}

// LatestSamples 车辆各属性的最新一条采样
func (r *SampleRepository) LatestSamples(ctx context.Context, vehicleID string) ([]*models.TelemetrySample, error) {
	query := `
		SELECT DISTINCT ON (attribute) vehicle_id, attribute, value, unit, measured_at, fetched_at
		FROM telemetry_samples
		WHERE vehicle_id = $1
		ORDER BY attribute, measured_at DESC
	`
	rows, err := r.db.Pool.Query(ctx, query, vehicleID)
	if err != nil {
		return nil, fmt.Errorf("latest samples: %w", err)
	}
	defer rows.Close()

	var samples []*models.TelemetrySample
	for rows.Next() {
		sample := &models.TelemetrySample{}
		var valueJSON []byte
		err := rows.Scan(
			&sample.VehicleID,
			&sample.Attribute,
			&valueJSON,
			&sample.Unit,
			&sample.MeasuredAt,
			&sample.FetchedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan sample: %w", err)
		}
		if err := json.Unmarshal(valueJSON, &sample.Value); err != nil {
			return nil, fmt.Errorf("unmarshal sample value: %w", err)
		}
		samples = append(samples, sample)
	}

	return samples, nil
}
