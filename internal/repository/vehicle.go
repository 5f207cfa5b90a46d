package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/langchou/carsync/internal/models"
)

// VehicleRepository 车辆句柄仓库
type VehicleRepository struct {
	db *DB
}

// NewVehicleRepository 创建车辆仓库
func NewVehicleRepository(db *DB) *VehicleRepository {
	return &VehicleRepository{db: db}
}

// UpsertVehicle 创建或更新车辆句柄
func (r *VehicleRepository) UpsertVehicle(ctx context.Context, handle *models.VehicleHandle) error {
	capabilities, err := json.Marshal(handle.CapabilityList())
	if err != nil {
		return fmt.Errorf("marshal capabilities: %w", err)
	}

	query := `
		INSERT INTO vehicles (vehicle_id, vin, make, model, year, capabilities, last_probed_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		ON CONFLICT (vehicle_id) DO UPDATE SET
			vin = EXCLUDED.vin,
			make = EXCLUDED.make,
			model = EXCLUDED.model,
			year = EXCLUDED.year,
			capabilities = EXCLUDED.capabilities,
			last_probed_at = EXCLUDED.last_probed_at,
			updated_at = EXCLUDED.updated_at
	`
	_, err = r.db.Pool.Exec(ctx, query,
		handle.VehicleID,
		handle.VIN,
		handle.Make,
		handle.Model,
		handle.Year,
		capabilities,
		handle.LastProbedAt,
		time.Now(),
	)
	if err != nil {
		return fmt.Errorf("upsert vehicle: %w", err)
	}
	return nil
}

// DeleteVehicle 删除车辆句柄（车辆从账户解绑时）
func (r *VehicleRepository) DeleteVehicle(ctx context.Context, vehicleID string) error {
	if _, err := r.db.Pool.Exec(ctx, `DELETE FROM vehicles WHERE vehicle_id = $1`, vehicleID); err != nil {
		return fmt.Errorf("delete vehicle: %w", err)
	}
	return nil
}

// ListVehicles 获取所有已知车辆句柄
func (r *VehicleRepository) ListVehicles(ctx context.Context) ([]*models.VehicleHandle, error) {
	query := `
		SELECT vehicle_id, vin, make, model, year, capabilities, COALESCE(last_probed_at, 'epoch'::timestamptz)
		FROM vehicles ORDER BY id
	`
	rows, err := r.db.Pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list vehicles: %w", err)
	}
	defer rows.Close()

	var handles []*models.VehicleHandle
	for rows.Next() {
		handle := &models.VehicleHandle{}
		var capabilitiesJSON []byte
		err := rows.Scan(
			&handle.VehicleID,
			&handle.VIN,
			&handle.Make,
			&handle.Model,
			&handle.Year,
			&capabilitiesJSON,
			&handle.LastProbedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan vehicle: %w", err)
		}

		var kinds []models.AttributeKind
		if err := json.Unmarshal(capabilitiesJSON, &kinds); err != nil {
			return nil, fmt.Errorf("unmarshal capabilities: %w", err)
		}
		handle.Capabilities = make(map[models.AttributeKind]bool, len(kinds))
		for _, k := range kinds {
			handle.Capabilities[k] = true
		}
		handles = append(handles, handle)
	}

	return handles, nil
}
