package store

import (
	"context"

	"fleetd/internal/fleet"
)

func (r *Repository) InsertAllocation(ctx context.Context, alloc fleet.ServerAllocation) error {
	_, err := r.DB.Exec(ctx, `
		INSERT INTO "ServerAllocation" ("id","serverId","nodeId","memoryReserved","diskReserved","createdAt")
		VALUES ($1,$2,$3,$4,$5,$6)
	`, alloc.ID, alloc.ServerID, alloc.NodeID, alloc.MemoryReserved, alloc.DiskReserved, alloc.CreatedAt)
	return err
}

func (r *Repository) DeleteAllocation(ctx context.Context, id string) (bool, error) {
	tag, err := r.DB.Exec(ctx, `DELETE FROM "ServerAllocation" WHERE "id"=$1`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// ListAllocations returns every persisted reservation, oldest first, for
// rebuilding the ledger at startup.
func (r *Repository) ListAllocations(ctx context.Context) ([]fleet.ServerAllocation, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT "id","serverId","nodeId","memoryReserved","diskReserved","createdAt"
		FROM "ServerAllocation"
		ORDER BY "createdAt" ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var allocs []fleet.ServerAllocation
	for rows.Next() {
		var a fleet.ServerAllocation
		if err := rows.Scan(&a.ID, &a.ServerID, &a.NodeID, &a.MemoryReserved, &a.DiskReserved, &a.CreatedAt); err != nil {
			return nil, err
		}
		allocs = append(allocs, a)
	}
	return allocs, rows.Err()
}
