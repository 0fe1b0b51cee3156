package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"fleetd/internal/fleet"
)

const pgForeignKeyViolation = "23503"

var ErrNotFound = errors.New("not found")

// Repository is the Postgres-backed node registry and allocation store.
type Repository struct {
	DB     *pgxpool.Pool
	Cipher *TokenCipher
}

func NewRepository(db *pgxpool.Pool, cipher *TokenCipher) *Repository {
	return &Repository{DB: db, Cipher: cipher}
}

const nodeColumns = `"id","name","fqdn","scheme","daemonPort","daemonToken","memory","memoryOverallocate","disk","diskOverallocate","locationId","maintenanceMode","behindProxy","public","createdAt","updatedAt"`

func (r *Repository) ListNodes(ctx context.Context) ([]fleet.Node, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT `+nodeColumns+`
		FROM "Node"
		ORDER BY "createdAt" ASC, "id" ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nodes []fleet.Node
	for rows.Next() {
		node, err := r.scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, *node)
	}
	return nodes, rows.Err()
}

func (r *Repository) GetNode(ctx context.Context, id string) (*fleet.Node, error) {
	row := r.DB.QueryRow(ctx, `
		SELECT `+nodeColumns+`
		FROM "Node"
		WHERE "id"=$1
	`, id)
	node, err := r.scanNode(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return node, err
}

func (r *Repository) CreateNode(ctx context.Context, node fleet.Node) (*fleet.Node, error) {
	if node.ID == "" {
		node.ID = uuid.NewString()
	}
	token, err := r.Cipher.Seal(node.DaemonToken)
	if err != nil {
		return nil, fmt.Errorf("seal daemon token: %w", err)
	}
	row := r.DB.QueryRow(ctx, `
		INSERT INTO "Node" ("id","name","fqdn","scheme","daemonPort","daemonToken","memory","memoryOverallocate","disk","diskOverallocate","locationId","maintenanceMode","behindProxy","public")
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		RETURNING `+nodeColumns,
		node.ID, node.Name, node.FQDN, string(node.Scheme), node.DaemonPort, token,
		node.Memory, node.MemoryOverallocate, node.Disk, node.DiskOverallocate, node.LocationID,
		node.InMaintenance(), node.BehindProxy(), node.Flags.Has(fleet.FlagPublic),
	)
	return r.scanNode(row)
}

// UpdateNode replaces every editable column. An empty daemon token keeps the
// stored one.
func (r *Repository) UpdateNode(ctx context.Context, node fleet.Node) (*fleet.Node, error) {
	token := node.DaemonToken
	if token != "" {
		sealed, err := r.Cipher.Seal(token)
		if err != nil {
			return nil, fmt.Errorf("seal daemon token: %w", err)
		}
		token = sealed
	}
	row := r.DB.QueryRow(ctx, `
		UPDATE "Node"
		SET "name"=$2,
			"fqdn"=$3,
			"scheme"=$4,
			"daemonPort"=$5,
			"daemonToken"=COALESCE(NULLIF($6, ''), "daemonToken"),
			"memory"=$7,
			"memoryOverallocate"=$8,
			"disk"=$9,
			"diskOverallocate"=$10,
			"locationId"=$11,
			"maintenanceMode"=$12,
			"behindProxy"=$13,
			"public"=$14,
			"updatedAt"=NOW()
		WHERE "id"=$1
		RETURNING `+nodeColumns,
		node.ID, node.Name, node.FQDN, string(node.Scheme), node.DaemonPort, token,
		node.Memory, node.MemoryOverallocate, node.Disk, node.DiskOverallocate, node.LocationID,
		node.InMaintenance(), node.BehindProxy(), node.Flags.Has(fleet.FlagPublic),
	)
	updated, err := r.scanNode(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return updated, err
}

// DeleteNode refuses while allocations still reference the node.
func (r *Repository) DeleteNode(ctx context.Context, id string) error {
	tag, err := r.DB.Exec(ctx, `DELETE FROM "Node" WHERE "id"=$1`, id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation {
			return fmt.Errorf("delete node %s: %w", id, fleet.ErrNodeInUse)
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repository) scanNode(row pgx.Row) (*fleet.Node, error) {
	var (
		node        fleet.Node
		scheme      string
		token       string
		maintenance bool
		behindProxy bool
		public      bool
	)
	if err := row.Scan(
		&node.ID,
		&node.Name,
		&node.FQDN,
		&scheme,
		&node.DaemonPort,
		&token,
		&node.Memory,
		&node.MemoryOverallocate,
		&node.Disk,
		&node.DiskOverallocate,
		&node.LocationID,
		&maintenance,
		&behindProxy,
		&public,
		&node.CreatedAt,
		&node.UpdatedAt,
	); err != nil {
		return nil, err
	}
	node.Scheme = fleet.Scheme(scheme)
	node.Flags = node.Flags.
		With(fleet.FlagMaintenance, maintenance).
		With(fleet.FlagBehindProxy, behindProxy).
		With(fleet.FlagPublic, public)

	plain, err := r.Cipher.Open(token)
	if err != nil {
		return nil, fmt.Errorf("node %s daemon token: %w", node.ID, err)
	}
	node.DaemonToken = plain
	return &node, nil
}
