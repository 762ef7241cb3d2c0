package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
	"github.com/paulmach/orb/maptile"

	"github.com/kiesman99/geostitch/pkg/tile"
)

// MBTilesVersion is written to the metadata table
const MBTilesVersion = "1.3"

// Metadata describes the tileset held by an SQL store
type Metadata struct {
	Name    string
	Format  tile.ImageFormat
	Bounds  tile.BoundingBox
	MinZoom int
	MaxZoom int
}

func (m Metadata) items() map[string]string {
	b := m.Bounds
	return map[string]string{
		"name":    m.Name,
		"format":  string(m.Format),
		"type":    "baselayer",
		"version": MBTilesVersion,
		"bounds":  fmt.Sprintf("%f,%f,%f,%f", b.MinLon, b.MinLat, b.MaxLon, b.MaxLat),
		"center":  fmt.Sprintf("%f,%f,%d", (b.MinLon+b.MaxLon)/2, (b.MinLat+b.MaxLat)/2, (m.MinZoom+m.MaxZoom)/2),
		"minzoom": strconv.Itoa(m.MinZoom),
		"maxzoom": strconv.Itoa(m.MaxZoom),
	}
}

type dialect struct {
	driver      string
	blobType    string
	upsertTile  string
	upsertMeta  string
	metaNameCol string
}

var (
	sqliteDialect = dialect{
		driver:      "sqlite3",
		blobType:    "blob",
		upsertTile:  "insert or replace into tiles (zoom_level, tile_column, tile_row, tile_data) values (?, ?, ?, ?)",
		upsertMeta:  "insert or replace into metadata (name, value) values (?, ?)",
		metaNameCol: "text",
	}
	mysqlDialect = dialect{
		driver:      "mysql",
		blobType:    "mediumblob",
		upsertTile:  "replace into tiles (zoom_level, tile_column, tile_row, tile_data) values (?, ?, ?, ?)",
		upsertMeta:  "replace into metadata (name, value) values (?, ?)",
		metaNameCol: "varchar(50)",
	}
)

// SQLStore keeps tiles in an MBTiles-schema table. Rows are stored in TMS order.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
}

// OpenMBTiles opens or creates an MBTiles file
func OpenMBTiles(ctx context.Context, path string) (*SQLStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open(sqliteDialect.driver, path)
	if err != nil {
		return nil, err
	}
	// sqlite serialises writers anyway; one connection avoids SQLITE_BUSY under the worker pool
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, "PRAGMA synchronous=1"); err != nil {
		db.Close()
		return nil, err
	}
	return newSQLStore(ctx, db, sqliteDialect)
}

// OpenMySQL connects to a MySQL database holding the same schema
func OpenMySQL(ctx context.Context, dsn string) (*SQLStore, error) {
	db, err := sql.Open(mysqlDialect.driver, dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to mysql: %w", err)
	}
	return newSQLStore(ctx, db, mysqlDialect)
}

func newSQLStore(ctx context.Context, db *sql.DB, d dialect) (*SQLStore, error) {
	stmts := []string{
		fmt.Sprintf("create table if not exists tiles (zoom_level integer, tile_column integer, tile_row integer, tile_data %s)", d.blobType),
		fmt.Sprintf("create table if not exists metadata (name %s, value text)", d.metaNameCol),
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("prepare tile tables: %w", err)
		}
	}
	// the indexes may already exist; MySQL has no "if not exists" for them
	_, _ = db.ExecContext(ctx, "create unique index tile_index on tiles (zoom_level, tile_column, tile_row)")
	_, _ = db.ExecContext(ctx, "create unique index name on metadata (name)")

	return &SQLStore{db: db, dialect: d}, nil
}

func (s *SQLStore) Load(ctx context.Context, t maptile.Tile) ([]byte, bool, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		"select tile_data from tiles where zoom_level = ? and tile_column = ? and tile_row = ?",
		t.Z, t.X, flipY(t)).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, len(data) > 0, nil
}

func (s *SQLStore) Save(ctx context.Context, t maptile.Tile, data []byte) error {
	_, err := s.db.ExecContext(ctx, s.dialect.upsertTile, t.Z, t.X, flipY(t), data)
	return err
}

// WriteMetadata records the tileset description
func (s *SQLStore) WriteMetadata(ctx context.Context, m Metadata) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for name, value := range m.items() {
		if _, err := tx.ExecContext(ctx, s.dialect.upsertMeta, name, value); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// ReadMetadata returns the raw metadata table
func (s *SQLStore) ReadMetadata(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, "select name, value from metadata")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, err
		}
		out[name] = value
	}
	return out, rows.Err()
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
