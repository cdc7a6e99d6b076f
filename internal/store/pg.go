package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/extra/bundebug"

	"documint/internal/models"
)

// Postgres-backed implementations of ContentStore and EmbeddingStore, for
// deployments that outgrow the JSON files. Same contract: corrupt or missing
// state loads as absent, saves replace the project's rows wholesale.

type projectRow struct {
	bun.BaseModel `bun:"table:projects,alias:p"`
	Name          string    `bun:"name,pk"`
	Domain        string    `bun:"domain"`
	Files         []byte    `bun:"files,type:jsonb"`
	UpdatedAt     time.Time `bun:"updated_at"`
}

type chunkRow struct {
	bun.BaseModel `bun:"table:chunks,alias:c"`
	ChunkID       string `bun:"chunk_id,pk"`
	Project       string `bun:"project,pk"`
	Position      int    `bun:"position,notnull"`
	Heading       string `bun:"heading"`
	Content       string `bun:"content,notnull"`
	SourceFile    string `bun:"source_file"`
	PageNumber    int    `bun:"page_number"`
	Hash          string `bun:"hash"`
}

type embeddingRow struct {
	bun.BaseModel `bun:"table:embeddings,alias:e"`
	Project       string    `bun:"project,pk"`
	ChunkID       string    `bun:"chunk_id,pk"`
	Position      int       `bun:"position,notnull"`
	Vector        []float32 `bun:"vector,type:vector(768)"`
	Model         string    `bun:"model"`
}

func ConnectDB(dsn, password string) *sql.DB {
	return sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn), pgdriver.WithPassword(password)))
}

func NewBunDB(sqldb *sql.DB, debug bool) *bun.DB {
	db := bun.NewDB(sqldb, pgdialect.New())
	if debug {
		db.AddQueryHook(bundebug.NewQueryHook(bundebug.WithVerbose(true)))
	}
	return db
}

// InitPgSchema creates the backing tables if they do not exist.
func InitPgSchema(ctx context.Context, db *bun.DB) error {
	for _, model := range []any{(*projectRow)(nil), (*chunkRow)(nil), (*embeddingRow)(nil)} {
		if _, err := db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			return err
		}
	}
	return nil
}

type PgContentStore struct {
	db *bun.DB
}

func NewPgContentStore(db *bun.DB) *PgContentStore {
	return &PgContentStore{db: db}
}

func (s *PgContentStore) Load(project string) (*models.ProjectMeta, []models.Chunk, bool) {
	ctx := context.Background()
	name := SafeProjectName(project)

	var row projectRow
	if err := s.db.NewSelect().Model(&row).Where("name = ?", name).Scan(ctx); err != nil {
		return nil, nil, false
	}
	var files []models.SourceFile
	if len(row.Files) > 0 {
		if err := json.Unmarshal(row.Files, &files); err != nil {
			log.Warn().Err(err).Str("project", name).Msg("Corrupt project files column, treating as absent")
			return nil, nil, false
		}
	}

	var rows []chunkRow
	if err := s.db.NewSelect().Model(&rows).Where("project = ?", name).OrderExpr("position ASC").Scan(ctx); err != nil {
		return nil, nil, false
	}
	chunks := make([]models.Chunk, len(rows))
	for i, r := range rows {
		chunks[i] = models.Chunk{
			ID:         r.ChunkID,
			Heading:    r.Heading,
			Content:    r.Content,
			SourceFile: r.SourceFile,
			PageNumber: r.PageNumber,
			Hash:       r.Hash,
		}
	}

	meta := &models.ProjectMeta{
		ProjectName: row.Name,
		Files:       files,
		Domain:      row.Domain,
		UpdatedAt:   row.UpdatedAt,
	}
	return meta, chunks, true
}

func (s *PgContentStore) Save(project string, meta *models.ProjectMeta, chunks []models.Chunk) error {
	ctx := context.Background()
	name := SafeProjectName(project)

	filesJSON, err := json.Marshal(meta.Files)
	if err != nil {
		return err
	}
	row := &projectRow{
		Name:      name,
		Domain:    meta.Domain,
		Files:     filesJSON,
		UpdatedAt: time.Now().UTC(),
	}

	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewInsert().Model(row).On("CONFLICT (name) DO UPDATE").
			Set("domain = EXCLUDED.domain").
			Set("files = EXCLUDED.files").
			Set("updated_at = EXCLUDED.updated_at").
			Exec(ctx); err != nil {
			return err
		}
		if _, err := tx.NewDelete().Model((*chunkRow)(nil)).Where("project = ?", name).Exec(ctx); err != nil {
			return err
		}
		if len(chunks) == 0 {
			return nil
		}
		rows := make([]chunkRow, len(chunks))
		for i, c := range chunks {
			rows[i] = chunkRow{
				ChunkID:    c.ID,
				Project:    name,
				Position:   i,
				Heading:    c.Heading,
				Content:    c.Content,
				SourceFile: c.SourceFile,
				PageNumber: c.PageNumber,
				Hash:       c.Hash,
			}
		}
		_, err := tx.NewInsert().Model(&rows).Exec(ctx)
		return err
	})
}

type PgEmbeddingStore struct {
	db *bun.DB
}

func NewPgEmbeddingStore(db *bun.DB) *PgEmbeddingStore {
	return &PgEmbeddingStore{db: db}
}

func (s *PgEmbeddingStore) Load(project string) (*models.EmbeddingRecord, bool) {
	ctx := context.Background()
	name := SafeProjectName(project)

	var rows []embeddingRow
	if err := s.db.NewSelect().Model(&rows).Where("project = ?", name).OrderExpr("position ASC").Scan(ctx); err != nil {
		return nil, false
	}
	if len(rows) == 0 {
		return nil, false
	}
	rec := &models.EmbeddingRecord{
		ChunkIDs: make([]string, len(rows)),
		Vectors:  make([][]float32, len(rows)),
		Model:    rows[0].Model,
	}
	for i, r := range rows {
		rec.ChunkIDs[i] = r.ChunkID
		rec.Vectors[i] = r.Vector
	}
	if err := rec.Validate(); err != nil {
		log.Warn().Err(err).Str("project", name).Msg("Misaligned embedding rows, treating as absent")
		return nil, false
	}
	return rec, true
}

func (s *PgEmbeddingStore) Save(project string, rec *models.EmbeddingRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	ctx := context.Background()
	name := SafeProjectName(project)

	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewDelete().Model((*embeddingRow)(nil)).Where("project = ?", name).Exec(ctx); err != nil {
			return err
		}
		if len(rec.ChunkIDs) == 0 {
			return nil
		}
		rows := make([]embeddingRow, len(rec.ChunkIDs))
		for i := range rec.ChunkIDs {
			rows[i] = embeddingRow{
				Project:  name,
				ChunkID:  rec.ChunkIDs[i],
				Position: i,
				Vector:   rec.Vectors[i],
				Model:    rec.Model,
			}
		}
		_, err := tx.NewInsert().Model(&rows).Exec(ctx)
		return err
	})
}
