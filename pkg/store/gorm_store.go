package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
	"pdfshelf/pkg/domain"
)

const migrateLockID int64 = 51730917

// GormStore implements Store using GORM + Postgres. Counters are updated with
// SQL increments so concurrent writers never lose an update.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&BookModel{}, &ProfileModel{}, &FavoriteModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		if err := tx.Exec(`
			DO $$
			BEGIN
				IF NOT EXISTS (
					SELECT 1 FROM information_schema.table_constraints
					WHERE table_schema = 'public'
					AND table_name = 'favorite_models'
					AND constraint_name = 'favorite_models_book_id_fkey'
				) THEN
					DELETE FROM favorite_models f
					WHERE NOT EXISTS (SELECT 1 FROM book_models b WHERE b.id = f.book_id);
					ALTER TABLE favorite_models
					ADD CONSTRAINT favorite_models_book_id_fkey
					FOREIGN KEY (book_id) REFERENCES book_models(id) ON DELETE CASCADE;
				END IF;
				IF NOT EXISTS (
					SELECT 1 FROM information_schema.table_constraints
					WHERE table_schema = 'public'
					AND table_name = 'book_models'
					AND constraint_name = 'book_models_counters_nonnegative'
				) THEN
					ALTER TABLE book_models
					ADD CONSTRAINT book_models_counters_nonnegative
					CHECK (download_count >= 0 AND view_count >= 0 AND page_count >= 0);
				END IF;
			END $$;
		`).Error; err != nil {
			return fmt.Errorf("ensure catalog constraints: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// Ping checks database connectivity.
func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// CreateBook inserts the record and bumps the owner's uploaded count in one transaction.
func (s *GormStore) CreateBook(ctx context.Context, b domain.Book) (domain.Book, error) {
	model := bookToModel(b)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&model).Error; err != nil {
			return fmt.Errorf("insert book: %w", err)
		}
		if _, err := addProfileCounter(tx, b.OwnerID, profileCounterColumns[domain.ProfileUploadedBooks], 1); err != nil {
			return fmt.Errorf("increment uploaded count: %w", err)
		}
		return nil
	})
	if err != nil {
		return domain.Book{}, err
	}
	return bookFromModel(model), nil
}

// GetBook retrieves a book.
func (s *GormStore) GetBook(ctx context.Context, id string) (domain.Book, error) {
	model, err := findBook(s.db.WithContext(ctx), id)
	if err != nil {
		return domain.Book{}, err
	}
	return bookFromModel(model), nil
}

// UpdateBook applies the owner-editable fields. Last writer wins.
func (s *GormStore) UpdateBook(ctx context.Context, id string, patch domain.BookPatch) (domain.Book, error) {
	var out domain.Book
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		model, err := findBook(tx, id)
		if err != nil {
			return err
		}
		book := patch.Apply(bookFromModel(model))
		if err := tx.Model(&BookModel{}).Where("id = ?", id).Updates(map[string]any{
			"description": book.Description,
			"category":    book.Category,
			"tags":        bookToModel(book).Tags,
		}).Error; err != nil {
			return fmt.Errorf("update book: %w", err)
		}
		out = book
		return nil
	})
	return out, err
}

// SetFeatured sets the curation flag.
func (s *GormStore) SetFeatured(ctx context.Context, id string, featured bool) (domain.Book, error) {
	db := s.db.WithContext(ctx)
	res := db.Model(&BookModel{}).Where("id = ?", id).Update("featured", featured)
	if res.Error != nil {
		return domain.Book{}, res.Error
	}
	if res.RowsAffected == 0 {
		return domain.Book{}, domain.ErrNotFound
	}
	model, err := findBook(db, id)
	if err != nil {
		return domain.Book{}, err
	}
	return bookFromModel(model), nil
}

// IncrementBookCounter performs `col = col + 1` and returns the stored value.
func (s *GormStore) IncrementBookCounter(ctx context.Context, id string, c domain.Counter) (int64, error) {
	col, ok := bookCounterColumns[c]
	if !ok {
		return 0, fmt.Errorf("unknown book counter %q", c)
	}
	var model BookModel
	res := s.db.WithContext(ctx).Model(&model).
		Clauses(clause.Returning{Columns: []clause.Column{{Name: col}}}).
		Where("id = ?", id).
		UpdateColumn(col, gorm.Expr(col+" + ?", 1))
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected == 0 {
		return 0, domain.ErrNotFound
	}
	if c == domain.CounterDownloads {
		return model.DownloadCount, nil
	}
	return model.ViewCount, nil
}

// DeleteBook removes the record, its favorites and decrements the owner's count.
func (s *GormStore) DeleteBook(ctx context.Context, id string) (domain.Book, error) {
	var out domain.Book
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model BookModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&model, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return domain.ErrNotFound
			}
			return err
		}
		if err := tx.Delete(&FavoriteModel{}, "book_id = ?", id).Error; err != nil {
			return fmt.Errorf("delete favorites: %w", err)
		}
		if err := tx.Delete(&BookModel{}, "id = ?", id).Error; err != nil {
			return fmt.Errorf("delete book: %w", err)
		}
		if _, err := addProfileCounter(tx, model.OwnerID, profileCounterColumns[domain.ProfileUploadedBooks], -1); err != nil {
			return fmt.Errorf("decrement uploaded count: %w", err)
		}
		out = bookFromModel(model)
		return nil
	})
	return out, err
}

// ListBooks filters and orders books. Ties always fall back to newest first, then id.
func (s *GormStore) ListBooks(ctx context.Context, opts ListOptions) ([]domain.Book, error) {
	q := s.db.WithContext(ctx).Model(&BookModel{})
	if opts.OwnerID != "" {
		q = q.Where("owner_id = ?", opts.OwnerID)
	}
	if opts.Category != "" {
		q = q.Where("category = ?", opts.Category)
	}
	if opts.Featured != nil {
		q = q.Where("featured = ?", *opts.Featured)
	}
	if opts.ExcludeID != "" {
		q = q.Where("id <> ?", opts.ExcludeID)
	}
	for _, col := range orderColumns(opts) {
		q = q.Order(col)
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	var models []BookModel
	if err := q.Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Book, 0, len(models))
	for _, m := range models {
		res = append(res, bookFromModel(m))
	}
	return res, nil
}

func orderColumns(opts ListOptions) []clause.OrderByColumn {
	primary := opts.OrderBy
	if primary == "" {
		primary = OrderUploadDate
	}
	cols := []clause.OrderByColumn{{Column: clause.Column{Name: string(primary)}, Desc: opts.Desc}}
	if primary != OrderUploadDate {
		cols = append(cols, clause.OrderByColumn{Column: clause.Column{Name: string(OrderUploadDate)}, Desc: true})
	}
	return append(cols, clause.OrderByColumn{Column: clause.Column{Name: "id"}})
}

// CountBooks returns the catalog size.
func (s *GormStore) CountBooks(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&BookModel{}).Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

// GetProfile loads counters and favorites, newest favorite first.
func (s *GormStore) GetProfile(ctx context.Context, uid string) (domain.UserProfile, error) {
	db := s.db.WithContext(ctx)
	profile := domain.UserProfile{UID: uid, Favorites: []string{}}
	var model ProfileModel
	err := db.First(&model, "uid = ?", uid).Error
	switch {
	case err == nil:
		profile.UploadedBooksCount = model.UploadedBooksCount
		profile.TotalDownloads = model.TotalDownloads
		profile.TotalViews = model.TotalViews
	case errors.Is(err, gorm.ErrRecordNotFound):
	default:
		return domain.UserProfile{}, err
	}
	if err := db.Model(&FavoriteModel{}).
		Where("uid = ?", uid).
		Order("created_at DESC").
		Pluck("book_id", &profile.Favorites).Error; err != nil {
		return domain.UserProfile{}, err
	}
	return profile, nil
}

// IncrementProfileCounter upserts the profile and adds delta, never dropping below zero.
func (s *GormStore) IncrementProfileCounter(ctx context.Context, uid string, c domain.ProfileCounter, delta int64) (int64, error) {
	col, ok := profileCounterColumns[c]
	if !ok {
		return 0, fmt.Errorf("unknown profile counter %q", c)
	}
	var value int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		v, err := addProfileCounter(tx, uid, col, delta)
		value = v
		return err
	})
	return value, err
}

// ToggleFavorite flips membership of bookID in the user's favorites.
func (s *GormStore) ToggleFavorite(ctx context.Context, uid, bookID string) (bool, error) {
	var added bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Delete(&FavoriteModel{}, "uid = ? AND book_id = ?", uid, bookID)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected > 0 {
			added = false
			return nil
		}
		if err := tx.Create(&FavoriteModel{UID: uid, BookID: bookID, CreatedAt: time.Now().UTC()}).Error; err != nil {
			return err
		}
		added = true
		return nil
	})
	return added, err
}

func findBook(db *gorm.DB, id string) (BookModel, error) {
	var model BookModel
	if err := db.First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return BookModel{}, domain.ErrNotFound
		}
		return BookModel{}, err
	}
	return model, nil
}

// addProfileCounter must run inside a transaction; the read-back sees the row
// locked by the upsert.
func addProfileCounter(tx *gorm.DB, uid, col string, delta int64) (int64, error) {
	now := time.Now().UTC()
	initial := delta
	if initial < 0 {
		initial = 0
	}
	if err := tx.Model(&ProfileModel{}).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "uid"}},
		DoUpdates: clause.Assignments(map[string]any{
			col:          gorm.Expr("GREATEST(profile_models."+col+" + ?, 0)", delta),
			"updated_at": now,
		}),
	}).Create(map[string]any{
		"uid":        uid,
		col:          initial,
		"updated_at": now,
	}).Error; err != nil {
		return 0, err
	}
	var value int64
	if err := tx.Model(&ProfileModel{}).Select(col).Where("uid = ?", uid).Row().Scan(&value); err != nil {
		return 0, err
	}
	return value, nil
}
