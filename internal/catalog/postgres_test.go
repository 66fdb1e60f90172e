package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"

	"github.com/fpang/webpeasy/internal/media"
)

func newMockCatalog(t *testing.T) (*PostgresCatalog, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock.NewPool: %v", err)
	}
	t.Cleanup(mock.Close)
	return NewPostgresCatalog(mock), mock
}

func TestPostgresCountByMime(t *testing.T) {
	c, mock := newMockCatalog(t)
	mock.ExpectQuery(regexp.QuoteMeta(countSQL)).
		WithArgs(media.ConvertibleMimeTypes).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(3)))

	n, err := c.CountByMime(context.Background(), media.ConvertibleMimeTypes)
	if err != nil {
		t.Fatalf("CountByMime: %v", err)
	}
	if n != 3 {
		t.Errorf("count = %d, want 3", n)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestPostgresListIDsByMime(t *testing.T) {
	c, mock := newMockCatalog(t)
	mock.ExpectQuery(regexp.QuoteMeta(listSQL)).
		WithArgs(media.ConvertibleMimeTypes, 5, 10).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(11)).AddRow(int64(12)))

	ids, err := c.ListIDsByMime(context.Background(), media.ConvertibleMimeTypes, 10, 5)
	if err != nil {
		t.Fatalf("ListIDsByMime: %v", err)
	}
	if len(ids) != 2 || ids[0] != 11 || ids[1] != 12 {
		t.Errorf("ids = %v, want [11 12]", ids)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestPostgresListIDsByMimeQueryError(t *testing.T) {
	c, mock := newMockCatalog(t)
	mock.ExpectQuery(regexp.QuoteMeta(listSQL)).
		WithArgs(media.ConvertibleMimeTypes, 5, 0).
		WillReturnError(errors.New("connection reset"))

	if _, err := c.ListIDsByMime(context.Background(), media.ConvertibleMimeTypes, 0, 5); err == nil {
		t.Fatal("expected error")
	}
}

func TestPostgresGet(t *testing.T) {
	c, mock := newMockCatalog(t)
	meta, _ := json.Marshal(media.Metadata{Width: 640, Height: 480, File: "a.jpg"})
	mock.ExpectQuery(regexp.QuoteMeta(getSQL)).
		WithArgs(int64(4)).
		WillReturnRows(pgxmock.NewRows([]string{"id", "file", "mime_type", "metadata"}).
			AddRow(int64(4), "2024/01/a.jpg", "image/jpeg", meta))

	a, err := c.Get(context.Background(), 4)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if a == nil || a.File != "2024/01/a.jpg" || a.MimeType != media.MimeJPEG {
		t.Fatalf("asset = %+v", a)
	}
	if a.Metadata == nil || a.Metadata.Width != 640 {
		t.Errorf("metadata = %+v", a.Metadata)
	}
}

func TestPostgresGetMissing(t *testing.T) {
	c, mock := newMockCatalog(t)
	mock.ExpectQuery(regexp.QuoteMeta(getSQL)).
		WithArgs(int64(99)).
		WillReturnError(pgx.ErrNoRows)

	a, err := c.Get(context.Background(), 99)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if a != nil {
		t.Errorf("asset = %+v, want nil", a)
	}
}

func TestPostgresUpdateMetadata(t *testing.T) {
	tests := []struct {
		name    string
		rows    int64
		wantErr bool
	}{
		{"updated", 1, false},
		{"missing row", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, mock := newMockCatalog(t)
			mock.ExpectExec(regexp.QuoteMeta(updateSQL)).
				WithArgs(int64(4), pgxmock.AnyArg()).
				WillReturnResult(pgxmock.NewResult("UPDATE", tt.rows))

			err := c.UpdateMetadata(context.Background(), 4, &media.Metadata{Width: 1})
			if (err != nil) != tt.wantErr {
				t.Errorf("UpdateMetadata error = %v, wantErr %v", err, tt.wantErr)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Error(err)
			}
		})
	}
}

func TestPostgresInsert(t *testing.T) {
	c, mock := newMockCatalog(t)
	mock.ExpectQuery(regexp.QuoteMeta(insertSQL)).
		WithArgs("b.png", "image/png", pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(21)))

	id, err := c.Insert(context.Background(), &media.Asset{File: "b.png", MimeType: media.MimePNG})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if id != 21 {
		t.Errorf("id = %d, want 21", id)
	}
}
