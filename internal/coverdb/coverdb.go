// Package coverdb manages the cover-art side database bundled alongside the
// cache tree: a small sqlite file recording each song's cover-image path,
// dimensions, and a pre-rendered thumbnail, so a downstream consumer never
// has to decode a full-size image just to render a thumbnail grid. The
// original image bytes themselves are not duplicated here — they're read
// like any other file through the regular filesystem path.
package coverdb

import (
	"bytes"
	"database/sql"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"github.com/disintegration/imaging"
)

// Thumbnail geometry and pixel format. Format 1 denotes tightly packed
// 8-bit RGB, row-major, no padding — the layout the original tool used and
// that downstream consumers of this database already expect.
const (
	ThumbnailWidth  = 256
	ThumbnailHeight = 256
	ThumbnailFormat = 1
)

const schema = `
CREATE TABLE IF NOT EXISTS cover (
	id       INTEGER PRIMARY KEY AUTOINCREMENT,
	filename TEXT NOT NULL UNIQUE,
	date     INTEGER NOT NULL,
	width    INTEGER NOT NULL,
	height   INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS cover_thumbnail (
	id     INTEGER PRIMARY KEY REFERENCES cover(id),
	format INTEGER NOT NULL,
	width  INTEGER NOT NULL,
	height INTEGER NOT NULL,
	data   BLOB NOT NULL
);
`

// DB wraps the sqlite connection.
type DB struct {
	sql *sql.DB
}

// Open creates (if needed) and opens the database file at path, applying
// the schema with CREATE TABLE IF NOT EXISTS so re-opening an existing
// database is a no-op.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("coverdb: open %s: %w", path, err)
	}
	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("coverdb: apply schema: %w", err)
	}
	return &DB{sql: conn}, nil
}

// Close releases the underlying connection.
func (d *DB) Close() error {
	return d.sql.Close()
}

// storedFilename reproduces the original tool's trailing-NUL-terminated
// path encoding, preserved here for bit-compatibility with readers that
// still expect it rather than because anything in this module relies on
// it.
func storedFilename(filename string) string {
	return filename + "\x00"
}

// AddCover decodes data to find its dimensions, resizes it to a thumbnail,
// and upserts a (filename, date, width, height) row plus its thumbnail.
// Re-adding the same filename replaces the previous row.
func (d *DB) AddCover(filename string, data []byte, date int64) (int64, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return 0, fmt.Errorf("coverdb: decode %s: %w", filename, err)
	}
	bounds := img.Bounds()

	thumb := imaging.Resize(img, ThumbnailWidth, ThumbnailHeight, imaging.Linear)
	packed := packRGB(thumb)

	tx, err := d.sql.Begin()
	if err != nil {
		return 0, fmt.Errorf("coverdb: begin: %w", err)
	}
	defer tx.Rollback()

	name := storedFilename(filename)
	_, err = tx.Exec(`INSERT INTO cover(filename, date, width, height) VALUES (?, ?, ?, ?)
		ON CONFLICT(filename) DO UPDATE SET date = excluded.date, width = excluded.width, height = excluded.height`,
		name, date, bounds.Dx(), bounds.Dy())
	if err != nil {
		return 0, fmt.Errorf("coverdb: insert cover: %w", err)
	}
	// ON CONFLICT updates don't report a fresh LastInsertId (it keeps the
	// connection's previous insert); look the row up explicitly instead.
	var id int64
	row := tx.QueryRow(`SELECT id FROM cover WHERE filename = ?`, name)
	if err := row.Scan(&id); err != nil {
		return 0, fmt.Errorf("coverdb: resolve cover id: %w", err)
	}

	if _, err := tx.Exec(`INSERT INTO cover_thumbnail(id, format, width, height, data) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET format = excluded.format, width = excluded.width, height = excluded.height, data = excluded.data`,
		id, ThumbnailFormat, ThumbnailWidth, ThumbnailHeight, packed); err != nil {
		return 0, fmt.Errorf("coverdb: insert thumbnail: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("coverdb: commit: %w", err)
	}
	return id, nil
}

// Lookup resolves filename to its cover id.
func (d *DB) Lookup(filename string) (id int64, found bool, err error) {
	row := d.sql.QueryRow(`SELECT id FROM cover WHERE filename = ?`, storedFilename(filename))
	if err := row.Scan(&id); err != nil {
		if err == sql.ErrNoRows {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("coverdb: lookup %s: %w", filename, err)
	}
	return id, true, nil
}

// Dimensions returns the original image's recorded width and height.
func (d *DB) Dimensions(id int64) (width, height int, err error) {
	row := d.sql.QueryRow(`SELECT width, height FROM cover WHERE id = ?`, id)
	if err := row.Scan(&width, &height); err != nil {
		return 0, 0, fmt.Errorf("coverdb: dimensions %d: %w", id, err)
	}
	return width, height, nil
}

// Thumbnail returns the packed RGB thumbnail bytes for id.
func (d *DB) Thumbnail(id int64) ([]byte, error) {
	var data []byte
	row := d.sql.QueryRow(`SELECT data FROM cover_thumbnail WHERE id = ?`, id)
	if err := row.Scan(&data); err != nil {
		return nil, fmt.Errorf("coverdb: thumbnail %d: %w", id, err)
	}
	return data, nil
}

// packRGB flattens an image.Image already sized to ThumbnailWidth x
// ThumbnailHeight into a tightly packed, row-major 3-bytes-per-pixel blob.
func packRGB(img image.Image) []byte {
	b := img.Bounds()
	out := make([]byte, 0, b.Dx()*b.Dy()*3)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := img.At(x, y).RGBA()
			out = append(out, byte(r>>8), byte(g>>8), byte(bl>>8))
		}
	}
	return out
}

// rewriteFunc maps a build-time, source-relative filename to the filename
// that should be recorded in a destination database.
type rewriteFunc func(filename string) string

// Import copies every row of src into dest: filenames are rewritten via
// rewrite, rows whose rewritten filename already exists in dest are
// skipped, and every remaining row (cover plus thumbnail) is inserted as
// one transaction keyed by a freshly assigned destination id. Per-row
// failures are logged and skipped; Import itself only fails if dest or src
// can't be queried at all.
func Import(dest, src *DB, rewrite rewriteFunc, log *logrus.Logger) (imported int, err error) {
	rows, err := src.sql.Query(`SELECT id, filename, date, width, height FROM cover`)
	if err != nil {
		return 0, fmt.Errorf("coverdb: import: query source: %w", err)
	}
	defer rows.Close()

	type sourceRow struct {
		id     int64
		name   string
		date   int64
		width  int
		height int
	}
	var srcRows []sourceRow
	for rows.Next() {
		var r sourceRow
		if err := rows.Scan(&r.id, &r.name, &r.date, &r.width, &r.height); err != nil {
			return 0, fmt.Errorf("coverdb: import: scan source row: %w", err)
		}
		srcRows = append(srcRows, r)
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("coverdb: import: iterate source rows: %w", err)
	}

	for _, r := range srcRows {
		// storedFilename already applied the trailing-NUL quirk on write;
		// strip it before rewriting, then reapply on insert.
		plain := trimTrailingNUL(r.name)
		newName := storedFilename(rewrite(plain))

		var existing int64
		err := dest.sql.QueryRow(`SELECT id FROM cover WHERE filename = ?`, newName).Scan(&existing)
		if err == nil {
			continue // already present at the destination
		}
		if err != sql.ErrNoRows {
			log.WithError(err).WithField("filename", newName).Warn("skipping cover import: destination lookup failed")
			continue
		}

		var format, tw, th int
		var data []byte
		if err := src.sql.QueryRow(`SELECT format, width, height, data FROM cover_thumbnail WHERE id = ?`, r.id).
			Scan(&format, &tw, &th, &data); err != nil {
			log.WithError(err).WithField("filename", newName).Warn("skipping cover import: no thumbnail row")
			continue
		}

		if err := importRow(dest, newName, r.date, r.width, r.height, format, tw, th, data); err != nil {
			log.WithError(err).WithField("filename", newName).Warn("skipping cover import: insert failed")
			continue
		}
		imported++
	}

	return imported, nil
}

func importRow(dest *DB, filename string, date int64, width, height, format, thumbWidth, thumbHeight int, thumbData []byte) error {
	tx, err := dest.sql.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`INSERT INTO cover(filename, date, width, height) VALUES (?, ?, ?, ?)`,
		filename, date, width, height)
	if err != nil {
		return fmt.Errorf("insert cover: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("resolve new id: %w", err)
	}

	if _, err := tx.Exec(`INSERT INTO cover_thumbnail(id, format, width, height, data) VALUES (?, ?, ?, ?, ?)`,
		id, format, thumbWidth, thumbHeight, thumbData); err != nil {
		return fmt.Errorf("insert thumbnail: %w", err)
	}

	return tx.Commit()
}

func trimTrailingNUL(s string) string {
	if len(s) > 0 && s[len(s)-1] == 0 {
		return s[:len(s)-1]
	}
	return s
}
